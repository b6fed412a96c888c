package combo

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/metrics"
)

// milestoneStep is the cumulative realized profit that earns one reward
// milestone.
var milestoneStep = decimal.NewFromInt(10000)

// rewardCapPoints is the point total at which the per-milestone reward
// collapses to exactly 1.
const rewardCapPoints = 250000

// rewardFor returns the STLR points granted for the next milestone given
// the current point total: max(1, floor(1000 / (1 + points/2500))). The
// integer form floor(2500000 / (2500 + points)) is exactly equivalent and
// avoids decimal division.
func rewardFor(points int64) int64 {
	if points >= rewardCapPoints {
		return 1
	}
	r := 2500000 / (2500 + points)
	if r < 1 {
		return 1
	}
	return r
}

// SweepRewards grants pending profit milestones. Milestones are applied
// one at a time, with the point total updated between them, because each
// grant feeds the decay of the next. Folding all pending milestones
// against the starting total would understate the decay and over-reward.
func (s *Scheduler) SweepRewards(ctx context.Context) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		slog.Error("reward sweep: list users failed", "err", err)
		return
	}
	for _, u := range users {
		if err := s.sweepUserRewards(ctx, u.ID); err != nil {
			slog.Error("reward sweep failed for user", "user", u.ID, "err", err)
		}
	}
}

func (s *Scheduler) sweepUserRewards(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	earned := user.CumulativeProfit.Div(milestoneStep).Floor().IntPart()
	if earned <= user.MilestonesAwarded {
		return nil
	}

	var granted int64
	for user.MilestonesAwarded < earned {
		reward := rewardFor(user.RewardPoints)
		user.RewardPoints += reward
		user.MilestonesAwarded++
		granted += reward
	}
	if err := s.store.UpdateUser(ctx, user, user.Version); err != nil {
		return err
	}

	metrics.RewardPointsGranted.Add(float64(granted))
	slog.Info("reward milestones granted",
		"user", userID,
		"points_granted", granted,
		"points_total", user.RewardPoints,
		"milestones", user.MilestonesAwarded,
	)
	return nil
}

// weekStart returns the Monday 00:00 UTC boundary at or before t.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	days := (int(t.Weekday()) + 6) % 7
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -days)
}

// midnightUTC truncates t to 00:00 UTC of its day.
func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SweepWeeklyReset rolls every user whose week anchor predates the current
// Monday boundary into the new week. Point totals are untouched; only the
// rolling window measuring next week's milestone progress resets.
func (s *Scheduler) SweepWeeklyReset(ctx context.Context) {
	boundary := weekStart(s.now())
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		slog.Error("weekly reset: list users failed", "err", err)
		return
	}
	for _, u := range users {
		if !u.WeekStart.Before(boundary) {
			continue
		}
		if err := s.resetUserWeek(ctx, u.ID, boundary); err != nil {
			slog.Error("weekly reset failed for user", "user", u.ID, "err", err)
		}
	}
}

func (s *Scheduler) resetUserWeek(ctx context.Context, userID string, boundary time.Time) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.WeekStart.Before(boundary) {
		return nil
	}

	prev := user.WeeklyPnL
	user.WeekStart = boundary
	user.WeeklyPnL = decimal.Zero
	if err := s.store.UpdateUser(ctx, user, user.Version); err != nil {
		return err
	}

	slog.Info("weekly window reset",
		"user", userID,
		"week_start", boundary.Format(time.DateOnly),
		"closed_week_pnl", prev.String(),
	)
	return nil
}
