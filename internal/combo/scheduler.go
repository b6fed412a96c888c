// Package combo owns ComboPosition settlement transitions: opening
// time-locked parlay bets, settling them once their lock date passes, and
// running the weekly window reset and the milestone reward sweep.
package combo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/locks"
	"github.com/stlr/margin-engine/internal/metrics"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/store"
)

// Scheduler opens and settles combo positions and runs the reward sweeps.
type Scheduler struct {
	store store.Store
	feed  feed.Feed
	locks *locks.PerUser

	now func() time.Time
}

// NewScheduler creates a combo scheduler sharing the given per-user locks.
func NewScheduler(st store.Store, f feed.Feed, lk *locks.PerUser) *Scheduler {
	return &Scheduler{store: st, feed: f, locks: lk, now: time.Now}
}

// OpenComboRequest carries the parameters of openComboPosition. ComboID is
// optional; when empty a fresh one is generated and the legs registered
// with the feed under it.
type OpenComboRequest struct {
	UserID   string
	ComboID  string
	Legs     []model.ComboLeg
	Side     model.Side
	Stake    decimal.Decimal
	Leverage int64
	LockDate time.Time
}

// Open validates and opens a combo position, debiting the stake. LockDate
// is normalized to 00:00 UTC of the chosen day and must still be in the
// future after normalization.
func (s *Scheduler) Open(ctx context.Context, req OpenComboRequest) (*model.ComboPosition, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side must be YES or NO", errs.ErrValidation)
	}
	if !req.Stake.IsPositive() {
		return nil, fmt.Errorf("%w: stake must be positive", errs.ErrValidation)
	}
	if req.Leverage < 1 {
		return nil, fmt.Errorf("%w: leverage must be >= 1", errs.ErrValidation)
	}
	if len(req.Legs) < 2 {
		return nil, fmt.Errorf("%w: a combo needs at least 2 legs", errs.ErrValidation)
	}
	for _, leg := range req.Legs {
		if !leg.Side.Valid() {
			return nil, fmt.Errorf("%w: leg %s: side must be YES or NO", errs.ErrValidation, leg.MarketID)
		}
		if _, err := s.feed.CurrentProbability(ctx, leg.MarketID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	lock := midnightUTC(req.LockDate)
	if !lock.After(now) {
		return nil, fmt.Errorf("%w: lock date %s is not in the future", errs.ErrValidation, lock.Format(time.DateOnly))
	}

	comboID := req.ComboID
	if comboID == "" {
		comboID = uuid.New().String()
	}
	if err := s.feed.RegisterCombo(comboID, req.Legs); err != nil {
		return nil, err
	}
	entry, err := s.feed.ComboImpliedProbability(ctx, comboID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.UserID)
	defer unlock()

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.CashBalance.LessThan(req.Stake) {
		return nil, fmt.Errorf("%w: stake %s, cash %s",
			errs.ErrInsufficientMargin, req.Stake, user.CashBalance)
	}

	cp := &model.ComboPosition{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		ComboID:          comboID,
		Legs:             append([]model.ComboLeg(nil), req.Legs...),
		Side:             req.Side,
		Stake:            req.Stake,
		Leverage:         req.Leverage,
		EntryProbability: entry,
		LockDate:         lock,
		Status:           model.ComboOpen,
		CreatedAt:        now,
	}
	if err := s.store.InsertCombo(ctx, cp); err != nil {
		return nil, err
	}

	user.CashBalance = user.CashBalance.Sub(req.Stake)
	if err := s.store.UpdateUser(ctx, user, user.Version); err != nil {
		return nil, err
	}

	slog.Info("combo opened",
		"combo_position_id", cp.ID,
		"user", req.UserID,
		"combo", comboID,
		"side", req.Side,
		"stake", req.Stake.String(),
		"leverage", req.Leverage,
		"entry", entry.String(),
		"lock_date", lock.Format(time.DateOnly),
	)
	return cp, nil
}

// Close exits a combo position manually. Before the lock date the position
// is cancelled and the stake refunded in full; at or past the lock date it
// settles immediately at the current implied probability.
func (s *Scheduler) Close(ctx context.Context, comboPositionID string) (*model.ComboPosition, error) {
	cp, err := s.store.GetCombo(ctx, comboPositionID)
	if err != nil {
		return nil, err
	}
	if cp.Status != model.ComboOpen {
		return nil, fmt.Errorf("%w: combo position %s is %s", errs.ErrInvalidState, cp.ID, cp.Status)
	}
	if s.now().UTC().Before(cp.LockDate) {
		return s.cancel(ctx, cp.ID)
	}
	return s.settle(ctx, cp.ID)
}

// SweepSettlements settles every open combo whose lock date has passed.
// Per-combo failures are logged and skipped.
func (s *Scheduler) SweepSettlements(ctx context.Context) {
	combos, err := s.store.ListOpenCombos(ctx)
	if err != nil {
		slog.Error("combo sweep: list combos failed", "err", err)
		return
	}
	now := s.now().UTC()
	for _, cp := range combos {
		if now.Before(cp.LockDate) {
			continue
		}
		if _, err := s.settle(ctx, cp.ID); err != nil && !errs.Retryable(err) {
			slog.Error("combo settlement failed", "combo_position_id", cp.ID, "err", err)
		}
	}
}

// settle resolves one combo at the current implied probability and credits
// the user stake + pnl clamped at zero. Loss is bounded by the stake.
func (s *Scheduler) settle(ctx context.Context, comboPositionID string) (*model.ComboPosition, error) {
	pre, err := s.store.GetCombo(ctx, comboPositionID)
	if err != nil {
		return nil, err
	}
	exit, err := s.implied(ctx, pre)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(pre.UserID)
	defer unlock()

	cp, err := s.store.GetCombo(ctx, comboPositionID)
	if err != nil {
		return nil, err
	}
	if cp.Status != model.ComboOpen {
		return nil, fmt.Errorf("%w: combo position %s is %s", errs.ErrInvalidState, cp.ID, cp.Status)
	}

	// Probabilities here are on the 0-1 scale, so stake*leverage already
	// plays the role size/100 plays for single positions.
	pnl := cp.Stake.Mul(decimal.NewFromInt(cp.Leverage)).Mul(exit.Sub(cp.EntryProbability))
	if cp.Side == model.SideNo {
		pnl = pnl.Neg()
	}
	credit := cp.Stake.Add(pnl)
	if credit.LessThan(decimal.Zero) {
		credit = decimal.Zero
	}

	now := s.now().UTC()
	cp.Status = model.ComboSettled
	cp.ExitProbability = &exit
	cp.PnL = &pnl
	cp.SettledAt = &now
	if err := s.store.UpdateCombo(ctx, cp, cp.Version); err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, cp.UserID)
	if err != nil {
		return nil, err
	}
	user.CashBalance = user.CashBalance.Add(credit)
	user.WeeklyPnL = user.WeeklyPnL.Add(pnl)
	if pnl.IsPositive() {
		user.CumulativeProfit = user.CumulativeProfit.Add(pnl)
	}
	if err := s.store.UpdateUser(ctx, user, user.Version); err != nil {
		return nil, err
	}

	metrics.CombosSettled.WithLabelValues(string(model.ComboSettled)).Inc()
	slog.Info("combo settled",
		"combo_position_id", cp.ID,
		"user", cp.UserID,
		"exit", exit.String(),
		"pnl", pnl.String(),
		"credit", credit.String(),
	)
	return cp, nil
}

// implied prices a combo, re-registering its persisted legs with the feed
// when the registration is missing. The feed holds registrations in memory
// only, so open combos loaded after a restart rehydrate here.
func (s *Scheduler) implied(ctx context.Context, cp *model.ComboPosition) (decimal.Decimal, error) {
	exit, err := s.feed.ComboImpliedProbability(ctx, cp.ComboID)
	if errors.Is(err, errs.ErrNotFound) && len(cp.Legs) > 0 {
		if rerr := s.feed.RegisterCombo(cp.ComboID, cp.Legs); rerr != nil {
			return decimal.Zero, rerr
		}
		exit, err = s.feed.ComboImpliedProbability(ctx, cp.ComboID)
	}
	return exit, err
}

// cancel voids an unlocked combo and refunds the stake. No pnl is realized
// and neither the weekly window nor the milestone counter moves.
func (s *Scheduler) cancel(ctx context.Context, comboPositionID string) (*model.ComboPosition, error) {
	pre, err := s.store.GetCombo(ctx, comboPositionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(pre.UserID)
	defer unlock()

	cp, err := s.store.GetCombo(ctx, comboPositionID)
	if err != nil {
		return nil, err
	}
	if cp.Status != model.ComboOpen {
		return nil, fmt.Errorf("%w: combo position %s is %s", errs.ErrInvalidState, cp.ID, cp.Status)
	}

	now := s.now().UTC()
	cp.Status = model.ComboCancelled
	cp.SettledAt = &now
	if err := s.store.UpdateCombo(ctx, cp, cp.Version); err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, cp.UserID)
	if err != nil {
		return nil, err
	}
	user.CashBalance = user.CashBalance.Add(cp.Stake)
	if err := s.store.UpdateUser(ctx, user, user.Version); err != nil {
		return nil, err
	}

	metrics.CombosSettled.WithLabelValues(string(model.ComboCancelled)).Inc()
	slog.Info("combo cancelled",
		"combo_position_id", cp.ID,
		"user", cp.UserID,
		"stake_refunded", cp.Stake.String(),
	)
	return cp, nil
}

// Run executes the settlement, weekly reset, and reward sweeps on their
// own intervals until ctx ends.
func (s *Scheduler) Run(ctx context.Context, settleEvery, weeklyEvery, rewardEvery time.Duration) {
	settle := time.NewTicker(settleEvery)
	weekly := time.NewTicker(weeklyEvery)
	reward := time.NewTicker(rewardEvery)
	defer settle.Stop()
	defer weekly.Stop()
	defer reward.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-settle.C:
			s.SweepSettlements(ctx)
		case <-weekly.C:
			s.SweepWeeklyReset(ctx)
		case <-reward.C:
			s.SweepRewards(ctx)
		}
	}
}
