// Package margin aggregates a user's open positions into cross-margin
// equity metrics and triggers forced liquidation when the margin ratio
// crosses 1.0. The computation is a pure fold over current state — no
// incrementally maintained counters that could drift.
package margin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/ledger"
	"github.com/stlr/margin-engine/internal/metrics"
	"github.com/stlr/margin-engine/internal/probmath"
	"github.com/stlr/margin-engine/internal/store"
)

// MaxMarginRatio is reported when maintenance margin is zero (no open
// positions): the ratio is mathematically +∞, clamped to a finite sentinel
// so it stays representable in JSON and NUMERIC columns.
var MaxMarginRatio = decimal.NewFromInt(999999)

// AtRiskRatio is the warning threshold; mandatory liquidation fires at 1.0.
var AtRiskRatio = decimal.NewFromFloat(1.2)

// Metrics is the cross-margin snapshot for one user, re-derivable at any
// instant purely from open positions, the cash balance, and current prices.
type Metrics struct {
	UserID              string          `json:"user_id"`
	CashBalance         decimal.Decimal `json:"cash_balance"`
	UsedMargin          decimal.Decimal `json:"used_margin"`
	UnrealizedPnL       decimal.Decimal `json:"unrealized_pnl"`
	Equity              decimal.Decimal `json:"equity"`
	MaintenanceMargin   decimal.Decimal `json:"maintenance_margin"`
	MarginRatio         decimal.Decimal `json:"margin_ratio"`
	FreeMargin          decimal.Decimal `json:"free_margin"`
	OpenPositions       int             `json:"open_positions"`
	IsAtRisk            bool            `json:"is_at_risk"`
	LiquidationRequired bool            `json:"liquidation_required"`
}

// Monitor computes cross-margin metrics and runs the liquidation sweep.
type Monitor struct {
	store           store.Store
	feed            feed.Feed
	ledger          *ledger.Ledger
	maintenanceRate decimal.Decimal
	hub             *feed.Hub // optional, broadcasts liquidation events
}

// NewMonitor creates a monitor. maintenanceRate is the configured fraction
// of used margin that equity must cover. Pass nil for hub to disable
// broadcasts.
func NewMonitor(st store.Store, f feed.Feed, l *ledger.Ledger, maintenanceRate decimal.Decimal, hub *feed.Hub) *Monitor {
	return &Monitor{
		store:           st,
		feed:            f,
		ledger:          l,
		maintenanceRate: maintenanceRate,
		hub:             hub,
	}
}

// Compute folds the user's open positions into a metrics snapshot at
// current feed prices. Feed errors propagate — a stale or fabricated price
// never enters a margin computation.
func (m *Monitor) Compute(ctx context.Context, userID string) (*Metrics, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := m.store.ListOpenPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	usedMargin := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range positions {
		margin, err := probmath.Margin(p.Size, p.Leverage)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", p.ID, err)
		}
		usedMargin = usedMargin.Add(decimal.NewFromInt(margin))

		prob, err := m.feed.CurrentProbability(ctx, p.MarketID)
		if err != nil {
			return nil, err
		}
		unrealized = unrealized.Add(probmath.PnL(p.Size, p.Side, p.EntryProbability, prob))
	}

	equity := user.CashBalance.Add(usedMargin).Add(unrealized)
	maintenance := usedMargin.Mul(m.maintenanceRate)

	ratio := MaxMarginRatio
	if maintenance.IsPositive() {
		ratio = equity.Div(maintenance)
		if ratio.GreaterThan(MaxMarginRatio) {
			ratio = MaxMarginRatio
		}
	}

	return &Metrics{
		UserID:              userID,
		CashBalance:         user.CashBalance,
		UsedMargin:          usedMargin,
		UnrealizedPnL:       unrealized,
		Equity:              equity,
		MaintenanceMargin:   maintenance,
		MarginRatio:         ratio,
		FreeMargin:          equity.Sub(usedMargin),
		OpenPositions:       len(positions),
		IsAtRisk:            ratio.LessThan(AtRiskRatio),
		LiquidationRequired: ratio.LessThan(decimal.NewFromInt(1)),
	}, nil
}

// SweepUser force-closes positions for a user below the liquidation floor,
// largest margin first, until the ratio recovers to 1.0 or nothing remains.
// Greedy largest-first is a deliberate simplification over risk-minimizing
// selection.
func (m *Monitor) SweepUser(ctx context.Context, userID string) error {
	for {
		mm, err := m.Compute(ctx, userID)
		if err != nil {
			return err
		}
		if !mm.LiquidationRequired || mm.OpenPositions == 0 {
			return nil
		}

		positions, err := m.store.ListOpenPositionsByUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			return nil
		}

		victim := positions[0]
		victimMargin := int64(0)
		for _, p := range positions {
			margin, err := probmath.Margin(p.Size, p.Leverage)
			if err != nil {
				continue
			}
			if margin > victimMargin {
				victim = p
				victimMargin = margin
			}
		}

		prob, err := m.feed.CurrentProbability(ctx, victim.MarketID)
		if err != nil {
			return err
		}
		if _, err := m.ledger.Liquidate(ctx, victim.ID, prob); err != nil {
			return err
		}

		metrics.PositionsLiquidated.Inc()
		slog.Warn("position liquidated",
			"user", userID,
			"position_id", victim.ID,
			"market", victim.MarketID,
			"margin", victimMargin,
			"margin_ratio", mm.MarginRatio.String(),
		)
		if m.hub != nil {
			m.hub.Broadcast(feed.Message{
				Type:       "liquidation",
				UserID:     userID,
				MarketID:   victim.MarketID,
				PositionID: victim.ID,
			})
		}
	}
}

// Sweep runs SweepUser over every user. Per-user failures are logged and
// skipped so one bad row cannot stall the whole liquidation pass.
func (m *Monitor) Sweep(ctx context.Context) {
	users, err := m.store.ListUsers(ctx)
	if err != nil {
		slog.Error("liquidation sweep: list users failed", "err", err)
		return
	}
	for _, u := range users {
		if err := m.SweepUser(ctx, u.ID); err != nil {
			slog.Error("liquidation sweep failed for user", "user", u.ID, "err", err)
		}
	}
}

// Run executes the liquidation sweep on a fixed interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
