// Package ledger owns Position rows: it opens positions from fills, closes
// and partially closes them, and applies liquidations. It is the single
// source of truth for realized PnL and the only writer of a user's cash
// balance on the position path.
//
// Every mutation runs under the user's lock with the price read beforehand,
// and re-validates position status after acquiring the lock. Lost updates
// surface as errs.ErrConflict from the store's versioned writes.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/locks"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/probmath"
	"github.com/stlr/margin-engine/internal/store"
)

// Ledger applies position mutations against the store.
type Ledger struct {
	store store.Store
	locks *locks.PerUser
}

// New creates a ledger sharing the given per-user lock set.
func New(st store.Store, lk *locks.PerUser) *Ledger {
	return &Ledger{store: st, locks: lk}
}

// ApplyFill turns an order fill into an open position, an immutable
// execution record, and the matching order/cash updates — one unit of work
// under the user's lock. qty is capped at the order's remaining size.
// twapNext, when non-nil, advances the order's TWAP gate in the same write.
//
// The caller reads the fill price before calling; the order is re-read
// under the lock and the fill is dropped with ErrInvalidState if the order
// reached a terminal status in between. The versioned order update lands
// before any other write, so a cancel racing the fill surfaces as
// ErrConflict with no position, execution, or cash mutation committed.
func (l *Ledger) ApplyFill(ctx context.Context, ord *model.Order, price decimal.Decimal, qty int64, twapNext *time.Time) (*model.Position, *model.OrderExecution, error) {
	if qty <= 0 {
		return nil, nil, fmt.Errorf("%w: fill size must be positive", errs.ErrValidation)
	}

	unlock := l.locks.Lock(ord.UserID)
	defer unlock()

	cur, err := l.store.GetOrder(ctx, ord.ID)
	if err != nil {
		return nil, nil, err
	}
	if cur.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: order %s is %s", errs.ErrInvalidState, cur.ID, cur.Status)
	}
	if remaining := cur.RemainingSize(); qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return nil, nil, fmt.Errorf("%w: order %s has no remaining size", errs.ErrInvalidState, cur.ID)
	}

	margin, err := probmath.Margin(qty, cur.Leverage)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	user, err := l.store.GetUser(ctx, cur.UserID)
	if err != nil {
		return nil, nil, err
	}
	marginDec := decimal.NewFromInt(margin)
	if user.CashBalance.LessThan(marginDec) {
		return nil, nil, fmt.Errorf("%w: fill needs %s, cash %s",
			errs.ErrInsufficientMargin, marginDec, user.CashBalance)
	}

	liq, err := probmath.LiquidationProbability(price, qty, cur.Leverage, cur.Side)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	// Reserve the fill on the order first. If a cancel or competing fill
	// slipped in since the read, the versioned update conflicts here and
	// nothing else has been written.
	now := time.Now().UTC()
	cur.FilledSize += qty
	if cur.RemainingSize() == 0 {
		cur.Status = model.OrderFilled
	} else {
		cur.Status = model.OrderPartial
	}
	if cur.Type == model.OrderIceberg && cur.VisibleSize > cur.RemainingSize() {
		cur.VisibleSize = cur.RemainingSize()
	}
	if twapNext != nil {
		cur.TwapNextExecuteAt = twapNext
	}
	cur.UpdatedAt = now
	if err := l.store.UpdateOrder(ctx, cur, cur.Version); err != nil {
		return nil, nil, err
	}
	*ord = *cur

	pos := &model.Position{
		ID:                     uuid.New().String(),
		UserID:                 cur.UserID,
		MarketID:               cur.MarketID,
		Side:                   cur.Side,
		Size:                   qty,
		Leverage:               cur.Leverage,
		EntryProbability:       price,
		LiquidationProbability: liq,
		Status:                 model.PositionOpen,
		CreatedAt:              now,
	}
	if err := l.store.InsertPosition(ctx, pos); err != nil {
		return nil, nil, err
	}

	exec := &model.OrderExecution{
		ID:         uuid.New().String(),
		OrderID:    cur.ID,
		PositionID: pos.ID,
		Price:      price,
		Size:       qty,
		ExecutedAt: now,
	}
	if err := l.store.InsertExecution(ctx, exec); err != nil {
		return nil, nil, err
	}

	user.CashBalance = user.CashBalance.Sub(marginDec)
	if err := l.store.UpdateUser(ctx, user, user.Version); err != nil {
		return nil, nil, err
	}

	slog.Info("fill applied",
		"order_id", cur.ID,
		"position_id", pos.ID,
		"user", cur.UserID,
		"side", cur.Side,
		"qty", qty,
		"price", price.String(),
		"margin", margin,
		"order_status", cur.Status,
	)
	return pos, exec, nil
}

// Close fully closes an open position at exitProb, crediting the user
// margin + pnl clamped at zero. A single close can never leave the user
// owing cash.
func (l *Ledger) Close(ctx context.Context, positionID string, exitProb decimal.Decimal) (*model.Position, error) {
	return l.settle(ctx, positionID, exitProb, model.PositionClosed)
}

// Liquidate force-closes a position at the triggering probability. It is
// financially identical to Close but records status=liquidated for
// reporting. Triggered by the cross-margin monitor, never self-detected.
func (l *Ledger) Liquidate(ctx context.Context, positionID string, triggerProb decimal.Decimal) (*model.Position, error) {
	return l.settle(ctx, positionID, triggerProb, model.PositionLiquidated)
}

func (l *Ledger) settle(ctx context.Context, positionID string, exitProb decimal.Decimal, final model.PositionStatus) (*model.Position, error) {
	pre, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(pre.UserID)
	defer unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != model.PositionOpen {
		return nil, fmt.Errorf("%w: position %s is %s", errs.ErrInvalidState, pos.ID, pos.Status)
	}

	margin, err := probmath.Margin(pos.Size, pos.Leverage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	pnl := probmath.PnL(pos.Size, pos.Side, pos.EntryProbability, exitProb)

	now := time.Now().UTC()
	pos.Status = final
	pos.RealizedPnL = &pnl
	pos.ClosedAt = &now
	if err := l.store.UpdatePosition(ctx, pos, pos.Version); err != nil {
		return nil, err
	}

	credit := decimal.NewFromInt(margin).Add(pnl)
	if credit.LessThan(decimal.Zero) {
		credit = decimal.Zero
	}
	if err := l.creditRealized(ctx, pos.UserID, credit, pnl); err != nil {
		return nil, err
	}

	slog.Info("position settled",
		"position_id", pos.ID,
		"user", pos.UserID,
		"status", final,
		"exit", exitProb.String(),
		"pnl", pnl.String(),
		"credit", credit.String(),
	)
	return pos, nil
}

// PartialClose realizes pnl on floor(size*percent/100) and leaves the
// remainder open at the same entry probability, leverage, and liquidation
// threshold — a partial close never moves the surviving cost basis.
// percent=100 degenerates to a full close with a nil remainder.
//
// The released margin is computed as margin(size) - margin(remainder) so
// the sum of margin debits and credits over the position's life balances
// exactly despite ceil rounding.
func (l *Ledger) PartialClose(ctx context.Context, positionID string, percent int64, exitProb decimal.Decimal) (*model.Position, *model.Position, error) {
	if percent < 1 || percent > 100 {
		return nil, nil, fmt.Errorf("%w: percent %d outside [1,100]", errs.ErrValidation, percent)
	}
	if percent == 100 {
		closed, err := l.Close(ctx, positionID, exitProb)
		return closed, nil, err
	}

	pre, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, nil, err
	}

	unlock := l.locks.Lock(pre.UserID)
	defer unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, nil, err
	}
	if pos.Status != model.PositionOpen {
		return nil, nil, fmt.Errorf("%w: position %s is %s", errs.ErrInvalidState, pos.ID, pos.Status)
	}

	closeSize := pos.Size * percent / 100
	if closeSize <= 0 {
		return nil, nil, fmt.Errorf("%w: %d%% of size %d rounds to zero", errs.ErrValidation, percent, pos.Size)
	}
	remainSize := pos.Size - closeSize

	marginTotal, err := probmath.Margin(pos.Size, pos.Leverage)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	marginRemain, err := probmath.Margin(remainSize, pos.Leverage)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	released := marginTotal - marginRemain
	pnl := probmath.PnL(closeSize, pos.Side, pos.EntryProbability, exitProb)

	now := time.Now().UTC()
	closed := &model.Position{
		ID:                     uuid.New().String(),
		UserID:                 pos.UserID,
		MarketID:               pos.MarketID,
		Side:                   pos.Side,
		Size:                   closeSize,
		Leverage:               pos.Leverage,
		EntryProbability:       pos.EntryProbability,
		LiquidationProbability: pos.LiquidationProbability,
		Status:                 model.PositionClosed,
		RealizedPnL:            &pnl,
		CreatedAt:              pos.CreatedAt,
		ClosedAt:               &now,
	}
	if err := l.store.InsertPosition(ctx, closed); err != nil {
		return nil, nil, err
	}

	pos.Size = remainSize
	if err := l.store.UpdatePosition(ctx, pos, pos.Version); err != nil {
		return nil, nil, err
	}

	credit := decimal.NewFromInt(released).Add(pnl)
	if credit.LessThan(decimal.Zero) {
		credit = decimal.Zero
	}
	if err := l.creditRealized(ctx, pos.UserID, credit, pnl); err != nil {
		return nil, nil, err
	}

	slog.Info("position partially closed",
		"position_id", pos.ID,
		"closed_slice", closed.ID,
		"user", pos.UserID,
		"percent", percent,
		"close_size", closeSize,
		"remain_size", remainSize,
		"pnl", pnl.String(),
	)
	return closed, pos, nil
}

// Adjust applies an operational cash correction and records it in the
// append-only audit log. Replaces per-incident fix scripts.
func (l *Ledger) Adjust(ctx context.Context, userID string, amount decimal.Decimal, reason, appliedBy string) (*model.BalanceAdjustment, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", errs.ErrValidation)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	adj := &model.BalanceAdjustment{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		AppliedBy: appliedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.InsertAdjustment(ctx, adj); err != nil {
		return nil, err
	}

	user.CashBalance = user.CashBalance.Add(amount)
	if err := l.store.UpdateUser(ctx, user, user.Version); err != nil {
		return nil, err
	}

	slog.Info("balance adjusted",
		"user", userID,
		"amount", amount.String(),
		"reason", reason,
		"applied_by", appliedBy,
	)
	return adj, nil
}

// creditRealized applies a settlement credit and rolls realized pnl into
// the weekly window and the cumulative profit milestone counter.
// Must be called with the user's lock held.
func (l *Ledger) creditRealized(ctx context.Context, userID string, credit, pnl decimal.Decimal) error {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.CashBalance = user.CashBalance.Add(credit)
	user.WeeklyPnL = user.WeeklyPnL.Add(pnl)
	if pnl.IsPositive() {
		user.CumulativeProfit = user.CumulativeProfit.Add(pnl)
	}
	return l.store.UpdateUser(ctx, user, user.Version)
}
