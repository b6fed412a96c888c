// Package order validates, stores, and advances orders (market, limit,
// iceberg, TWAP) against the price feed, emitting fills through the
// position ledger.
//
// Order state machine: pending → active → {partial → filled} | cancelled |
// expired. Transitions are monotonic — a terminal order never moves again.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/ledger"
	"github.com/stlr/margin-engine/internal/margin"
	"github.com/stlr/margin-engine/internal/metrics"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/probmath"
	"github.com/stlr/margin-engine/internal/store"
)

// Manager owns Order and OrderExecution rows and advances the per-order
// state machine. It hands off to the ledger only at fill time.
type Manager struct {
	store   store.Store
	feed    feed.Feed
	ledger  *ledger.Ledger
	monitor *margin.Monitor

	now func() time.Time
}

// NewManager creates an order lifecycle manager.
func NewManager(st store.Store, f feed.Feed, l *ledger.Ledger, mon *margin.Monitor) *Manager {
	return &Manager{
		store:   st,
		feed:    f,
		ledger:  l,
		monitor: mon,
		now:     time.Now,
	}
}

// PlaceOrderRequest carries the parameters of placeOrder. Optional fields
// apply per order type: LimitPrice to limit/iceberg, VisibleSize to
// iceberg, the Twap pair to twap.
type PlaceOrderRequest struct {
	UserID         string
	MarketID       string
	Type           model.OrderType
	Side           model.Side
	TotalSize      int64
	Leverage       int64
	LimitPrice     *decimal.Decimal
	VisibleSize    int64
	TwapDurationMs int64
	TwapIntervalMs int64
	ExpiresAt      *time.Time
}

// PlaceOrder validates and stores a new order. Market orders fill
// immediately and fully; the rest rest until the fill sweep advances them.
// An order whose margin requirement exceeds the user's free margin is
// rejected outright, never silently reduced.
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if err := m.validate(ctx, &req); err != nil {
		return nil, err
	}

	// Margin floor check at placement time. Users below the liquidation
	// floor accept no new order activity until margin is restored.
	required, err := probmath.Margin(req.TotalSize, req.Leverage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	mm, err := m.monitor.Compute(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if mm.LiquidationRequired {
		return nil, fmt.Errorf("%w: margin ratio %s below liquidation floor",
			errs.ErrInsufficientMargin, mm.MarginRatio)
	}
	if decimal.NewFromInt(required).GreaterThan(mm.FreeMargin) {
		return nil, fmt.Errorf("%w: order needs margin %d, free margin %s",
			errs.ErrInsufficientMargin, required, mm.FreeMargin)
	}

	now := m.now().UTC()
	ord := &model.Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		MarketID:       req.MarketID,
		Type:           req.Type,
		Side:           req.Side,
		TotalSize:      req.TotalSize,
		VisibleSize:    req.VisibleSize,
		Leverage:       req.Leverage,
		LimitPrice:     req.LimitPrice,
		TwapDurationMs: req.TwapDurationMs,
		TwapIntervalMs: req.TwapIntervalMs,
		Status:         model.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      req.ExpiresAt,
	}
	if req.Type == model.OrderTWAP {
		next := now.Add(time.Duration(req.TwapIntervalMs) * time.Millisecond)
		ord.TwapNextExecuteAt = &next
	}
	if err := m.store.InsertOrder(ctx, ord); err != nil {
		return nil, err
	}
	if err := m.transition(ctx, ord, model.OrderActive); err != nil {
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(req.Type)).Inc()
	slog.Info("order placed",
		"order_id", ord.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"type", req.Type,
		"side", req.Side,
		"size", req.TotalSize,
		"leverage", req.Leverage,
	)

	if req.Type == model.OrderMarket {
		prob, err := m.feed.CurrentProbability(ctx, req.MarketID)
		if err != nil {
			return nil, err
		}
		if _, _, err := m.ledger.ApplyFill(ctx, ord, prob, ord.RemainingSize(), nil); err != nil {
			// A market order that cannot fill has no reason to rest.
			if cErr := m.transition(ctx, ord, model.OrderCancelled); cErr != nil {
				slog.Error("failed to cancel unfillable market order", "order_id", ord.ID, "err", cErr)
			}
			return nil, err
		}
		metrics.FillsTotal.WithLabelValues(string(model.OrderMarket)).Inc()
	}
	return ord, nil
}

// Cancel moves an order to cancelled. Legal only from pending, active, or
// partial. Cancellation racing an in-flight fill applies only to the
// remaining unfilled size: the committed FilledSize stands.
func (m *Manager) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	ord, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot cancel order %s in status %s",
			errs.ErrInvalidState, orderID, ord.Status)
	}
	if err := m.transition(ctx, ord, model.OrderCancelled); err != nil {
		return nil, err
	}

	slog.Info("order cancelled",
		"order_id", ord.ID,
		"user", ord.UserID,
		"filled", ord.FilledSize,
		"cancelled_remainder", ord.RemainingSize(),
	)
	return ord, nil
}

// GetOrder returns an order with its executions.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (*model.Order, []model.OrderExecution, error) {
	ord, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	execs, err := m.store.ListExecutionsByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return ord, execs, nil
}

// SweepFills advances every working order one step: limit/iceberg orders
// fill when price crosses their limit, TWAP orders fire due ticks, and
// orders past expiresAt expire. An order that both qualifies for a fill
// and has expired in the same tick fills the committed slice first, then
// the remainder expires.
func (m *Manager) SweepFills(ctx context.Context) {
	orders, err := m.store.ListWorkingOrders(ctx)
	if err != nil {
		slog.Error("fill sweep: list orders failed", "err", err)
		return
	}
	for i := range orders {
		if err := m.advance(ctx, &orders[i]); err != nil && !errs.Retryable(err) {
			slog.Error("fill sweep: advance failed", "order_id", orders[i].ID, "err", err)
		}
	}
}

// Run executes the fill sweep on a fixed interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepFills(ctx)
		}
	}
}

// advance attempts a fill for one order, then applies expiry.
func (m *Manager) advance(ctx context.Context, ord *model.Order) error {
	now := m.now().UTC()

	var fillErr error
	switch ord.Type {
	case model.OrderLimit, model.OrderIceberg:
		fillErr = m.tryLimitFill(ctx, ord)
	case model.OrderTWAP:
		fillErr = m.tryTwapTick(ctx, ord, now)
	}

	// Expiry is checked after fills so a slice committed in this tick
	// still lands; only the remainder expires.
	if ord.ExpiresAt != nil && now.After(*ord.ExpiresAt) && !ord.Status.Terminal() {
		if err := m.transition(ctx, ord, model.OrderExpired); err != nil {
			return err
		}
		metrics.OrdersExpired.Inc()
		slog.Info("order expired",
			"order_id", ord.ID,
			"filled", ord.FilledSize,
			"expired_remainder", ord.RemainingSize(),
		)
	}
	return fillErr
}

// tryLimitFill fills a limit or iceberg order when the current probability
// has crossed its limit, bounded by available synthetic depth and, for
// icebergs, the visible slice.
func (m *Manager) tryLimitFill(ctx context.Context, ord *model.Order) error {
	prob, err := m.feed.CurrentProbability(ctx, ord.MarketID)
	if err != nil {
		return err
	}
	if !limitCrossed(ord, prob) {
		return nil
	}

	qty, err := m.fillableSize(ctx, ord)
	if err != nil {
		return err
	}
	if qty <= 0 {
		return nil
	}
	if blocked, err := m.marginBlocked(ctx, ord.UserID); err != nil || blocked {
		return err
	}

	if _, _, err := m.ledger.ApplyFill(ctx, ord, prob, qty, nil); err != nil {
		return err
	}
	metrics.FillsTotal.WithLabelValues(string(ord.Type)).Inc()
	return nil
}

// tryTwapTick executes one due TWAP slice. The final tick absorbs the
// rounding remainder so filled size reaches exactly the total on schedule
// completion.
func (m *Manager) tryTwapTick(ctx context.Context, ord *model.Order, now time.Time) error {
	if ord.TwapNextExecuteAt == nil || now.Before(*ord.TwapNextExecuteAt) {
		return nil
	}

	prob, err := m.feed.CurrentProbability(ctx, ord.MarketID)
	if err != nil {
		return err
	}
	if blocked, err := m.marginBlocked(ctx, ord.UserID); err != nil || blocked {
		return err
	}

	qty := twapSlice(ord, now)
	if qty <= 0 {
		return nil
	}
	next := ord.TwapNextExecuteAt.Add(time.Duration(ord.TwapIntervalMs) * time.Millisecond)

	if _, _, err := m.ledger.ApplyFill(ctx, ord, prob, qty, &next); err != nil {
		return err
	}
	metrics.FillsTotal.WithLabelValues(string(model.OrderTWAP)).Inc()
	return nil
}

// marginBlocked reports whether the user is below the liquidation floor.
// Such users get no new fills until margin is restored; in-flight work is
// simply skipped, not failed.
func (m *Manager) marginBlocked(ctx context.Context, userID string) (bool, error) {
	mm, err := m.monitor.Compute(ctx, userID)
	if err != nil {
		return false, err
	}
	return mm.LiquidationRequired, nil
}

// fillableSize bounds a limit/iceberg fill by synthetic depth at the
// qualifying buckets and by the iceberg's visible slice.
func (m *Manager) fillableSize(ctx context.Context, ord *model.Order) (int64, error) {
	depth, err := m.feed.Depth(ctx, ord.MarketID)
	if err != nil {
		return 0, err
	}

	var available int64
	if ord.Side == model.SideYes {
		// A YES buyer lifts asks priced at or below the limit.
		for _, lvl := range depth.Asks {
			if lvl.Price.LessThanOrEqual(*ord.LimitPrice) {
				available += lvl.Size
			}
		}
	} else {
		// A NO buyer hits bids priced at or above the limit.
		for _, lvl := range depth.Bids {
			if lvl.Price.GreaterThanOrEqual(*ord.LimitPrice) {
				available += lvl.Size
			}
		}
	}

	exposable := ord.RemainingSize()
	if ord.Type == model.OrderIceberg && ord.VisibleSize < exposable {
		exposable = ord.VisibleSize
	}
	if available < exposable {
		return available, nil
	}
	return exposable, nil
}

// limitCrossed reports whether the feed probability favors the order:
// YES buyers fill at or below their limit, NO buyers at or above.
func limitCrossed(ord *model.Order, prob decimal.Decimal) bool {
	if ord.LimitPrice == nil {
		return false
	}
	if ord.Side == model.SideYes {
		return prob.LessThanOrEqual(*ord.LimitPrice)
	}
	return prob.GreaterThanOrEqual(*ord.LimitPrice)
}

// twapSlice sizes one TWAP tick: totalSize split evenly across the
// schedule's ticks, with the final tick taking whatever remains.
func twapSlice(ord *model.Order, now time.Time) int64 {
	ticks := ord.TwapDurationMs / ord.TwapIntervalMs
	if ticks < 1 {
		ticks = 1
	}
	slice := ord.TotalSize / ticks
	if slice == 0 {
		slice = 1
	}

	remaining := ord.RemainingSize()
	end := ord.CreatedAt.Add(time.Duration(ord.TwapDurationMs) * time.Millisecond)
	lastTick := now.Add(time.Duration(ord.TwapIntervalMs) * time.Millisecond).After(end)
	if lastTick || remaining < slice {
		return remaining
	}
	return slice
}

// transition applies a status change, rejecting illegal moves and
// surfacing concurrent modifications as conflicts.
func (m *Manager) transition(ctx context.Context, ord *model.Order, to model.OrderStatus) error {
	if !legalTransition(ord.Status, to) {
		return fmt.Errorf("%w: order %s cannot move %s → %s",
			errs.ErrInvalidState, ord.ID, ord.Status, to)
	}
	ord.Status = to
	ord.UpdatedAt = m.now().UTC()
	return m.store.UpdateOrder(ctx, ord, ord.Version)
}

func legalTransition(from, to model.OrderStatus) bool {
	switch from {
	case model.OrderPending:
		return to == model.OrderActive || to == model.OrderCancelled || to == model.OrderExpired
	case model.OrderActive:
		return to == model.OrderPartial || to == model.OrderFilled ||
			to == model.OrderCancelled || to == model.OrderExpired
	case model.OrderPartial:
		return to == model.OrderFilled || to == model.OrderCancelled || to == model.OrderExpired
	}
	return false
}

// validate rejects malformed placement requests before any mutation.
func (m *Manager) validate(ctx context.Context, req *PlaceOrderRequest) error {
	if _, err := m.store.GetUser(ctx, req.UserID); err != nil {
		return err
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown order type %q", errs.ErrValidation, req.Type)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: side must be YES or NO", errs.ErrValidation)
	}
	if req.TotalSize <= 0 {
		return fmt.Errorf("%w: total size must be positive", errs.ErrValidation)
	}
	if req.Leverage < 1 {
		return fmt.Errorf("%w: leverage must be >= 1", errs.ErrValidation)
	}
	if _, err := m.feed.CurrentProbability(ctx, req.MarketID); err != nil {
		return err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(m.now().UTC()) {
		return fmt.Errorf("%w: expiresAt must be in the future", errs.ErrValidation)
	}

	switch req.Type {
	case model.OrderLimit, model.OrderIceberg:
		if req.LimitPrice == nil {
			return fmt.Errorf("%w: %s orders require a limit price", errs.ErrValidation, req.Type)
		}
		if req.LimitPrice.LessThan(decimal.Zero) || req.LimitPrice.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: limit price %s outside [0,100]", errs.ErrValidation, req.LimitPrice)
		}
		if req.Type == model.OrderIceberg {
			if req.VisibleSize <= 0 || req.VisibleSize > req.TotalSize {
				return fmt.Errorf("%w: visible size must be in (0, totalSize]", errs.ErrValidation)
			}
		}
	case model.OrderTWAP:
		if req.TwapDurationMs <= 0 || req.TwapIntervalMs <= 0 {
			return fmt.Errorf("%w: twap duration and interval must be positive", errs.ErrValidation)
		}
		if req.TwapIntervalMs > req.TwapDurationMs {
			return fmt.Errorf("%w: twap interval exceeds duration", errs.ErrValidation)
		}
	}
	return nil
}
