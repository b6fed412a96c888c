// Package model defines the core domain types shared across the margin engine.
// All probabilities and monetary values use shopspring/decimal — never float64
// for money. Sizes are leveraged notional amounts held as int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a bet on a binary event.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// PositionStatus is the lifecycle state of a Position. A position is
// immutable once its status is no longer open.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// OrderType distinguishes the four supported order styles.
type OrderType string

const (
	OrderMarket  OrderType = "market"
	OrderLimit   OrderType = "limit"
	OrderIceberg OrderType = "iceberg"
	OrderTWAP    OrderType = "twap"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderIceberg, OrderTWAP:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an Order. Transitions are monotonic:
// no order returns to active from filled, cancelled, or expired.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transitions are legal from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// ComboStatus is the lifecycle state of a ComboPosition.
type ComboStatus string

const (
	ComboOpen      ComboStatus = "open"
	ComboSettled   ComboStatus = "settled"
	ComboCancelled ComboStatus = "cancelled"
)

// Position is an open or closed leveraged bet on one market's probability.
// Size is the already-leveraged notional; margin = ceil(size/leverage).
// A partial close splits a position into a closed slice plus a shrunk open
// remainder whose sizes sum to the original at the instant of the split.
type Position struct {
	ID                     string           `json:"id"`
	UserID                 string           `json:"user_id"`
	MarketID               string           `json:"market_id"`
	Side                   Side             `json:"side"`
	Size                   int64            `json:"size"`
	Leverage               int64            `json:"leverage"`
	EntryProbability       decimal.Decimal  `json:"entry_probability"`       // 0–100
	LiquidationProbability decimal.Decimal  `json:"liquidation_probability"` // 0–100, derived at open
	Status                 PositionStatus   `json:"status"`
	RealizedPnL            *decimal.Decimal `json:"realized_pnl,omitempty"` // nil until closed
	Version                int64            `json:"version"`
	CreatedAt              time.Time        `json:"created_at"`
	ClosedAt               *time.Time       `json:"closed_at,omitempty"`
}

// Order is a standing instruction to acquire a position.
// Invariant: FilledSize + RemainingSize() == TotalSize at all times.
type Order struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	MarketID    string           `json:"market_id"`
	Type        OrderType        `json:"order_type"`
	Side        Side             `json:"side"`
	TotalSize   int64            `json:"total_size"`
	FilledSize  int64            `json:"filled_size"`
	VisibleSize int64            `json:"visible_size,omitempty"` // iceberg only, ≤ remaining
	Leverage    int64            `json:"leverage"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"` // limit/iceberg only

	// TWAP scheduling. NextExecuteAt gates each tick.
	TwapDurationMs    int64      `json:"twap_duration_ms,omitempty"`
	TwapIntervalMs    int64      `json:"twap_interval_ms,omitempty"`
	TwapNextExecuteAt *time.Time `json:"twap_next_execute_at,omitempty"`

	Status    OrderStatus `json:"status"`
	Version   int64       `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// RemainingSize is the unfilled portion of the order.
func (o *Order) RemainingSize() int64 { return o.TotalSize - o.FilledSize }

// OrderExecution is an immutable fill record linking an order to the
// position it created. Append-only; never mutated or deleted.
type OrderExecution struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	PositionID string          `json:"position_id"`
	Price      decimal.Decimal `json:"execution_price"` // 0–100
	Size       int64           `json:"execution_size"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ComboLeg identifies one market contributing to a parlay's joint
// probability. The leg's live price comes from the feed, not from here.
type ComboLeg struct {
	MarketID string `json:"market_id"`
	Side     Side   `json:"side"`
}

// ComboPosition is a time-locked leveraged bet on the joint probability of
// a set of legs. No liquidation path exists; loss is bounded by the stake.
// ExitProbability and PnL stay nil until lockDate has passed. Legs are
// persisted with the row so open combos can still price after a restart.
type ComboPosition struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	ComboID          string           `json:"combo_id"`
	Legs             []ComboLeg       `json:"legs"`
	Side             Side             `json:"side"`
	Stake            decimal.Decimal  `json:"stake"`
	Leverage         int64            `json:"leverage"`
	EntryProbability decimal.Decimal  `json:"entry_probability"` // 0–1 scale
	ExitProbability  *decimal.Decimal `json:"exit_probability,omitempty"`
	LockDate         time.Time        `json:"lock_date"` // 00:00 UTC of the chosen day
	PnL              *decimal.Decimal `json:"pnl,omitempty"`
	Status           ComboStatus      `json:"status"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
}

// User is the engine-relevant subset of an account: a mutable cash balance,
// the reward point total, and the weekly realized-PnL window anchored to a
// rolling Monday boundary.
type User struct {
	ID                string          `json:"id"`
	CashBalance       decimal.Decimal `json:"cash_balance"`
	RewardPoints      int64           `json:"reward_points"`
	MilestonesAwarded int64           `json:"milestones_awarded"`
	CumulativeProfit  decimal.Decimal `json:"cumulative_profit"` // realized, all-time
	WeeklyPnL         decimal.Decimal `json:"weekly_pnl"`
	WeekStart         time.Time       `json:"week_start"` // Monday 00:00 UTC
	Version           int64           `json:"version"`
}

// BalanceAdjustment is an append-only audit record of an operational cash
// correction. Replaces ad-hoc balance fix scripts with a durable trail.
type BalanceAdjustment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"` // signed
	Reason    string          `json:"reason"`
	AppliedBy string          `json:"applied_by"`
	CreatedAt time.Time       `json:"created_at"`
}
