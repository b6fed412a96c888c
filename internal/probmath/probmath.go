// Package probmath implements the pure probability and margin math for
// leveraged binary-event positions: PnL, margin, liquidation thresholds,
// and parlay implied probability. Stateless, no I/O.
//
// All probabilities use shopspring/decimal on a 0–100 scale except where
// noted — never float64 for money.
package probmath

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/model"
)

var (
	// ErrInvalidLeverage is returned when leverage < 1.
	ErrInvalidLeverage = errors.New("probmath: leverage must be >= 1")

	// ErrInvalidSize is returned when size <= 0.
	ErrInvalidSize = errors.New("probmath: size must be positive")

	// MaxMultiplier caps the parlay payout multiplier. Implied
	// probabilities at or below 1/MaxMultiplier resolve to exactly this
	// value instead of overflowing toward infinity.
	MaxMultiplier = decimal.NewFromInt(999)
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// PnL computes profit or loss for a position slice.
//
// size is the ALREADY-LEVERAGED notional. Leverage must never be reapplied
// here — doing so silently multiplies PnL by the leverage factor again.
//
//	YES: size * (exit - entry) / 100
//	NO:  size * (entry - exit) / 100
func PnL(size int64, side model.Side, entry, exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == model.SideNo {
		diff = diff.Neg()
	}
	return decimal.NewFromInt(size).Mul(diff).Div(hundred)
}

// Margin returns the capital committed to a position: ceil(size / leverage).
// Strictly positive whenever size > 0.
func Margin(size, leverage int64) (int64, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if leverage < 1 {
		return 0, ErrInvalidLeverage
	}
	return (size + leverage - 1) / leverage, nil
}

// LiquidationProbability returns the market probability at which the
// position's margin is fully eroded, i.e. margin + pnl == 0.
// Clamped to [0, 100].
func LiquidationProbability(entry decimal.Decimal, size, leverage int64, side model.Side) (decimal.Decimal, error) {
	margin, err := Margin(size, leverage)
	if err != nil {
		return decimal.Zero, err
	}
	// pnl = size * (liq - entry)/100 = -margin  (YES; sign mirrored for NO)
	// liq = entry ∓ 100 * margin / size
	dist := decimal.NewFromInt(margin).Mul(hundred).Div(decimal.NewFromInt(size))
	var liq decimal.Decimal
	if side == model.SideYes {
		liq = entry.Sub(dist)
	} else {
		liq = entry.Add(dist)
	}
	return ClampProbability(liq), nil
}

// ClampProbability forces p into the valid [0, 100] range.
func ClampProbability(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

// LegQuote pairs a combo leg's side with its current market price (0–100).
type LegQuote struct {
	Side  model.Side
	Price decimal.Decimal
}

// ImpliedProbability returns the joint win probability of a parlay on the
// 0–1 scale: the product over legs of price/100 for YES legs and
// (100-price)/100 for NO legs. Assumes leg independence.
func ImpliedProbability(legs []LegQuote) decimal.Decimal {
	implied := one
	for _, leg := range legs {
		p := leg.Price
		if leg.Side == model.SideNo {
			p = hundred.Sub(leg.Price)
		}
		implied = implied.Mul(p.Div(hundred))
	}
	return implied
}

// Multiplier returns the parlay payout multiplier min(1/implied, 999).
// Implied probabilities <= 0 map to exactly MaxMultiplier — never Inf or NaN.
func Multiplier(implied decimal.Decimal) decimal.Decimal {
	if implied.LessThanOrEqual(decimal.Zero) {
		return MaxMultiplier
	}
	m := one.Div(implied)
	if m.GreaterThan(MaxMultiplier) {
		return MaxMultiplier
	}
	return m
}
