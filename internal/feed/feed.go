// Package feed exposes the market price feed to the engine: the latest
// probability per market and a synthetic depth view bucketed by a
// configurable precision. The feed is read-only for everything above it —
// it never originates price.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/probmath"
)

// Level is one price bucket of the synthetic book.
type Level struct {
	Price decimal.Decimal `json:"price"` // 0–100
	Size  int64           `json:"size"`
}

// Depth is the bucketed two-sided view for one market, best price first
// on each side.
type Depth struct {
	MarketID  string    `json:"market_id"`
	Bids      []Level   `json:"bids"` // sorted descending
	Asks      []Level   `json:"asks"` // sorted ascending
	Timestamp time.Time `json:"timestamp"`
}

// Feed is the engine's read-only view of market prices.
type Feed interface {
	// CurrentProbability returns the latest probability (0–100) for a
	// market. The only error paths are unknown market and no tick yet.
	CurrentProbability(ctx context.Context, marketID string) (decimal.Decimal, error)

	// Depth returns the synthetic depth view for a market.
	Depth(ctx context.Context, marketID string) (*Depth, error)

	// ComboImpliedProbability returns the joint implied probability
	// (0–1 scale) of a registered combo's legs at current prices.
	ComboImpliedProbability(ctx context.Context, comboID string) (decimal.Decimal, error)

	// RegisterCombo records the legs whose joint probability defines a
	// combo, replacing any previous registration under the same ID.
	RegisterCombo(comboID string, legs []model.ComboLeg) error
}

// Publisher is the write side of a feed: upstream price sources push ticks
// through it.
type Publisher interface {
	Publish(marketID string, prob decimal.Decimal) error
}

// MemoryFeed holds the latest tick per market in memory. Production feeds
// push ticks in via Publish; tests seed prices the same way.
type MemoryFeed struct {
	mu     sync.RWMutex
	probs  map[string]decimal.Decimal
	combos map[string][]model.ComboLeg

	precision decimal.Decimal
	levels    int
	baseSize  int64

	hub *Hub // optional, broadcasts ticks to websocket clients
}

// NewMemoryFeed creates a feed with the given depth synthesis parameters.
// Pass nil for hub if tick broadcasting is not needed.
func NewMemoryFeed(precision decimal.Decimal, levels int, baseSize int64, hub *Hub) *MemoryFeed {
	if levels < 1 {
		levels = 1
	}
	return &MemoryFeed{
		probs:     make(map[string]decimal.Decimal),
		combos:    make(map[string][]model.ComboLeg),
		precision: precision,
		levels:    levels,
		baseSize:  baseSize,
		hub:       hub,
	}
}

// Publish records a new probability tick for a market and broadcasts it.
func (f *MemoryFeed) Publish(marketID string, prob decimal.Decimal) error {
	if prob.LessThan(decimal.Zero) || prob.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: probability %s out of [0,100]", errs.ErrValidation, prob)
	}
	f.mu.Lock()
	f.probs[marketID] = prob
	f.mu.Unlock()

	if f.hub != nil {
		f.hub.Broadcast(Message{
			Type:        "tick",
			MarketID:    marketID,
			Probability: prob.String(),
		})
	}
	return nil
}

// RegisterCombo records the legs whose joint probability defines a combo.
func (f *MemoryFeed) RegisterCombo(comboID string, legs []model.ComboLeg) error {
	if len(legs) == 0 {
		return fmt.Errorf("%w: combo %s has no legs", errs.ErrValidation, comboID)
	}
	f.mu.Lock()
	f.combos[comboID] = append([]model.ComboLeg(nil), legs...)
	f.mu.Unlock()
	return nil
}

func (f *MemoryFeed) CurrentProbability(_ context.Context, marketID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.probs[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: market %s", errs.ErrNotFound, marketID)
	}
	return p, nil
}

// Depth synthesizes a two-sided book around the current probability.
// Raw levels are generated at half-precision offsets, then bucketed:
// bid prices round down, ask prices round up, sizes sum per bucket.
func (f *MemoryFeed) Depth(_ context.Context, marketID string) (*Depth, error) {
	f.mu.RLock()
	prob, ok := f.probs[marketID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: market %s", errs.ErrNotFound, marketID)
	}

	half := f.precision.Div(decimal.NewFromInt(2))
	bidBuckets := make(map[string]int64)
	askBuckets := make(map[string]int64)

	for k := 1; k <= f.levels*2; k++ {
		offset := half.Mul(decimal.NewFromInt(int64(k)))
		size := f.baseSize / int64(k)
		if size == 0 {
			size = 1
		}

		if bucket := floorTo(prob.Sub(offset), f.precision); bucket.GreaterThan(decimal.Zero) {
			bidBuckets[bucket.String()] += size
		}
		if bucket := ceilTo(prob.Add(offset), f.precision); bucket.LessThan(decimal.NewFromInt(100)) {
			askBuckets[bucket.String()] += size
		}
	}

	d := &Depth{
		MarketID:  marketID,
		Bids:      bucketsToLevels(bidBuckets),
		Asks:      bucketsToLevels(askBuckets),
		Timestamp: time.Now().UTC(),
	}
	// Best price first: highest bid, lowest ask.
	sort.Slice(d.Bids, func(i, j int) bool { return d.Bids[i].Price.GreaterThan(d.Bids[j].Price) })
	sort.Slice(d.Asks, func(i, j int) bool { return d.Asks[i].Price.LessThan(d.Asks[j].Price) })
	return d, nil
}

func (f *MemoryFeed) ComboImpliedProbability(_ context.Context, comboID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	legs, ok := f.combos[comboID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: combo %s", errs.ErrNotFound, comboID)
	}

	quotes := make([]probmath.LegQuote, 0, len(legs))
	for _, leg := range legs {
		p, ok := f.probs[leg.MarketID]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no tick for combo leg market %s", errs.ErrUpstream, leg.MarketID)
		}
		quotes = append(quotes, probmath.LegQuote{Side: leg.Side, Price: p})
	}
	return probmath.ImpliedProbability(quotes), nil
}

func floorTo(p, precision decimal.Decimal) decimal.Decimal {
	return p.Div(precision).Floor().Mul(precision)
}

func ceilTo(p, precision decimal.Decimal) decimal.Decimal {
	return p.Div(precision).Ceil().Mul(precision)
}

func bucketsToLevels(buckets map[string]int64) []Level {
	levels := make([]Level, 0, len(buckets))
	for key, size := range buckets {
		price, _ := decimal.NewFromString(key)
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels
}
