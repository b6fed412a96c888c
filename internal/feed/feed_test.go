package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestFeed() *MemoryFeed {
	return NewMemoryFeed(decimal.NewFromInt(1), 5, 1000, nil)
}

func TestCurrentProbability_UnknownMarket(t *testing.T) {
	f := newTestFeed()
	_, err := f.CurrentProbability(context.Background(), "nope")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPublish_RejectsOutOfRange(t *testing.T) {
	f := newTestFeed()
	if err := f.Publish("m1", d(-1)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected ErrValidation for -1, got %v", err)
	}
	if err := f.Publish("m1", d(100.5)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected ErrValidation for 100.5, got %v", err)
	}
	if err := f.Publish("m1", d(42)); err != nil {
		t.Errorf("unexpected error for valid tick: %v", err)
	}
}

func TestDepth_BucketingAndOrdering(t *testing.T) {
	f := newTestFeed()
	if err := f.Publish("m1", d(50)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	depth, err := f.Depth(context.Background(), "m1")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		t.Fatal("expected non-empty bids and asks")
	}

	// Bids sorted descending, best below mid; asks ascending, best above.
	for i := 1; i < len(depth.Bids); i++ {
		if depth.Bids[i].Price.GreaterThanOrEqual(depth.Bids[i-1].Price) {
			t.Errorf("bids not descending at %d: %s >= %s", i, depth.Bids[i].Price, depth.Bids[i-1].Price)
		}
	}
	for i := 1; i < len(depth.Asks); i++ {
		if depth.Asks[i].Price.LessThanOrEqual(depth.Asks[i-1].Price) {
			t.Errorf("asks not ascending at %d", i)
		}
	}
	if depth.Bids[0].Price.GreaterThanOrEqual(d(50)) {
		t.Errorf("best bid %s should be below mid", depth.Bids[0].Price)
	}
	if depth.Asks[0].Price.LessThanOrEqual(d(50)) {
		t.Errorf("best ask %s should be above mid", depth.Asks[0].Price)
	}

	// Bucket prices land on the precision grid.
	for _, lvl := range append(depth.Bids, depth.Asks...) {
		if !lvl.Price.Mod(decimal.NewFromInt(1)).IsZero() {
			t.Errorf("price %s not on precision grid", lvl.Price)
		}
		if lvl.Size <= 0 {
			t.Errorf("bucket at %s has non-positive size", lvl.Price)
		}
	}
}

func TestDepth_ClampsNearBounds(t *testing.T) {
	f := newTestFeed()
	if err := f.Publish("m1", d(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	depth, err := f.Depth(context.Background(), "m1")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	for _, b := range depth.Bids {
		if b.Price.LessThanOrEqual(decimal.Zero) {
			t.Errorf("bid %s at or below zero", b.Price)
		}
	}
}

func TestComboImpliedProbability(t *testing.T) {
	f := newTestFeed()
	f.Publish("m1", d(60))
	f.Publish("m2", d(70))
	if err := f.RegisterCombo("c1", []model.ComboLeg{
		{MarketID: "m1", Side: model.SideYes},
		{MarketID: "m2", Side: model.SideNo},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	implied, err := f.ComboImpliedProbability(context.Background(), "c1")
	if err != nil {
		t.Fatalf("implied: %v", err)
	}
	if !implied.Equal(d(0.18)) {
		t.Errorf("expected 0.18, got %s", implied)
	}
}

func TestComboImpliedProbability_MissingLegTick(t *testing.T) {
	f := newTestFeed()
	f.Publish("m1", d(60))
	f.RegisterCombo("c1", []model.ComboLeg{
		{MarketID: "m1", Side: model.SideYes},
		{MarketID: "m-missing", Side: model.SideYes},
	})

	_, err := f.ComboImpliedProbability(context.Background(), "c1")
	if !errors.Is(err, errs.ErrUpstream) {
		t.Errorf("expected ErrUpstream for missing leg tick, got %v", err)
	}
}
