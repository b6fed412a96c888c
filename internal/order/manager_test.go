package order

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/ledger"
	"github.com/stlr/margin-engine/internal/locks"
	"github.com/stlr/margin-engine/internal/margin"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

type fixture struct {
	mgr   *Manager
	store *store.MemoryStore
	feed  *feed.MemoryFeed
	now   time.Time
}

// newFixture wires a manager over in-memory dependencies with a frozen,
// manually advanced clock.
func newFixture(t *testing.T, depthBaseSize int64) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	f := feed.NewMemoryFeed(d(1), 10, depthBaseSize, nil)
	l := ledger.New(ms, locks.NewPerUser())
	mon := margin.NewMonitor(ms, f, l, d(0.5), nil)

	fx := &fixture{
		mgr:   NewManager(ms, f, l, mon),
		store: ms,
		feed:  f,
		now:   time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	fx.mgr.now = func() time.Time { return fx.now }
	return fx
}

func (fx *fixture) advanceClock(dur time.Duration) {
	fx.now = fx.now.Add(dur)
}

func (fx *fixture) seedUser(t *testing.T, id string, cash float64) {
	t.Helper()
	require.NoError(t, fx.store.CreateUser(context.Background(), &model.User{
		ID:          id,
		CashBalance: d(cash),
		WeekStart:   time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	}))
}

func (fx *fixture) publish(t *testing.T, marketID string, prob float64) {
	t.Helper()
	require.NoError(t, fx.feed.Publish(marketID, d(prob)))
}

func (fx *fixture) seedPosition(t *testing.T, userID, marketID string, size, leverage int64, entry float64) {
	t.Helper()
	require.NoError(t, fx.store.InsertPosition(context.Background(), &model.Position{
		ID:               uuid.New().String(),
		UserID:           userID,
		MarketID:         marketID,
		Side:             model.SideYes,
		Size:             size,
		Leverage:         leverage,
		EntryProbability: d(entry),
		Status:           model.PositionOpen,
		CreatedAt:        fx.now,
	}))
}

func (fx *fixture) getOrder(t *testing.T, id string) *model.Order {
	t.Helper()
	ord, err := fx.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return ord
}

// --- PlaceOrder ---

func TestPlaceOrder_MarketFillsImmediately(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 1000,
		Leverage:  5,
	})
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, ord.Status)
	require.Equal(t, int64(1000), ord.FilledSize)

	u, err := fx.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, u.CashBalance.Equal(d(800)), "cash=%s", u.CashBalance)

	positions, err := fx.store.ListOpenPositionsByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].EntryProbability.Equal(d(40)))
}

func TestPlaceOrder_Validation(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)
	past := fx.now.Add(-time.Minute)

	base := PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 100,
		Leverage:  1,
	}

	tests := []struct {
		name    string
		mutate  func(r *PlaceOrderRequest)
		wantErr error
	}{
		{"unknown user", func(r *PlaceOrderRequest) { r.UserID = "ghost" }, errs.ErrNotFound},
		{"unknown market", func(r *PlaceOrderRequest) { r.MarketID = "no-such-market" }, errs.ErrNotFound},
		{"bad type", func(r *PlaceOrderRequest) { r.Type = "stop" }, errs.ErrValidation},
		{"bad side", func(r *PlaceOrderRequest) { r.Side = "MAYBE" }, errs.ErrValidation},
		{"zero size", func(r *PlaceOrderRequest) { r.TotalSize = 0 }, errs.ErrValidation},
		{"zero leverage", func(r *PlaceOrderRequest) { r.Leverage = 0 }, errs.ErrValidation},
		{"past expiry", func(r *PlaceOrderRequest) { r.ExpiresAt = &past }, errs.ErrValidation},
		{"limit without price", func(r *PlaceOrderRequest) { r.Type = model.OrderLimit }, errs.ErrValidation},
		{"limit price out of range", func(r *PlaceOrderRequest) {
			r.Type = model.OrderLimit
			r.LimitPrice = dp(101)
		}, errs.ErrValidation},
		{"iceberg without visible size", func(r *PlaceOrderRequest) {
			r.Type = model.OrderIceberg
			r.LimitPrice = dp(45)
		}, errs.ErrValidation},
		{"iceberg visible above total", func(r *PlaceOrderRequest) {
			r.Type = model.OrderIceberg
			r.LimitPrice = dp(45)
			r.VisibleSize = 101
		}, errs.ErrValidation},
		{"twap without schedule", func(r *PlaceOrderRequest) { r.Type = model.OrderTWAP }, errs.ErrValidation},
		{"twap interval exceeds duration", func(r *PlaceOrderRequest) {
			r.Type = model.OrderTWAP
			r.TwapDurationMs = 1000
			r.TwapIntervalMs = 2000
		}, errs.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := fx.mgr.PlaceOrder(context.Background(), req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestPlaceOrder_InsufficientFreeMargin(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 100)
	fx.publish(t, "btc-above-100k", 40)

	// 1000 at 5x needs margin 200, free margin is only 100.
	_, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 1000,
		Leverage:  5,
	})
	require.ErrorIs(t, err, errs.ErrInsufficientMargin)

	orders, err := fx.store.ListWorkingOrders(context.Background())
	require.NoError(t, err)
	require.Empty(t, orders, "rejected order must not be persisted")
}

func TestPlaceOrder_RejectedBelowLiquidationFloor(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 0)
	fx.publish(t, "btc-above-100k", 25)
	// Entry 40, price 25: equity 50 against maintenance 100, ratio 0.5.
	fx.seedPosition(t, "u1", "btc-above-100k", 1000, 5, 40)

	_, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 10,
		Leverage:  1,
	})
	require.ErrorIs(t, err, errs.ErrInsufficientMargin)
}

// --- Cancel ---

func TestCancel(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  500,
		Leverage:   2,
		LimitPrice: dp(30), // resting: price 40 has not crossed
	})
	require.NoError(t, err)
	require.Equal(t, model.OrderActive, ord.Status)

	cancelled, err := fx.mgr.Cancel(context.Background(), ord.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderCancelled, cancelled.Status)

	// A terminal order cannot be cancelled again.
	_, err = fx.mgr.Cancel(context.Background(), ord.ID)
	require.ErrorIs(t, err, errs.ErrInvalidState)
}

// --- limit and iceberg fills ---

func TestSweepFills_LimitFillsWhenCrossed(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  1000,
		Leverage:   5,
		LimitPrice: dp(45), // price 40 <= 45: crossed for a YES buyer
	})
	require.NoError(t, err)

	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderFilled, got.Status)
	require.Equal(t, int64(1000), got.FilledSize)

	positions, err := fx.store.ListOpenPositionsByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].EntryProbability.Equal(d(40)), "fills execute at the feed price")
}

func TestSweepFills_LimitNotCrossedStaysActive(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  500,
		Leverage:   2,
		LimitPrice: dp(35),
	})
	require.NoError(t, err)

	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderActive, got.Status)
	require.Zero(t, got.FilledSize)
}

func TestSweepFills_BoundedByDepth(t *testing.T) {
	// Thin book: base size 10 gives ask buckets 41→15, 42→5.
	fx := newFixture(t, 10)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  100,
		Leverage:   1,
		LimitPrice: dp(41),
	})
	require.NoError(t, err)

	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderPartial, got.Status)
	require.Equal(t, int64(15), got.FilledSize)
}

func TestSweepFills_NoSideFillsAgainstBids(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	// A NO buyer wants probability at or above the limit: 40 >= 35.
	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideNo,
		TotalSize:  500,
		Leverage:   2,
		LimitPrice: dp(35),
	})
	require.NoError(t, err)

	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderFilled, got.Status)
}

func TestSweepFills_IcebergExposesVisibleSlice(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:      "u1",
		MarketID:    "btc-above-100k",
		Type:        model.OrderIceberg,
		Side:        model.SideYes,
		TotalSize:   1000,
		Leverage:    5,
		VisibleSize: 100,
		LimitPrice:  dp(45),
	})
	require.NoError(t, err)

	// Each sweep fills at most the visible slice despite deep liquidity.
	fx.mgr.SweepFills(context.Background())
	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderPartial, got.Status)
	require.Equal(t, int64(100), got.FilledSize)

	fx.mgr.SweepFills(context.Background())
	got = fx.getOrder(t, ord.ID)
	require.Equal(t, int64(200), got.FilledSize)
}

// --- TWAP ---

func TestSweepFills_TwapSlicesOnSchedule(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 2000)
	fx.publish(t, "btc-above-100k", 40)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:         "u1",
		MarketID:       "btc-above-100k",
		Type:           model.OrderTWAP,
		Side:           model.SideYes,
		TotalSize:      900,
		Leverage:       1,
		TwapDurationMs: 3000,
		TwapIntervalMs: 1000,
	})
	require.NoError(t, err)

	// Before the first tick is due nothing happens.
	fx.advanceClock(500 * time.Millisecond)
	fx.mgr.SweepFills(context.Background())
	require.Zero(t, fx.getOrder(t, ord.ID).FilledSize)

	fx.advanceClock(500 * time.Millisecond)
	fx.mgr.SweepFills(context.Background())
	require.Equal(t, int64(300), fx.getOrder(t, ord.ID).FilledSize)

	// The tick gate advances: an immediate re-sweep fires nothing.
	fx.mgr.SweepFills(context.Background())
	require.Equal(t, int64(300), fx.getOrder(t, ord.ID).FilledSize)

	fx.advanceClock(time.Second)
	fx.mgr.SweepFills(context.Background())
	require.Equal(t, int64(600), fx.getOrder(t, ord.ID).FilledSize)

	fx.advanceClock(time.Second)
	fx.mgr.SweepFills(context.Background())
	got := fx.getOrder(t, ord.ID)
	require.Equal(t, int64(900), got.FilledSize)
	require.Equal(t, model.OrderFilled, got.Status)
}

func TestSweepFills_TwapFinalTickAbsorbsRemainder(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 2000)
	fx.publish(t, "btc-above-100k", 40)

	// 1000 over 3 ticks: 333 + 333 + 334.
	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:         "u1",
		MarketID:       "btc-above-100k",
		Type:           model.OrderTWAP,
		Side:           model.SideYes,
		TotalSize:      1000,
		Leverage:       1,
		TwapDurationMs: 3000,
		TwapIntervalMs: 1000,
	})
	require.NoError(t, err)

	for _, want := range []int64{333, 666, 1000} {
		fx.advanceClock(time.Second)
		fx.mgr.SweepFills(context.Background())
		require.Equal(t, want, fx.getOrder(t, ord.ID).FilledSize)
	}
	require.Equal(t, model.OrderFilled, fx.getOrder(t, ord.ID).Status)
}

// --- expiry ---

func TestSweepFills_ExpiresUnfilledOrder(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)
	expiry := fx.now.Add(time.Minute)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  500,
		Leverage:   2,
		LimitPrice: dp(35),
		ExpiresAt:  &expiry,
	})
	require.NoError(t, err)

	fx.advanceClock(2 * time.Minute)
	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderExpired, got.Status)
	require.Zero(t, got.FilledSize)
}

func TestSweepFills_FillsThenExpiresInSamePass(t *testing.T) {
	// Thin book bounds the fill so the remainder expires in the same tick.
	fx := newFixture(t, 10)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)
	expiry := fx.now.Add(time.Minute)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  100,
		Leverage:   1,
		LimitPrice: dp(41),
		ExpiresAt:  &expiry,
	})
	require.NoError(t, err)

	fx.advanceClock(2 * time.Minute)
	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderExpired, got.Status)
	require.Equal(t, int64(15), got.FilledSize, "the committed slice lands before the remainder expires")
}

func TestSweepFills_SkipsUsersBelowLiquidationFloor(t *testing.T) {
	fx := newFixture(t, 5000)
	fx.seedUser(t, "u1", 1000)
	fx.publish(t, "btc-above-100k", 40)
	fx.publish(t, "eth-above-10k", 50)

	ord, err := fx.mgr.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "eth-above-10k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  100,
		Leverage:   1,
		LimitPrice: dp(55),
	})
	require.NoError(t, err)

	// The user then falls below the floor on another market.
	fx.seedPosition(t, "u1", "btc-above-100k", 10000, 10, 40)
	fx.publish(t, "btc-above-100k", 20)

	fx.mgr.SweepFills(context.Background())

	got := fx.getOrder(t, ord.ID)
	require.Equal(t, model.OrderActive, got.Status)
	require.Zero(t, got.FilledSize, "no new fills while liquidation is required")
}
