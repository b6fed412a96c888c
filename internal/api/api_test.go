package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stlr/margin-engine/internal/api"
	"github.com/stlr/margin-engine/internal/combo"
	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/ledger"
	"github.com/stlr/margin-engine/internal/locks"
	"github.com/stlr/margin-engine/internal/margin"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/order"
	"github.com/stlr/margin-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	router chi.Router
	store  *store.MemoryStore
	feed   *feed.MemoryFeed
}

// newEnv wires the full engine over in-memory dependencies and mounts the
// routes under /api/v1, mirroring the production router.
func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	f := feed.NewMemoryFeed(d(1), 10, 5000, nil)
	lk := locks.NewPerUser()
	l := ledger.New(ms, lk)
	mon := margin.NewMonitor(ms, f, l, d(0.5), nil)
	om := order.NewManager(ms, f, l, mon)
	cs := combo.NewScheduler(ms, f, lk)
	srv := api.NewServer(ms, f, l, om, mon, cs, f, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", srv.Mount)
	return &env{router: r, store: ms, feed: f}
}

func (e *env) seedUser(t *testing.T, id string, cash float64) {
	t.Helper()
	require.NoError(t, e.store.CreateUser(context.Background(), &model.User{
		ID:          id,
		CashBalance: d(cash),
		WeekStart:   time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	}))
}

func (e *env) publish(t *testing.T, marketID string, prob float64) {
	t.Helper()
	require.NoError(t, e.feed.Publish(marketID, d(prob)))
}

// do executes a request against the router and decodes the JSON response.
func (e *env) do(t *testing.T, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var fields map[string]json.RawMessage
	if b := bytes.TrimSpace(w.Body.Bytes()); len(b) > 0 && b[0] == '{' {
		require.NoError(t, json.Unmarshal(b, &fields), "body: %s", w.Body.String())
	}
	return w.Code, fields
}

func str(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(fields[key], &s), "field %q", key)
	return s
}

// placeMarketOrder opens a position through the HTTP surface and returns
// the resulting position id.
func (e *env) placeMarketOrder(t *testing.T, userID, marketID string, size, leverage int64) string {
	t.Helper()
	code, _ := e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:    userID,
		MarketID:  marketID,
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: size,
		Leverage:  leverage,
	})
	require.Equal(t, http.StatusCreated, code)

	positions, err := e.store.ListOpenPositionsByUser(context.Background(), userID)
	require.NoError(t, err)
	require.NotEmpty(t, positions)
	return positions[len(positions)-1].ID
}

// --- orders ---

func TestPlaceOrder_Market(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 40)

	code, fields := e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 1000,
		Leverage:  5,
	})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "filled", str(t, fields, "status"))

	u, err := e.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, u.CashBalance.Equal(d(800)), "cash=%s", u.CashBalance)
}

func TestPlaceOrder_ValidationAndMapping(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 100)
	e.publish(t, "btc-above-100k", 40)

	// Malformed body.
	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Validation failure: zero size.
	code, _ := e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:   "u1",
		MarketID: "btc-above-100k",
		Type:     model.OrderMarket,
		Side:     model.SideYes,
		Leverage: 1,
	})
	require.Equal(t, http.StatusBadRequest, code)

	// Unknown market maps to 404.
	code, _ = e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "no-such",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 10,
		Leverage:  1,
	})
	require.Equal(t, http.StatusNotFound, code)

	// Margin shortfall maps to 422.
	code, _ = e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 1000,
		Leverage:  5,
	})
	require.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 40)
	limit := d(30)

	code, fields := e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:     "u1",
		MarketID:   "btc-above-100k",
		Type:       model.OrderLimit,
		Side:       model.SideYes,
		TotalSize:  500,
		Leverage:   2,
		LimitPrice: &limit,
	})
	require.Equal(t, http.StatusCreated, code)
	orderID := str(t, fields, "id")

	code, fields = e.do(t, "DELETE", "/api/v1/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", str(t, fields, "status"))

	// Cancelling a terminal order maps to 409.
	code, _ = e.do(t, "DELETE", "/api/v1/orders/"+orderID, nil)
	require.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, "DELETE", "/api/v1/orders/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestGetOrder_IncludesExecutions(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 40)

	code, fields := e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:    "u1",
		MarketID:  "btc-above-100k",
		Type:      model.OrderMarket,
		Side:      model.SideYes,
		TotalSize: 100,
		Leverage:  1,
	})
	require.Equal(t, http.StatusCreated, code)
	orderID := str(t, fields, "id")

	code, fields = e.do(t, "GET", "/api/v1/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, code)

	var execs []model.OrderExecution
	require.NoError(t, json.Unmarshal(fields["executions"], &execs))
	require.Len(t, execs, 1)
	require.Equal(t, int64(100), execs[0].Size)
}

// --- positions ---

func TestClosePosition(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 40)
	posID := e.placeMarketOrder(t, "u1", "btc-above-100k", 1000, 5)

	e.publish(t, "btc-above-100k", 50)
	code, fields := e.do(t, "POST", "/api/v1/positions/"+posID+"/close", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "closed", str(t, fields, "status"))

	// margin 200 back plus pnl 1000*(50-40)/100 = 100.
	u, err := e.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, u.CashBalance.Equal(d(1100)), "cash=%s", u.CashBalance)

	// A second close maps to 409.
	code, _ = e.do(t, "POST", "/api/v1/positions/"+posID+"/close", nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestPartialClosePosition(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 40)
	posID := e.placeMarketOrder(t, "u1", "btc-above-100k", 1000, 5)

	code, fields := e.do(t, "POST", "/api/v1/positions/"+posID+"/partial-close",
		api.PartialCloseRequest{Percent: 25})
	require.Equal(t, http.StatusOK, code)

	var remainder model.Position
	require.NoError(t, json.Unmarshal(fields["remainder"], &remainder))
	require.Equal(t, int64(750), remainder.Size)

	code, _ = e.do(t, "POST", "/api/v1/positions/"+posID+"/partial-close",
		api.PartialCloseRequest{Percent: 0})
	require.Equal(t, http.StatusBadRequest, code)
}

// --- margin ---

func TestGetMargin(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 40)
	e.placeMarketOrder(t, "u1", "btc-above-100k", 1000, 5)

	code, fields := e.do(t, "GET", "/api/v1/margin/u1", nil)
	require.Equal(t, http.StatusOK, code)

	var used decimal.Decimal
	require.NoError(t, json.Unmarshal(fields["used_margin"], &used))
	require.True(t, used.Equal(d(200)), "used=%s", used)

	code, _ = e.do(t, "GET", "/api/v1/margin/nobody", nil)
	require.Equal(t, http.StatusNotFound, code)
}

// --- combos ---

func TestComboLifecycle(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 60)
	e.publish(t, "eth-above-10k", 70)

	code, fields := e.do(t, "POST", "/api/v1/combos", api.OpenComboRequest{
		UserID: "u1",
		Legs: []model.ComboLeg{
			{MarketID: "btc-above-100k", Side: model.SideYes},
			{MarketID: "eth-above-10k", Side: model.SideNo},
		},
		Side:     model.SideYes,
		Stake:    d(100),
		Leverage: 5,
		LockDate: time.Now().UTC().AddDate(0, 0, 7),
	})
	require.Equal(t, http.StatusCreated, code)

	var entry decimal.Decimal
	require.NoError(t, json.Unmarshal(fields["entry_probability"], &entry))
	require.True(t, entry.Equal(d(0.18)), "entry=%s", entry)
	cpID := str(t, fields, "id")

	// Closing before the lock date cancels and refunds.
	code, fields = e.do(t, "POST", "/api/v1/combos/"+cpID+"/close", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", str(t, fields, "status"))

	u, err := e.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, u.CashBalance.Equal(d(1000)))
}

func TestOpenCombo_Validation(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.publish(t, "btc-above-100k", 60)

	code, _ := e.do(t, "POST", "/api/v1/combos", api.OpenComboRequest{
		UserID:   "u1",
		Legs:     []model.ComboLeg{{MarketID: "btc-above-100k", Side: model.SideYes}},
		Side:     model.SideYes,
		Stake:    d(100),
		Leverage: 1,
		LockDate: time.Now().UTC().AddDate(0, 0, 7),
	})
	require.Equal(t, http.StatusBadRequest, code, "a single leg is not a combo")
}

// --- depth and adjustments ---

func TestGetDepth(t *testing.T) {
	e := newEnv(t)
	e.publish(t, "btc-above-100k", 40)

	code, fields := e.do(t, "GET", "/api/v1/markets/btc-above-100k/depth", nil)
	require.Equal(t, http.StatusOK, code)

	var bids, asks []feed.Level
	require.NoError(t, json.Unmarshal(fields["bids"], &bids))
	require.NoError(t, json.Unmarshal(fields["asks"], &asks))
	require.NotEmpty(t, bids)
	require.NotEmpty(t, asks)
	require.True(t, bids[0].Price.LessThan(asks[0].Price), "book must not cross")

	code, _ = e.do(t, "GET", "/api/v1/markets/no-such/depth", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestPublishTick(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, "POST", "/api/v1/markets/btc-above-100k/tick",
		api.TickRequest{Probability: d(42)})
	require.Equal(t, http.StatusNoContent, code)

	prob, err := e.feed.CurrentProbability(context.Background(), "btc-above-100k")
	require.NoError(t, err)
	require.True(t, prob.Equal(d(42)))

	// Probabilities outside [0,100] are rejected.
	code, _ = e.do(t, "POST", "/api/v1/markets/btc-above-100k/tick",
		api.TickRequest{Probability: d(101)})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdjustments(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)

	code, _ := e.do(t, "POST", "/api/v1/adjustments", api.AdjustRequest{
		UserID:    "u1",
		Amount:    d(-50),
		Reason:    "duplicate deposit reversal",
		AppliedBy: "ops",
	})
	require.Equal(t, http.StatusCreated, code)

	u, err := e.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, u.CashBalance.Equal(d(950)))

	req := httptest.NewRequest("GET", "/api/v1/adjustments/u1", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var adjs []model.BalanceAdjustment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &adjs))
	require.Len(t, adjs, 1)
	require.Equal(t, "duplicate deposit reversal", adjs[0].Reason)

	// A missing reason is rejected before any mutation.
	code, _ = e.do(t, "POST", "/api/v1/adjustments", api.AdjustRequest{
		UserID: "u1",
		Amount: d(10),
	})
	require.Equal(t, http.StatusBadRequest, code)
}
