// Package api provides the HTTP handlers for the margin engine: order
// placement and cancellation, position closes, cross-margin queries, combo
// positions, depth views, and operational balance adjustments.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/combo"
	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/ledger"
	"github.com/stlr/margin-engine/internal/margin"
	"github.com/stlr/margin-engine/internal/model"
	"github.com/stlr/margin-engine/internal/order"
	"github.com/stlr/margin-engine/internal/store"
)

// Server bundles the handlers over the engine's components.
type Server struct {
	store   store.Store
	feed    feed.Feed
	ledger  *ledger.Ledger
	orders  *order.Manager
	monitor *margin.Monitor
	combos  *combo.Scheduler
	pub     feed.Publisher // optional, serves tick ingestion when set
	hub     *feed.Hub      // optional, serves /ws when set
}

// NewServer creates the HTTP handler set. Pass nil for pub to disable tick
// ingestion and nil for hub if the websocket endpoint is not needed.
func NewServer(st store.Store, f feed.Feed, l *ledger.Ledger, om *order.Manager, mon *margin.Monitor, cs *combo.Scheduler, pub feed.Publisher, hub *feed.Hub) *Server {
	return &Server{
		store:   st,
		feed:    f,
		ledger:  l,
		orders:  om,
		monitor: mon,
		combos:  cs,
		pub:     pub,
		hub:     hub,
	}
}

// Mount registers all engine routes on the given router, which is expected
// to be mounted under /api/v1.
func (s *Server) Mount(r chi.Router) {
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Post("/positions/{positionID}/close", s.ClosePosition)
	r.Post("/positions/{positionID}/partial-close", s.PartialClosePosition)

	r.Get("/margin/{userID}", s.GetMargin)

	r.Post("/combos", s.OpenCombo)
	r.Post("/combos/{comboPositionID}/close", s.CloseCombo)

	r.Get("/markets/{marketID}/depth", s.GetDepth)
	if s.pub != nil {
		r.Post("/markets/{marketID}/tick", s.PublishTick)
	}

	r.Post("/adjustments", s.AdjustBalance)
	r.Get("/adjustments/{userID}", s.ListAdjustments)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID         string           `json:"user_id"`
	MarketID       string           `json:"market_id"`
	Type           model.OrderType  `json:"order_type"`
	Side           model.Side       `json:"side"`
	TotalSize      int64            `json:"total_size"`
	Leverage       int64            `json:"leverage"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	VisibleSize    int64            `json:"visible_size,omitempty"`
	TwapDurationMs int64            `json:"twap_duration_ms,omitempty"`
	TwapIntervalMs int64            `json:"twap_interval_ms,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
}

// PartialCloseRequest is the JSON body for POST /positions/{id}/partial-close.
type PartialCloseRequest struct {
	Percent int64 `json:"percent"`
}

// OpenComboRequest is the JSON body for POST /combos.
type OpenComboRequest struct {
	UserID   string           `json:"user_id"`
	Legs     []model.ComboLeg `json:"legs"`
	Side     model.Side       `json:"side"`
	Stake    decimal.Decimal  `json:"stake"`
	Leverage int64            `json:"leverage"`
	LockDate time.Time        `json:"lock_date"`
}

// AdjustRequest is the JSON body for POST /adjustments.
type AdjustRequest struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	AppliedBy string          `json:"applied_by"`
}

// --- Handlers ---

// PlaceOrder handles POST /api/v1/orders.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ord, err := s.orders.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		UserID:         req.UserID,
		MarketID:       req.MarketID,
		Type:           req.Type,
		Side:           req.Side,
		TotalSize:      req.TotalSize,
		Leverage:       req.Leverage,
		LimitPrice:     req.LimitPrice,
		VisibleSize:    req.VisibleSize,
		TwapDurationMs: req.TwapDurationMs,
		TwapIntervalMs: req.TwapIntervalMs,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ord)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	ord, execs, err := s.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":      ord,
		"executions": execs,
	})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close.
// The position settles at the market's current probability.
func (s *Server) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	pos, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	prob, err := s.feed.CurrentProbability(r.Context(), pos.MarketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	closed, err := s.ledger.Close(r.Context(), positionID, prob)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// PartialClosePosition handles POST /api/v1/positions/{positionID}/partial-close.
func (s *Server) PartialClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req PartialCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	prob, err := s.feed.CurrentProbability(r.Context(), pos.MarketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	closed, remainder, err := s.ledger.PartialClose(r.Context(), positionID, req.Percent, prob)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"closed":    closed,
		"remainder": remainder, // nil when percent=100
	})
}

// GetMargin handles GET /api/v1/margin/{userID}.
func (s *Server) GetMargin(w http.ResponseWriter, r *http.Request) {
	m, err := s.monitor.Compute(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// OpenCombo handles POST /api/v1/combos.
func (s *Server) OpenCombo(w http.ResponseWriter, r *http.Request) {
	var req OpenComboRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cp, err := s.combos.Open(r.Context(), combo.OpenComboRequest{
		UserID:   req.UserID,
		Legs:     req.Legs,
		Side:     req.Side,
		Stake:    req.Stake,
		Leverage: req.Leverage,
		LockDate: req.LockDate,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

// CloseCombo handles POST /api/v1/combos/{comboPositionID}/close.
func (s *Server) CloseCombo(w http.ResponseWriter, r *http.Request) {
	cp, err := s.combos.Close(r.Context(), chi.URLParam(r, "comboPositionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// TickRequest is the JSON body for POST /markets/{marketID}/tick.
type TickRequest struct {
	Probability decimal.Decimal `json:"probability"` // 0–100
}

// PublishTick handles POST /api/v1/markets/{marketID}/tick: the ingestion
// point for upstream price sources.
func (s *Server) PublishTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.pub.Publish(chi.URLParam(r, "marketID"), req.Probability); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDepth handles GET /api/v1/markets/{marketID}/depth.
func (s *Server) GetDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.feed.Depth(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// AdjustBalance handles POST /api/v1/adjustments.
func (s *Server) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	adj, err := s.ledger.Adjust(r.Context(), req.UserID, req.Amount, req.Reason, req.AppliedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, adj)
}

// ListAdjustments handles GET /api/v1/adjustments/{userID}.
func (s *Server) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	adjs, err := s.store.ListAdjustmentsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adjs)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the error taxonomy onto HTTP statuses. Conflicts
// carry a retryable flag so clients know to re-submit.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrInvalidState):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errs.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"retryable": true,
		})
	case errors.Is(err, errs.ErrInsufficientMargin):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, errs.ErrUpstream):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
