package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"papertrade/internal/persistence"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const defaultLimit = 100

// APIHandler serves the recorded history of past sessions.
type APIHandler struct {
	log         *zap.Logger
	store       *persistence.Store
	bucketWidth int
	now         func() time.Time
}

// NewAPIHandler creates a new APIHandler. bucketWidth must match the ledger
// policy the metrics were recorded with.
func NewAPIHandler(log *zap.Logger, store *persistence.Store, bucketWidth int, now func() time.Time) *APIHandler {
	return &APIHandler{log: log, store: store, bucketWidth: bucketWidth, now: now}
}

// Routes builds the router.
func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/positions", h.PositionsHandler)
		r.Get("/sessions", h.SessionsHandler)
		r.Get("/metrics", h.MetricsHandler)
		r.Get("/statistics", h.StatisticsHandler)
	})
	return r
}

// PositionsHandler returns closed positions, most recent first.
func (h *APIHandler) PositionsHandler(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ClosedPositions(r.Context(), limit(r))
	if err != nil {
		h.log.Error("Failed to get positions from database", zap.Error(err))
		http.Error(w, "Failed to get positions", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, positions)
}

// SessionsHandler returns the latest stats of every recorded session.
func (h *APIHandler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Sessions(r.Context(), limit(r))
	if err != nil {
		h.log.Error("Failed to get sessions from database", zap.Error(err))
		http.Error(w, "Failed to get sessions", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, sessions)
}

// MetricsHandler returns the persisted per-bucket strategy metrics.
func (h *APIHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.LoadMetrics(r.Context(), h.bucketWidth)
	if err != nil {
		h.log.Error("Failed to get metrics from database", zap.Error(err))
		http.Error(w, "Failed to get metrics", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, metrics)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"` // percent
	NetPL            float64 `json:"net_pl"`
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates and returns statistics over closed positions.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ClosedPositions(r.Context(), 0)
	if err != nil {
		h.log.Error("Failed to get positions for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	var stats24h, statsAllTime StatsDetail

	add := func(s *StatsDetail, pl float64) {
		s.TotalTrades++
		if pl > 0 {
			s.ProfitableTrades++
		}
		s.NetPL += pl
	}
	for _, p := range positions {
		if p.ProfitLoss == nil {
			continue
		}
		add(&statsAllTime, *p.ProfitLoss)
		if p.ClosedAt != nil && p.ClosedAt.After(since24h) {
			add(&stats24h, *p.ProfitLoss)
		}
	}
	for _, s := range []*StatsDetail{&statsAllTime, &stats24h} {
		if s.TotalTrades > 0 {
			s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades) * 100
		}
	}

	h.writeJSON(w, StatisticsResponse{Since24h: stats24h, AllTime: statsAllTime})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return n
}
