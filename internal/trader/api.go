package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"papertrade/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer. lg may be nil, in which case the
// ledger endpoints answer 503.
func NewAPIServer(port int, engine *Engine, lg *ledger.Ledger, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		ledger: lg,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/status", s.statusHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/positions", s.positionsHandler)
	r.Post("/positions/{id}/close", s.closePositionHandler)
	r.Post("/signals", s.signalHandler)

	r.Route("/engine", func(r chi.Router) {
		r.Post("/start", s.startHandler)
		r.Post("/stop", s.stopHandler)
		r.Post("/reset", s.resetHandler)
		r.Get("/config", s.getConfigHandler)
		r.Put("/config", s.putConfigHandler)
	})

	r.Route("/ledger", func(r chi.Router) {
		r.Get("/multipliers", s.multipliersHandler)
		r.Get("/top", s.topHandler)
		r.Get("/worst", s.worstHandler)
		r.Get("/overall", s.overallHandler)
	})
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	start := s.engine.StartTime()
	status := struct {
		SessionID string `json:"session_id"`
		Running   bool   `json:"running"`
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
		Open      int    `json:"open_positions"`
	}{
		SessionID: s.engine.SessionID(),
		Running:   s.engine.Config().Enabled,
		StartTime: start.Format(time.RFC3339),
		Uptime:    time.Since(start).Round(time.Second).String(),
		Open:      s.engine.Stats().OpenPositions,
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *APIServer) positionsHandler(w http.ResponseWriter, r *http.Request) {
	filter := Status(r.URL.Query().Get("status"))
	out := []Position{}
	for _, p := range s.engine.Positions() {
		if filter == "" || p.Status == filter {
			out = append(out, p)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *APIServer) closePositionHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	p, err := s.engine.ClosePosition(chi.URLParam(r, "id"), body.Price)
	switch {
	case errors.Is(err, ErrPositionNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrPositionClosed):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.writeJSON(w, http.StatusOK, p)
	}
}

func (s *APIServer) signalHandler(w http.ResponseWriter, r *http.Request) {
	var sig Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid signal: %w", err))
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	s.writeJSON(w, http.StatusOK, s.engine.Submit(sig))
}

func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	s.engine.Start()
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *APIServer) stopHandler(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *APIServer) resetHandler(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *APIServer) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Config())
}

func (s *APIServer) putConfigHandler(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid config: %w", err))
		return
	}
	if err := s.engine.UpdateConfig(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Config())
}

func (s *APIServer) multipliersHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.ledger.Multipliers())
}

func (s *APIServer) topHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.ledger.TopPerformers(queryInt(r, "n", 5)))
}

func (s *APIServer) worstHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.ledger.WorstPerformers(queryInt(r, "n", 5)))
}

func (s *APIServer) overallHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.ledger.OverallStats())
}

func (s *APIServer) requireLedger(w http.ResponseWriter) bool {
	if s.ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("performance ledger not configured"))
		return false
	}
	return true
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
