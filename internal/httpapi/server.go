// Package httpapi serves the data layer's diagnostics over HTTP: health,
// stats, slow queries and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fifatracker/datalayer/internal/datalayer"
	"github.com/fifatracker/datalayer/internal/datastore"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// Layer is the part of the data layer the diagnostics surface reads.
type Layer interface {
	IsAvailable() bool
	Stats() datalayer.Stats
	SlowQueries() []datastore.SlowQuery
	SetVisible(ctx context.Context, visible bool)
	ResetAll(ctx context.Context) error
	ResetStats(ctx context.Context) error
}

// Server is the diagnostics HTTP server.
type Server struct {
	layer   Layer
	metrics http.Handler
	log     *logger.Logger
	router  *mux.Router
	srv     *http.Server
	limiter *RateLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit throttles the state-changing debug actions per client.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = NewRateLimiter(perSecond, burst, s.log)
		}
	}
}

// New builds the router. metrics may be nil.
func New(addr string, layer Layer, metrics http.Handler, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		layer:   layer,
		metrics: metrics,
		log:     logger.OrDefault(log, "httpapi"),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(RequestIDMiddleware, LoggingMiddleware(s.log), RecoveryMiddleware(s.log))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/slow-queries", s.handleSlowQueries).Methods(http.MethodGet)

	actions := s.router.PathPrefix("/debug").Methods(http.MethodPost).Subrouter()
	if s.limiter != nil {
		actions.Use(s.limiter.Handler)
	}
	actions.HandleFunc("/reset", s.handleReset)
	actions.HandleFunc("/visibility/{state:visible|hidden}", s.handleVisibility)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.srv.Addr).Info("diagnostics server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.layer.Stats()
	if !s.layer.IsAvailable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "unavailable",
			"connection": st.Connection,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"live_sync": st.LiveSync,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.layer.Stats())
}

func (s *Server) handleSlowQueries(w http.ResponseWriter, r *http.Request) {
	entries := s.layer.SlowQueries()
	if entries == nil {
		entries = []datastore.SlowQuery{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.layer.ResetAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.layer.ResetStats(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	visible := mux.Vars(r)["state"] == "visible"
	s.layer.SetVisible(r.Context(), visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": visible})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
