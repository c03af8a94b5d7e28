// Package api exposes the read/query HTTP surface and the few operator
// actions: registering sources, triggering collections, acknowledging
// alerts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siglab/scout/analysis"
	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// Triggerer queues an immediate collection for a source.
type Triggerer interface {
	Trigger(ctx context.Context, id string) error
}

// AggregateReader serves recently closed window aggregates.
type AggregateReader interface {
	Recent(key string, n int) []analysis.Aggregate
	Keys() []string
}

// Server is the HTTP API over the running system.
type Server struct {
	registry  *source.Registry
	store     *store.Store
	scheduler Triggerer
	engine    AggregateReader
	logger    *slog.Logger
	startedAt time.Time
}

// New builds the API server.
func New(reg *source.Registry, st *store.Store, sched Triggerer, engine AggregateReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  reg,
		store:     st,
		scheduler: sched,
		engine:    engine,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Router assembles the route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/sources", s.handleListSources)
		r.Post("/sources", s.handleUpsertSource)
		r.Get("/sources/{id}", s.handleGetSource)
		r.Post("/sources/{id}/collect", s.handleCollect)
		r.Post("/sources/{id}/disable", s.handleDisableSource)

		r.Get("/events", s.handleListEvents)
		r.Get("/aggregates", s.handleAggregates)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/ack", s.handleAckAlert)

		r.Get("/insights", s.handleListInsights)
	})

	return r
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
