// Package api provides the operator HTTP surface of chanopt.
// It exposes health, Prometheus metrics, loop status, the decision log, and
// quarantine management.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/chanopt/internal/app/controlloop"
	"github.com/tutu-network/chanopt/internal/app/policy"
	"github.com/tutu-network/chanopt/internal/app/rollback"
	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/health"
	"github.com/tutu-network/chanopt/internal/infra/healing"
)

// CycleRunner is the part of the control loop the API drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (controlloop.CycleSummary, error)
	LastSummary() *controlloop.CycleSummary
}

// Reverter restores a channel's latest snapshot on operator request.
type Reverter interface {
	Revert(ctx context.Context, channelID string, force bool) (domain.ExecutionRecord, error)
}

// Options wires a Server. Nil fields disable the routes that need them.
type Options struct {
	Loop     CycleRunner
	Shadow   *shadow.Logger
	Rollback *rollback.Manager
	Reverter Reverter
	Breakers *healing.BreakerSet
	Ledger   *policy.Ledger
	Health   *health.Checker
	DryRun   bool
	Version  string
}

// Server is the chanopt HTTP API server.
type Server struct {
	opts Options
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
		})
		if s.opts.Shadow != nil {
			r.Get("/decisions", s.handleDecisions)
		}
		if s.opts.Rollback != nil {
			r.Get("/quarantine", s.handleQuarantineList)
			r.Delete("/quarantine/{channelID}", s.handleQuarantineClear)
		}
		if s.opts.Reverter != nil {
			r.Post("/revert/{channelID}", s.handleRevert)
		}
		if s.opts.Loop != nil {
			r.Post("/cycle", s.handleCycle)
		}
	})

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}
