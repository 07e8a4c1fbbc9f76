package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/chanopt/internal/app/controlloop"
	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/health"
	"github.com/tutu-network/chanopt/internal/infra/healing"
)

// ─── /health ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.opts.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	checks := s.opts.Health.Statuses()
	if checks == nil {
		checks = []health.Status{}
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// ─── /api/status ────────────────────────────────────────────────────────────

type budgetStatus struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

type statusResponse struct {
	DryRun      bool                      `json:"dry_run"`
	Version     string                    `json:"version,omitempty"`
	LastCycle   *controlloop.CycleSummary `json:"last_cycle"`
	Breakers    []healing.Snapshot        `json:"breakers"`
	Budget      *budgetStatus             `json:"budget,omitempty"`
	Quarantined int                       `json:"quarantined"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		DryRun:   s.opts.DryRun,
		Version:  s.opts.Version,
		Breakers: []healing.Snapshot{},
	}
	if s.opts.Loop != nil {
		resp.LastCycle = s.opts.Loop.LastSummary()
	}
	if s.opts.Breakers != nil {
		resp.Breakers = s.opts.Breakers.Snapshots()
	}
	if s.opts.Ledger != nil {
		used, limit := s.opts.Ledger.Usage()
		resp.Budget = &budgetStatus{Used: used, Limit: limit}
	}
	if s.opts.Rollback != nil {
		resp.Quarantined = len(s.opts.Rollback.Quarantined())
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── /api/decisions ─────────────────────────────────────────────────────────

type decisionsResponse struct {
	Entries []domain.ShadowLogEntry `json:"entries"`
	Summary shadow.Summary          `json:"summary"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	q, err := parseShadowQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.opts.Shadow.Query(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.ShadowLogEntry{}
	}
	writeJSON(w, http.StatusOK, decisionsResponse{
		Entries: entries,
		Summary: shadow.Summarize(q.From, q.To, entries),
	})
}

// parseShadowQuery reads from, to, type, channel, and limit. Times accept
// RFC 3339 or a bare 2006-01-02 date in UTC.
func parseShadowQuery(r *http.Request) (domain.ShadowQuery, error) {
	var q domain.ShadowQuery
	v := r.URL.Query()
	var err error
	if q.From, err = ParseTime(v.Get("from")); err != nil {
		return q, errors.New("invalid from: " + err.Error())
	}
	if q.To, err = ParseTime(v.Get("to")); err != nil {
		return q, errors.New("invalid to: " + err.Error())
	}
	if t := v.Get("type"); t != "" {
		if q.Type, err = domain.ParseDecisionType(t); err != nil {
			return q, err
		}
	}
	q.ChannelID = v.Get("channel")
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return q, errors.New("invalid limit: " + l)
		}
		q.Limit = n
	}
	return q, nil
}

// ParseTime accepts RFC 3339 or a 2006-01-02 date (midnight UTC). Empty is zero.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// ─── /api/quarantine ────────────────────────────────────────────────────────

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	recs := s.opts.Rollback.Quarantined()
	if recs == nil {
		recs = []domain.QuarantineRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": recs})
}

func (s *Server) handleQuarantineClear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	if err := s.opts.Rollback.Clear(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── /api/revert ────────────────────────────────────────────────────────────

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	force := r.URL.Query().Get("force") == "true"
	rec, err := s.opts.Reverter.Revert(r.Context(), id, force)
	switch {
	case errors.Is(err, domain.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrChannelBusy), errors.Is(err, domain.ErrDryRun):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && rec.Status == "":
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, rec)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// ─── /api/cycle ─────────────────────────────────────────────────────────────

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	sum, err := s.opts.Loop.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, controlloop.ErrCycleInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
