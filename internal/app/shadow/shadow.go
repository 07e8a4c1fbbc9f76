// Package shadow implements the decision audit trail.
// Every scored channel produces exactly one entry per cycle, in dry-run and
// live mode alike. Entries are append-only; nothing here updates or deletes.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/chanopt/internal/domain"
)

// Logger writes and reads the shadow log.
type Logger struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates a Logger backed by store.
func NewLogger(store domain.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger.With("component", "shadow"), now: time.Now}
}

// Record is the per-channel outcome of one cycle.
type Record struct {
	CycleID    string
	Channel    domain.ChannelState
	Score      domain.CompositeScore
	Decision   domain.Decision
	Validation domain.ValidationResult
	Execution  *domain.ExecutionRecord // nil when nothing was executed
	DryRun     bool
}

// Record appends one entry. A non-terminal execution is rejected since the
// entry could never be corrected afterwards.
func (l *Logger) Record(ctx context.Context, r Record) (domain.ShadowLogEntry, error) {
	if r.Execution != nil && !r.Execution.Status.Terminal() {
		return domain.ShadowLogEntry{}, fmt.Errorf("record %s: execution status %s is not terminal",
			r.Decision.ChannelID, r.Execution.Status)
	}
	e := domain.ShadowLogEntry{
		ID:         uuid.New().String(),
		CycleID:    r.CycleID,
		Channel:    r.Channel.Summary(),
		Score:      r.Score,
		Decision:   r.Decision,
		Validation: r.Validation,
		Execution:  r.Execution,
		DryRun:     r.DryRun,
		RecordedAt: l.now(),
	}
	if err := l.store.AppendShadowEntry(ctx, e); err != nil {
		return domain.ShadowLogEntry{}, fmt.Errorf("append shadow entry %s: %w", e.Channel.ChannelID, err)
	}
	l.logger.Debug("decision recorded",
		"cycle_id", e.CycleID, "channel_id", e.Channel.ChannelID, "decision_id", e.Decision.ID,
		"type", e.Decision.Type(), "approved", e.Validation.Approved, "dry_run", e.DryRun)
	return e, nil
}

// Query returns entries matching q, oldest first.
func (l *Logger) Query(ctx context.Context, q domain.ShadowQuery) ([]domain.ShadowLogEntry, error) {
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		return nil, fmt.Errorf("query shadow log: empty range %s .. %s",
			q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	}
	entries, err := l.store.QueryShadow(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query shadow log: %w", err)
	}
	return entries, nil
}

// ─── Reports ────────────────────────────────────────────────────────────────

// Summary aggregates the entries of a time range.
type Summary struct {
	From       time.Time                      `json:"from"`
	To         time.Time                      `json:"to"`
	Entries    int                            `json:"entries"`
	DryRun     int                            `json:"dry_run"`
	Rejected   int                            `json:"rejected"`
	Cycles     int                            `json:"cycles"`
	Channels   int                            `json:"channels"`
	ByDecision map[domain.DecisionType]int    `json:"by_decision"`
	ByStatus   map[domain.ExecutionStatus]int `json:"by_status"`
	Violations map[string]int                 `json:"violations"`
	AvgScore   float64                        `json:"avg_composite_score"`
}

// Summarize reports the calendar day containing day, in day's location.
func (l *Logger) Summarize(ctx context.Context, day time.Time) (Summary, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return l.SummarizeRange(ctx, from, from.AddDate(0, 0, 1))
}

// SummarizeRange reports entries recorded in [from, to).
func (l *Logger) SummarizeRange(ctx context.Context, from, to time.Time) (Summary, error) {
	entries, err := l.Query(ctx, domain.ShadowQuery{From: from, To: to})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(from, to, entries), nil
}

// Summarize aggregates entries that were already loaded.
func Summarize(from, to time.Time, entries []domain.ShadowLogEntry) Summary {
	s := Summary{
		From:       from,
		To:         to,
		Entries:    len(entries),
		ByDecision: make(map[domain.DecisionType]int),
		ByStatus:   make(map[domain.ExecutionStatus]int),
		Violations: make(map[string]int),
	}
	cycles := make(map[string]bool)
	channels := make(map[string]bool)
	var total float64
	for _, e := range entries {
		s.ByDecision[e.Decision.Type()]++
		if e.Execution != nil {
			s.ByStatus[e.Execution.Status]++
		}
		if e.DryRun {
			s.DryRun++
		}
		if !e.Validation.Approved {
			s.Rejected++
		}
		for _, rule := range e.Validation.ViolatedRules {
			s.Violations[rule]++
		}
		cycles[e.CycleID] = true
		channels[e.Channel.ChannelID] = true
		total += e.Score.Value
	}
	s.Cycles = len(cycles)
	s.Channels = len(channels)
	if len(entries) > 0 {
		s.AvgScore = total / float64(len(entries))
	}
	return s
}
