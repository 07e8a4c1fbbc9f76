// Package controlloop runs the periodic optimization cycle:
// read state → score → decide → validate → execute → record.
//
// Scoring is concurrent and bounded by Config.Workers. Validation runs in
// channel order so budget admission is deterministic. Executions for
// different channels run concurrently; the executor serializes a channel.
// When the cycle deadline passes, channels that were not yet scored or
// validated are deferred to the next cycle and nothing is logged for them.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/chanopt/internal/app/decision"
	"github.com/tutu-network/chanopt/internal/app/executor"
	"github.com/tutu-network/chanopt/internal/app/heuristics"
	"github.com/tutu-network/chanopt/internal/app/policy"
	"github.com/tutu-network/chanopt/internal/app/rollback"
	"github.com/tutu-network/chanopt/internal/app/scoring"
	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
)

// ErrCycleInProgress is returned when a cycle is requested while one runs.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Config controls cycle pacing.
type Config struct {
	Interval     time.Duration // time between cycle starts
	CycleTimeout time.Duration // deadline for one cycle; 0 means Interval
	Workers      int           // concurrent scoring workers
	MaxStateAge  time.Duration // older ChannelState is skipped as stale; 0 disables
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Minute,
		Workers:     8,
		MaxStateAge: 30 * time.Minute,
	}
}

// Options wires a Loop.
type Options struct {
	Config     Config
	Backend    domain.Backend
	Heuristics *heuristics.Engine
	Scorer     *scoring.Scorer
	Decider    *decision.Engine
	Validator  *policy.Validator
	Executor   *executor.Executor
	Rollback   *rollback.Manager
	Shadow     *shadow.Logger
	Alerter    domain.Alerter // may be nil
	Logger     *slog.Logger
}

// Loop owns the cycle schedule.
type Loop struct {
	cfg        Config
	backend    domain.Backend
	heuristics *heuristics.Engine
	scorer     *scoring.Scorer
	decider    *decision.Engine
	validator  *policy.Validator
	executor   *executor.Executor
	rollback   *rollback.Manager
	shadow     *shadow.Logger
	alerter    domain.Alerter
	logger     *slog.Logger
	now        func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *CycleSummary
}

// New creates a Loop.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	return &Loop{
		cfg:        cfg,
		backend:    opts.Backend,
		heuristics: opts.Heuristics,
		scorer:     opts.Scorer,
		decider:    opts.Decider,
		validator:  opts.Validator,
		executor:   opts.Executor,
		rollback:   opts.Rollback,
		shadow:     opts.Shadow,
		alerter:    opts.Alerter,
		logger:     logger.With("component", "controlloop"),
		now:        time.Now,
	}
}

// CycleSummary describes one finished cycle.
type CycleSummary struct {
	CycleID    string                         `json:"cycle_id"`
	DryRun     bool                           `json:"dry_run"`
	Started    time.Time                      `json:"started"`
	Finished   time.Time                      `json:"finished"`
	Channels   int                            `json:"channels"`
	Scored     int                            `json:"scored"`
	Deferred   int                            `json:"deferred"`
	Skipped    int                            `json:"skipped"`
	Rejected   int                            `json:"rejected"`
	Recorded   int                            `json:"recorded"`
	ByDecision map[domain.DecisionType]int    `json:"by_decision"`
	ByStatus   map[domain.ExecutionStatus]int `json:"by_status"`
}

// Duration is the wall time of the cycle.
func (s CycleSummary) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// LastSummary returns the most recent completed cycle, or nil before the first.
func (l *Loop) LastSummary() *CycleSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return nil
	}
	s := *l.last
	return &s
}

// Run executes a cycle immediately and then every Interval until ctx ends.
// A tick that arrives while a cycle is still running is skipped.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started",
		"interval", l.cfg.Interval, "workers", l.cfg.Workers, "dry_run", l.executor.DryRun())
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := l.RunCycle(ctx); err != nil {
			switch {
			case errors.Is(err, ErrCycleInProgress):
				l.logger.Warn("cycle still running, tick skipped")
			case ctx.Err() == nil:
				l.logger.Error("cycle failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			l.logger.Info("control loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// channelWork carries one channel through the cycle.
type channelWork struct {
	state    domain.ChannelState
	scored   bool
	score    domain.CompositeScore
	decision domain.Decision
}

// RunCycle runs one full cycle. Per-channel failures are isolated and
// counted; the returned error is reserved for failures of the whole cycle.
func (l *Loop) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !l.running.TryLock() {
		return CycleSummary{}, ErrCycleInProgress
	}
	defer l.running.Unlock()

	sum := CycleSummary{
		CycleID:    uuid.New().String(),
		DryRun:     l.executor.DryRun(),
		Started:    l.now(),
		ByDecision: make(map[domain.DecisionType]int),
		ByStatus:   make(map[domain.ExecutionStatus]int),
	}
	log := l.logger.With("cycle_id", sum.CycleID)

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CycleTimeout)
	defer cancel()

	states, err := l.backend.ReadState(cctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		sum.Finished = l.now()
		return sum, fmt.Errorf("read channel state: %w", err)
	}
	sum.Channels = len(states)

	work := l.admit(states, sum.Started, log)
	sum.Skipped = len(states) - len(work)
	metrics.CycleChannels.WithLabelValues("skipped").Add(float64(sum.Skipped))

	valid := make([]domain.ChannelState, len(work))
	for i, w := range work {
		valid[i] = w.state
	}
	net := heuristics.NewNetworkContext(valid, sum.Started)

	l.score(cctx, work, net)

	// Validation in channel order, then concurrent execution.
	type pending struct {
		*channelWork
		validation domain.ValidationResult
	}
	var queue []pending
	for _, w := range work {
		if !w.scored || cctx.Err() != nil {
			sum.Deferred++
			continue
		}
		sum.Scored++
		v := l.validator.Validate(w.decision, w.state)
		for _, rule := range v.ViolatedRules {
			metrics.RuleViolations.WithLabelValues(rule).Inc()
		}
		if !v.Approved {
			sum.Rejected++
		}
		if w.decision.Type() == domain.DecisionClose {
			l.alertClose(ctx, w.decision, v)
		}
		sum.ByDecision[w.decision.Type()]++
		queue = append(queue, pending{channelWork: w, validation: v})
	}
	metrics.CycleChannels.WithLabelValues("deferred").Add(float64(sum.Deferred))
	metrics.CycleChannels.WithLabelValues("scored").Add(float64(sum.Scored))
	if sum.Deferred > 0 {
		log.Warn("cycle deadline reached, channels deferred", "deferred", sum.Deferred)
	}

	var (
		smu sync.Mutex
		g   errgroup.Group
	)
	g.SetLimit(l.cfg.Workers)
	for _, p := range queue {
		g.Go(func() error {
			var exec *domain.ExecutionRecord
			if p.validation.Executes() {
				rec, err := l.executor.Execute(cctx, p.decision, p.validation)
				if err != nil {
					log.Warn("execution did not succeed",
						"channel_id", p.state.ChannelID, "decision_id", p.decision.ID, "status", rec.Status, "error", err)
				}
				if rec.Status.Terminal() {
					exec = &rec
				}
			}

			// The audit entry is written even when the cycle deadline has passed.
			_, err := l.shadow.Record(context.WithoutCancel(cctx), shadow.Record{
				CycleID:    sum.CycleID,
				Channel:    p.state,
				Score:      p.score,
				Decision:   p.decision,
				Validation: p.validation,
				Execution:  exec,
				DryRun:     sum.DryRun,
			})

			smu.Lock()
			defer smu.Unlock()
			if exec != nil {
				sum.ByStatus[exec.Status]++
			}
			if err != nil {
				metrics.CycleErrors.Inc()
				log.Error("shadow log write failed", "channel_id", p.state.ChannelID, "error", err)
				return nil
			}
			sum.Recorded++
			return nil
		})
	}
	g.Wait()

	l.housekeeping(context.WithoutCancel(ctx), log)

	sum.Finished = l.now()
	metrics.CycleDuration.Observe(sum.Duration().Seconds())
	l.mu.Lock()
	l.last = &sum
	l.mu.Unlock()

	log.Info("cycle complete",
		"channels", sum.Channels, "scored", sum.Scored, "skipped", sum.Skipped, "deferred", sum.Deferred,
		"rejected", sum.Rejected, "dry_run", sum.DryRun, "duration", sum.Duration())
	return sum, nil
}

// admit drops channels whose state is invalid or stale. Zero ObservedAt is
// stamped with the cycle start.
func (l *Loop) admit(states []domain.ChannelState, now time.Time, log *slog.Logger) []*channelWork {
	work := make([]*channelWork, 0, len(states))
	for _, ch := range states {
		if ch.ObservedAt.IsZero() {
			ch.ObservedAt = now
		}
		if err := ch.Validate(); err != nil {
			log.Warn("channel skipped", "channel_id", ch.ChannelID, "error", err)
			continue
		}
		if age := now.Sub(ch.ObservedAt); l.cfg.MaxStateAge > 0 && age > l.cfg.MaxStateAge {
			err := &domain.StaleDataError{ChannelID: ch.ChannelID, Age: age, MaxAge: l.cfg.MaxStateAge}
			log.Warn("channel skipped", "channel_id", ch.ChannelID, "error", err)
			continue
		}
		work = append(work, &channelWork{state: ch})
	}
	return work
}

// score fills in score and decision for every channel reached before ctx ends.
func (l *Loop) score(ctx context.Context, work []*channelWork, net domain.NetworkContext) {
	var g errgroup.Group
	g.SetLimit(l.cfg.Workers)
	for _, w := range work {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := l.heuristics.Score(w.state, net)
			for _, n := range res.Estimated {
				metrics.EstimatedSubScores.WithLabelValues(string(n)).Inc()
			}
			w.score = l.scorer.Combine(w.state.ChannelID, res.SubScores, l.now())
			w.decision = l.decider.Decide(w.score, w.state, net)
			w.scored = true
			metrics.CompositeScore.Observe(w.score.Value)
			metrics.Decisions.WithLabelValues(string(w.decision.Type()), string(w.decision.Confidence)).Inc()
			return nil
		})
	}
	g.Wait()
}

func (l *Loop) alertClose(ctx context.Context, d domain.Decision, v domain.ValidationResult) {
	if l.alerter == nil {
		return
	}
	ev := domain.AlertEvent{
		Kind:      domain.AlertCloseDecided,
		ChannelID: d.ChannelID,
		Message:   "channel close decided",
		Fields: map[string]string{
			"decision_id": d.ID,
			"confidence":  string(d.Confidence),
			"approved":    fmt.Sprint(v.Approved),
			"reasoning":   d.Reasoning,
		},
		At: l.now(),
	}
	if err := l.alerter.Notify(ctx, ev); err != nil {
		l.logger.Warn("alert delivery failed", "kind", ev.Kind, "channel_id", d.ChannelID, "error", err)
	}
}

func (l *Loop) housekeeping(ctx context.Context, log *slog.Logger) {
	if l.rollback != nil {
		if _, err := l.rollback.Prune(ctx); err != nil {
			log.Warn("snapshot pruning failed", "error", err)
		}
	}
	if ledger := l.validator.Ledger(); ledger != nil {
		used, _ := ledger.Usage()
		metrics.BudgetUsed.Set(float64(used))
	}
}
