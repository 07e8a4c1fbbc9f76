// Package executor applies validated decisions to the backend.
//
// In dry-run mode Execute returns a synthetic SUCCEEDED record without any
// backend call. Live executions hold the channel's lock for their whole
// lifetime: snapshot, apply with retries, then rollback on failure. A
// rollback is attempted even when the caller's context is cancelled.
//
// Operator reverts take the same channel lock but never wait for it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tutu-network/chanopt/internal/app/rollback"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/backend"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
	"github.com/tutu-network/chanopt/internal/infra/scheduler"
)

// Budget is the reservation side of the policy ledger.
type Budget interface {
	Commit(decisionID string, at time.Time)
	Release(decisionID string, at time.Time)
	Cancel(decisionID string)
	InFlight(channelID string) bool
}

// Executor turns approved decisions into execution records.
type Executor struct {
	backend  domain.Backend
	store    domain.Store
	applier  *Applier
	rollback *rollback.Manager
	budget   Budget
	locks    *scheduler.KeyedLock
	dryRun   bool
	logger   *slog.Logger
	now      func() time.Time
}

// Options wires an Executor.
type Options struct {
	Backend  domain.Backend
	Store    domain.Store
	Applier  *Applier
	Rollback *rollback.Manager
	Budget   Budget // may be nil
	DryRun   bool
	Logger   *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend:  opts.Backend,
		store:    opts.Store,
		applier:  opts.Applier,
		rollback: opts.Rollback,
		budget:   opts.Budget,
		locks:    scheduler.NewKeyedLock(),
		dryRun:   opts.DryRun,
		logger:   logger.With("component", "executor"),
		now:      time.Now,
	}
}

// DryRun reports whether the executor only simulates.
func (e *Executor) DryRun() bool { return e.dryRun }

// Execute applies v.EffectiveParams for d. It returns domain.ErrValidationRejected
// without a record when v does not call for a change. Otherwise the returned
// record is terminal and already appended to the store; the error, if any,
// describes why the record is not SUCCEEDED.
func (e *Executor) Execute(ctx context.Context, d domain.Decision, v domain.ValidationResult) (domain.ExecutionRecord, error) {
	if !v.Executes() {
		return domain.ExecutionRecord{}, domain.ErrValidationRejected
	}
	rec := domain.ExecutionRecord{
		DecisionID: d.ID,
		ChannelID:  d.ChannelID,
		Type:       v.EffectiveParams.Type(),
		Status:     domain.ExecPending,
		DryRun:     e.dryRun,
		StartedAt:  e.now(),
	}

	if e.dryRun {
		rec.Status = domain.ExecSucceeded
		rec.FinishedAt = rec.StartedAt
		e.commit(d.ID, rec.FinishedAt)
		e.logger.Info("dry run: change not applied",
			"channel_id", d.ChannelID, "decision_id", d.ID, "type", rec.Type)
		return rec, e.finish(ctx, rec)
	}

	unlock, err := e.locks.Lock(ctx, d.ChannelID)
	if err != nil {
		e.cancel(d.ID)
		rec.Status = domain.ExecFailed
		rec.LastError = "waiting for channel lock: " + err.Error()
		rec.FinishedAt = e.now()
		return rec, errors.Join(fmt.Errorf("lock channel %s: %w", d.ChannelID, err), e.finish(ctx, rec))
	}
	defer unlock()
	rec.StartedAt = e.now()

	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()
	rec.Status = domain.ExecExecuting

	snap, err := e.rollback.CaptureSnapshot(ctx, d.ChannelID)
	if err != nil {
		e.cancel(d.ID)
		rec.Status = domain.ExecFailed
		rec.LastError = err.Error()
		rec.FinishedAt = e.now()
		e.logger.Error("snapshot failed, change not attempted", "channel_id", d.ChannelID, "error", err)
		return rec, errors.Join(err, e.finish(ctx, rec))
	}
	rec.SnapshotID = snap.ID

	endpoint, call := e.call(d.ChannelID, v.EffectiveParams)
	attempts, applyErr := e.applier.Apply(ctx, d.ChannelID, endpoint, call)
	rec.AttemptCount = attempts

	if applyErr == nil {
		rec.Status = domain.ExecSucceeded
		rec.FinishedAt = e.now()
		e.commit(d.ID, rec.FinishedAt)
		e.rollback.Discard(snap)
		e.logger.Info("change applied",
			"channel_id", d.ChannelID, "decision_id", d.ID, "type", rec.Type, "attempts", attempts)
		return rec, e.finish(ctx, rec)
	}

	rec.LastError = applyErr.Error()
	if attempts == 0 {
		// No call reached the backend, so the live policy is still the snapshot.
		rec.Status = domain.ExecFailed
		rec.FinishedAt = e.now()
		e.cancel(d.ID)
		e.rollback.Discard(snap)
		e.logger.Warn("change not attempted", "channel_id", d.ChannelID, "decision_id", d.ID, "error", applyErr)
		return rec, errors.Join(applyErr, e.finish(ctx, rec))
	}
	e.logger.Warn("change failed, rolling back",
		"channel_id", d.ChannelID, "decision_id", d.ID, "attempts", attempts, "error", applyErr)

	_, rbErr := e.rollback.Rollback(ctx, snap)
	rec.FinishedAt = e.now()
	e.release(d.ID, rec.FinishedAt)
	if rbErr != nil {
		rec.Status = domain.ExecFailed
		rec.LastError += "; " + rbErr.Error()
		return rec, errors.Join(applyErr, rbErr, e.finish(ctx, rec))
	}
	rec.Status = domain.ExecRolledBack
	return rec, errors.Join(applyErr, e.finish(ctx, rec))
}

// Revert restores the latest stored snapshot of channelID on operator
// request. It never waits: a channel with an admitted decision or a running
// execution yields domain.ErrChannelBusy. In dry-run mode it refuses with
// domain.ErrDryRun unless force is set.
func (e *Executor) Revert(ctx context.Context, channelID string, force bool) (domain.ExecutionRecord, error) {
	if e.dryRun && !force {
		return domain.ExecutionRecord{}, fmt.Errorf("revert %s: %w (force to write anyway)", channelID, domain.ErrDryRun)
	}
	if e.budget != nil && e.budget.InFlight(channelID) {
		return domain.ExecutionRecord{}, fmt.Errorf("revert %s: %w", channelID, domain.ErrChannelBusy)
	}
	unlock, ok := e.locks.TryLock(channelID)
	if !ok {
		return domain.ExecutionRecord{}, fmt.Errorf("revert %s: %w", channelID, domain.ErrChannelBusy)
	}
	defer unlock()

	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()
	rec, err := e.rollback.Revert(ctx, channelID)
	if rec.Status != "" {
		metrics.Executions.WithLabelValues(string(rec.Type), string(rec.Status), "false").Inc()
		e.logger.Info("operator revert", "channel_id", channelID, "snapshot_id", rec.SnapshotID,
			"status", rec.Status, "forced", e.dryRun && force)
	}
	return rec, err
}

// call binds the backend write for p.
func (e *Executor) call(channelID string, p domain.Params) (string, func(context.Context) error) {
	switch v := p.(type) {
	case domain.Rebalance:
		return backend.EndpointRebalance, func(ctx context.Context) error {
			return e.backend.Rebalance(ctx, channelID, v)
		}
	case domain.CloseChannel:
		return backend.EndpointCloseChannel, func(ctx context.Context) error {
			return e.backend.CloseChannel(ctx, channelID)
		}
	}
	fp, _ := domain.FeePolicyOf(p)
	return backend.EndpointApplyPolicy, func(ctx context.Context) error {
		return e.backend.ApplyPolicy(ctx, channelID, fp)
	}
}

// finish records the terminal state. The write survives cancellation of ctx.
func (e *Executor) finish(ctx context.Context, rec domain.ExecutionRecord) error {
	metrics.Executions.WithLabelValues(string(rec.Type), string(rec.Status), strconv.FormatBool(rec.DryRun)).Inc()
	if err := e.store.AppendExecution(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("record execution failed", "channel_id", rec.ChannelID, "decision_id", rec.DecisionID, "error", err)
		return fmt.Errorf("record execution %s: %w", rec.DecisionID, err)
	}
	return nil
}

func (e *Executor) commit(id string, at time.Time) {
	if e.budget != nil {
		e.budget.Commit(id, at)
	}
}

func (e *Executor) release(id string, at time.Time) {
	if e.budget != nil {
		e.budget.Release(id, at)
	}
}

func (e *Executor) cancel(id string) {
	if e.budget != nil {
		e.budget.Cancel(id)
	}
}
