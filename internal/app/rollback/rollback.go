// Package rollback captures fee-policy snapshots before mutations and
// restores them when a mutation fails.
//
// A restore goes through the same Applier as forward changes and gets the
// same retry and backoff, but an open circuit breaker does not block it. A
// restore that still fails quarantines the channel until an operator clears it.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/backend"
	"github.com/tutu-network/chanopt/internal/infra/healing"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
)

// Applier runs one restore write with bounded retries, regardless of the
// endpoint's circuit breaker.
type Applier interface {
	Restore(ctx context.Context, channelID, endpoint string, call func(context.Context) error) (attempts int, err error)
}

// Config controls snapshot lifetime and restore deadlines.
type Config struct {
	Retention time.Duration // archived snapshots older than this are pruned
	Timeout   time.Duration // bound on a restore once the caller's context is gone
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Retention: 7 * 24 * time.Hour, Timeout: 2 * time.Minute}
}

// Manager owns snapshots from capture until they are discarded or consumed.
type Manager struct {
	cfg        Config
	backend    domain.Backend
	store      domain.Store
	applier    Applier
	alerter    domain.Alerter
	quarantine *healing.Quarantine
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]domain.Snapshot // channel ID → snapshot of an in-flight change
}

// NewManager creates a Manager. alerter may be nil.
func NewManager(cfg Config, b domain.Backend, store domain.Store, applier Applier,
	alerter domain.Alerter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Manager{
		cfg:        cfg,
		backend:    b,
		store:      store,
		applier:    applier,
		alerter:    alerter,
		quarantine: healing.NewQuarantine(),
		logger:     logger.With("component", "rollback"),
		now:        time.Now,
		pending:    make(map[string]domain.Snapshot),
	}
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

// CaptureSnapshot reads the live policy from the backend and persists it.
// The scoring-time ChannelState is never used as the restore target.
func (m *Manager) CaptureSnapshot(ctx context.Context, channelID string) (domain.Snapshot, error) {
	policy, err := m.backend.ReadPolicy(ctx, channelID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read policy %s: %w", channelID, err)
	}
	snap := domain.Snapshot{
		ID:          uuid.New().String(),
		ChannelID:   channelID,
		BaseFeeMsat: policy.BaseFeeMsat,
		FeeRatePPM:  policy.FeeRatePPM,
		CapturedAt:  m.now(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("save snapshot %s: %w", channelID, err)
	}

	m.mu.Lock()
	m.pending[channelID] = snap
	m.mu.Unlock()

	m.logger.Debug("snapshot captured", "channel_id", channelID, "snapshot_id", snap.ID,
		"base_fee_msat", snap.BaseFeeMsat, "fee_rate_ppm", snap.FeeRatePPM)
	return snap, nil
}

// Discard releases a snapshot after a successful change. The stored copy
// stays archived until Prune removes it.
func (m *Manager) Discard(snap domain.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.pending[snap.ChannelID]; ok && cur.ID == snap.ID {
		delete(m.pending, snap.ChannelID)
	}
}

// Pending returns the number of snapshots held for in-flight changes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Prune deletes archived snapshots older than the retention window.
// The store keeps the newest snapshot of every channel.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := m.store.DeleteSnapshotsBefore(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	if n > 0 {
		m.logger.Info("snapshots pruned", "count", n)
	}
	return n, nil
}

// ─── Rollback ───────────────────────────────────────────────────────────────

// Rollback re-applies snap. It runs to completion even when ctx is already
// cancelled, bounded by Config.Timeout. On failure the channel is quarantined
// and the returned error wraps domain.ErrRollbackFailure.
func (m *Manager) Rollback(ctx context.Context, snap domain.Snapshot) (attempts int, err error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeout)
	defer cancel()

	m.mu.Lock()
	if cur, ok := m.pending[snap.ChannelID]; ok && cur.ID == snap.ID {
		delete(m.pending, snap.ChannelID)
	}
	m.mu.Unlock()

	attempts, err = m.applier.Restore(rctx, snap.ChannelID, backend.EndpointApplyPolicy, func(c context.Context) error {
		return m.backend.ApplyPolicy(c, snap.ChannelID, snap.Policy())
	})
	if err == nil {
		metrics.Rollbacks.WithLabelValues("restored").Inc()
		m.logger.Warn("policy restored from snapshot",
			"channel_id", snap.ChannelID, "snapshot_id", snap.ID, "attempts", attempts)
		m.notify(rctx, domain.AlertEvent{
			Kind:      domain.AlertRolledBack,
			ChannelID: snap.ChannelID,
			Message:   "fee policy restored after failed change",
			Fields:    map[string]string{"snapshot_id": snap.ID},
		})
		return attempts, nil
	}

	metrics.Rollbacks.WithLabelValues("failed").Inc()
	reason := fmt.Sprintf("rollback to snapshot %s failed: %v", snap.ID, err)
	if qerr := m.Quarantine(rctx, snap.ChannelID, reason, snap.ID); qerr != nil {
		m.logger.Error("persist quarantine failed", "channel_id", snap.ChannelID, "error", qerr)
	}
	m.notify(rctx, domain.AlertEvent{
		Kind:      domain.AlertRollbackFailed,
		ChannelID: snap.ChannelID,
		Message:   "rollback failed, channel quarantined for manual review",
		Fields:    map[string]string{"snapshot_id": snap.ID, "error": err.Error()},
	})
	return attempts, fmt.Errorf("%w: channel %s: %w", domain.ErrRollbackFailure, snap.ChannelID, err)
}

// Revert restores the most recent stored snapshot of a channel on operator
// request and returns the resulting record. The record is typed by the
// direction of the fee move; callers serialize it with forward changes.
func (m *Manager) Revert(ctx context.Context, channelID string) (domain.ExecutionRecord, error) {
	snap, err := m.store.GetLatestSnapshot(ctx, channelID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if snap == nil {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, channelID)
	}
	live, err := m.backend.ReadPolicy(ctx, channelID)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("read policy %s: %w", channelID, err)
	}
	rec := domain.ExecutionRecord{
		DecisionID: domain.RevertPrefix + snap.ID,
		ChannelID:  channelID,
		Type:       revertType(live, snap.Policy()),
		SnapshotID: snap.ID,
		Status:     domain.ExecExecuting,
		StartedAt:  m.now(),
	}
	attempts, rbErr := m.Rollback(ctx, *snap)
	rec.AttemptCount = attempts
	rec.FinishedAt = m.now()
	rec.Status = domain.ExecRolledBack
	if rbErr != nil {
		rec.Status = domain.ExecFailed
		rec.LastError = rbErr.Error()
	}
	if err := m.store.AppendExecution(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("record revert: %w", err)
	}
	return rec, rbErr
}

func revertType(live, target domain.FeePolicy) domain.DecisionType {
	if target.FeeRatePPM > live.FeeRatePPM ||
		(target.FeeRatePPM == live.FeeRatePPM && target.BaseFeeMsat > live.BaseFeeMsat) {
		return domain.DecisionIncreaseFees
	}
	return domain.DecisionDecreaseFees
}

// ─── Quarantine ─────────────────────────────────────────────────────────────

// Quarantine excludes a channel from automated execution and persists it.
func (m *Manager) Quarantine(ctx context.Context, channelID, reason, snapshotID string) error {
	rec := m.quarantine.Add(channelID, reason, snapshotID)
	metrics.QuarantinedChannels.Set(float64(m.quarantine.Len()))
	m.logger.Error("channel quarantined", "channel_id", channelID, "reason", reason)
	return m.store.SaveQuarantine(ctx, rec)
}

// IsQuarantined reports whether channelID awaits manual review.
func (m *Manager) IsQuarantined(channelID string) bool {
	return m.quarantine.IsQuarantined(channelID)
}

// Quarantined lists channels awaiting manual review.
func (m *Manager) Quarantined() []domain.QuarantineRecord {
	return m.quarantine.List()
}

// Clear releases a quarantined channel. It returns domain.ErrNotFound if the
// channel was not quarantined.
func (m *Manager) Clear(ctx context.Context, channelID string) error {
	if !m.quarantine.IsQuarantined(channelID) {
		return fmt.Errorf("quarantine %s: %w", channelID, domain.ErrNotFound)
	}
	if err := m.store.ClearQuarantine(ctx, channelID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("clear quarantine %s: %w", channelID, err)
	}
	m.quarantine.Release(channelID)
	metrics.QuarantinedChannels.Set(float64(m.quarantine.Len()))
	m.logger.Info("channel released from quarantine", "channel_id", channelID)
	return nil
}

// Load restores persisted quarantines, typically at startup.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.store.ListQuarantined(ctx)
	if err != nil {
		return fmt.Errorf("load quarantine: %w", err)
	}
	for _, r := range recs {
		m.quarantine.Restore(r)
	}
	metrics.QuarantinedChannels.Set(float64(m.quarantine.Len()))
	return nil
}

func (m *Manager) notify(ctx context.Context, ev domain.AlertEvent) {
	if m.alerter == nil {
		return
	}
	ev.At = m.now()
	if err := m.alerter.Notify(ctx, ev); err != nil {
		m.logger.Warn("alert delivery failed", "kind", ev.Kind, "channel_id", ev.ChannelID, "error", err)
	}
}
