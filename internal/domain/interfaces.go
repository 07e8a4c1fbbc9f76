package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Backend is the channel-management service that owns live channel state.
// Transport, authentication, and request pacing live in the implementation.
type Backend interface {
	// ReadState returns every channel the node currently has.
	ReadState(ctx context.Context) ([]ChannelState, error)

	// ReadPolicy fetches the live fee policy of one channel.
	ReadPolicy(ctx context.Context, channelID string) (FeePolicy, error)

	// ApplyPolicy sets the fee policy of one channel.
	ApplyPolicy(ctx context.Context, channelID string, policy FeePolicy) error

	// Rebalance moves liquidity within one channel.
	Rebalance(ctx context.Context, channelID string, params Rebalance) error

	// CloseChannel cooperatively closes one channel.
	CloseChannel(ctx context.Context, channelID string) error
}

// Store is the durable record of decisions, executions, snapshots, and quarantines.
type Store interface {
	AppendShadowEntry(ctx context.Context, e ShadowLogEntry) error
	QueryShadow(ctx context.Context, q ShadowQuery) ([]ShadowLogEntry, error)

	AppendExecution(ctx context.Context, r ExecutionRecord) error
	CountExecutionsSince(ctx context.Context, since time.Time, dryRun bool) (int, error)
	ListExecutionsSince(ctx context.Context, since time.Time, dryRun bool) ([]ExecutionRecord, error)

	SaveSnapshot(ctx context.Context, s Snapshot) error
	GetLatestSnapshot(ctx context.Context, channelID string) (*Snapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int, error)

	SaveQuarantine(ctx context.Context, q QuarantineRecord) error
	ClearQuarantine(ctx context.Context, channelID string) error
	ListQuarantined(ctx context.Context) ([]QuarantineRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// AlertKind classifies events sent to the alerting collaborator.
type AlertKind string

const (
	AlertCloseDecided   AlertKind = "CLOSE_DECIDED"
	AlertRolledBack     AlertKind = "ROLLED_BACK"
	AlertRollbackFailed AlertKind = "ROLLBACK_FAILED"
	AlertBreakerOpen    AlertKind = "BREAKER_OPEN"
)

// AlertEvent is a structured notification. The Alerter picks the delivery channel.
type AlertEvent struct {
	Kind      AlertKind         `json:"kind"`
	ChannelID string            `json:"channel_id,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}

// Alerter receives structured events. Implementations must not block for long.
type Alerter interface {
	Notify(ctx context.Context, ev AlertEvent) error
}
