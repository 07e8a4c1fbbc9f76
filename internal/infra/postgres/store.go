// Package postgres is a domain.Store on a pgx connection pool, for
// deployments that share one database between several operators' tools.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutu-network/chanopt/internal/domain"
)

// Store implements domain.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
create table if not exists chanopt_shadow_log (
  id text primary key,
  cycle_id text not null,
  channel_id text not null,
  decision_type text not null,
  dry_run boolean not null,
  recorded_at timestamptz not null,
  entry jsonb not null
);
create index if not exists chanopt_shadow_recorded_idx on chanopt_shadow_log (recorded_at);
create index if not exists chanopt_shadow_type_idx on chanopt_shadow_log (decision_type, recorded_at);

create table if not exists chanopt_executions (
  id bigserial primary key,
  decision_id text not null,
  channel_id text not null,
  decision_type text not null,
  snapshot_id text not null default '',
  status text not null,
  attempt_count integer not null,
  last_error text not null default '',
  dry_run boolean not null,
  started_at timestamptz not null,
  finished_at timestamptz null
);
create index if not exists chanopt_executions_started_idx on chanopt_executions (dry_run, started_at);

create table if not exists chanopt_snapshots (
  id text primary key,
  channel_id text not null,
  base_fee_msat bigint not null,
  fee_rate_ppm bigint not null,
  captured_at timestamptz not null
);
create index if not exists chanopt_snapshots_channel_idx on chanopt_snapshots (channel_id, captured_at);

create table if not exists chanopt_quarantine (
  channel_id text primary key,
  reason text not null,
  snapshot_id text not null default '',
  started_at timestamptz not null
);
`)
	return err
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─── Shadow Log ─────────────────────────────────────────────────────────────

func (s *Store) AppendShadowEntry(ctx context.Context, e domain.ShadowLogEntry) error {
	query, args, err := buildInsertShadow(e)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shadow entry %s: %w", e.ID, domain.ErrDuplicateEntry)
	}
	return nil
}

func buildInsertShadow(e domain.ShadowLogEntry) (string, []any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("encode shadow entry: %w", err)
	}
	query := `
insert into chanopt_shadow_log (id, cycle_id, channel_id, decision_type, dry_run, recorded_at, entry)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (id) do nothing
`
	args := []any{e.ID, e.CycleID, e.Channel.ChannelID, string(e.Decision.Type()), e.DryRun, e.RecordedAt, raw}
	return query, args, nil
}

func (s *Store) QueryShadow(ctx context.Context, q domain.ShadowQuery) ([]domain.ShadowLogEntry, error) {
	query, args := buildQueryShadow(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ShadowLogEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e domain.ShadowLogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode shadow entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildQueryShadow(q domain.ShadowQuery) (string, []any) {
	query := `select entry from chanopt_shadow_log where true`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" and %s $%d", cond, len(args))
	}
	if !q.From.IsZero() {
		add("recorded_at >=", q.From)
	}
	if !q.To.IsZero() {
		add("recorded_at <", q.To)
	}
	if q.Type != "" {
		add("decision_type =", string(q.Type))
	}
	if q.ChannelID != "" {
		add("channel_id =", q.ChannelID)
	}
	query += " order by recorded_at asc, id asc"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	return query, args
}

// ─── Executions ─────────────────────────────────────────────────────────────

func (s *Store) AppendExecution(ctx context.Context, r domain.ExecutionRecord) error {
	query, args := buildInsertExecution(r)
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

func buildInsertExecution(r domain.ExecutionRecord) (string, []any) {
	query := `
insert into chanopt_executions (
  decision_id,
  channel_id,
  decision_type,
  snapshot_id,
  status,
  attempt_count,
  last_error,
  dry_run,
  started_at,
  finished_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	args := []any{
		r.DecisionID,
		r.ChannelID,
		string(r.Type),
		r.SnapshotID,
		string(r.Status),
		r.AttemptCount,
		r.LastError,
		r.DryRun,
		r.StartedAt,
		nullableTime(r.FinishedAt),
	}
	return query, args
}

func (s *Store) CountExecutionsSince(ctx context.Context, since time.Time, dryRun bool) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
select count(*) from chanopt_executions
where dry_run = $1 and started_at >= $2 and status in ($3, $4)
`, dryRun, since, string(domain.ExecSucceeded), string(domain.ExecExecuting)).Scan(&n)
	return int(n), err
}

func (s *Store) ListExecutionsSince(ctx context.Context, since time.Time, dryRun bool) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
select decision_id, channel_id, decision_type, snapshot_id, status,
  attempt_count, last_error, dry_run, started_at, finished_at
from chanopt_executions
where dry_run = $1 and started_at >= $2
order by started_at asc, id asc
`, dryRun, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var typ, status string
		var attempts int32
		var finished pgtype.Timestamptz
		if err := rows.Scan(&r.DecisionID, &r.ChannelID, &typ, &r.SnapshotID, &status,
			&attempts, &r.LastError, &r.DryRun, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.Type = domain.DecisionType(typ)
		r.Status = domain.ExecutionStatus(status)
		r.AttemptCount = int(attempts)
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
insert into chanopt_snapshots (id, channel_id, base_fee_msat, fee_rate_ppm, captured_at)
values ($1,$2,$3,$4,$5)
`, snap.ID, snap.ChannelID, snap.BaseFeeMsat, snap.FeeRatePPM, snap.CapturedAt)
	return err
}

func (s *Store) GetLatestSnapshot(ctx context.Context, channelID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.pool.QueryRow(ctx, `
select id, channel_id, base_fee_msat, fee_rate_ppm, captured_at
from chanopt_snapshots
where channel_id = $1
order by captured_at desc
limit 1
`, channelID).Scan(&snap.ID, &snap.ChannelID, &snap.BaseFeeMsat, &snap.FeeRatePPM, &snap.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshotsBefore keeps the newest snapshot of every channel.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, buildDeleteSnapshots(), before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func buildDeleteSnapshots() string {
	return `
delete from chanopt_snapshots s
where s.captured_at < $1
  and s.captured_at < (
    select max(s2.captured_at) from chanopt_snapshots s2 where s2.channel_id = s.channel_id
  )
`
}

// ─── Quarantine ─────────────────────────────────────────────────────────────

func (s *Store) SaveQuarantine(ctx context.Context, q domain.QuarantineRecord) error {
	_, err := s.pool.Exec(ctx, `
insert into chanopt_quarantine (channel_id, reason, snapshot_id, started_at)
values ($1,$2,$3,$4)
on conflict (channel_id) do update set
  reason = excluded.reason,
  snapshot_id = excluded.snapshot_id,
  started_at = excluded.started_at
`, q.ChannelID, q.Reason, q.SnapshotID, q.StartedAt)
	return err
}

func (s *Store) ClearQuarantine(ctx context.Context, channelID string) error {
	tag, err := s.pool.Exec(ctx, `delete from chanopt_quarantine where channel_id = $1`, channelID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("quarantine %s: %w", channelID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListQuarantined(ctx context.Context) ([]domain.QuarantineRecord, error) {
	rows, err := s.pool.Query(ctx, `
select channel_id, reason, snapshot_id, started_at
from chanopt_quarantine
order by channel_id asc
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QuarantineRecord
	for rows.Next() {
		var q domain.QuarantineRecord
		if err := rows.Scan(&q.ChannelID, &q.Reason, &q.SnapshotID, &q.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

var _ domain.Store = (*Store)(nil)
