// Package sqlite provides the default durable Store.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/chanopt/internal/domain"
)

// DefaultFile is the database file name inside the data directory.
const DefaultFile = "chanopt.db"

// DB wraps a SQLite connection with WAL mode and migrations.
// It implements domain.Store.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path.
// Enables WAL mode and a 5-second busy timeout.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Shadow log: indexed columns for queries, the full entry as JSON.
		`CREATE TABLE IF NOT EXISTS shadow_log (
			id            TEXT PRIMARY KEY,
			cycle_id      TEXT NOT NULL,
			channel_id    TEXT NOT NULL,
			decision_type TEXT NOT NULL,
			dry_run       BOOLEAN NOT NULL,
			recorded_at   INTEGER NOT NULL,
			entry         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_recorded ON shadow_log(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_type ON shadow_log(decision_type, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_channel ON shadow_log(channel_id, recorded_at)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id   TEXT NOT NULL,
			channel_id    TEXT NOT NULL,
			decision_type TEXT NOT NULL,
			snapshot_id   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error    TEXT NOT NULL DEFAULT '',
			dry_run       BOOLEAN NOT NULL,
			started_at    INTEGER NOT NULL,
			finished_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_started ON executions(dry_run, started_at)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			id            TEXT PRIMARY KEY,
			channel_id    TEXT NOT NULL,
			base_fee_msat INTEGER NOT NULL,
			fee_rate_ppm  INTEGER NOT NULL,
			captured_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snap_channel ON snapshots(channel_id, captured_at)`,

		`CREATE TABLE IF NOT EXISTS quarantine (
			channel_id  TEXT PRIMARY KEY,
			reason      TEXT NOT NULL,
			snapshot_id TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Shadow Log ─────────────────────────────────────────────────────────────

// AppendShadowEntry inserts e. An existing ID is never overwritten.
func (d *DB) AppendShadowEntry(ctx context.Context, e domain.ShadowLogEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode shadow entry: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO shadow_log (id, cycle_id, channel_id, decision_type, dry_run, recorded_at, entry)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.CycleID, e.Channel.ChannelID, string(e.Decision.Type()), e.DryRun,
		e.RecordedAt.UnixNano(), string(raw),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shadow entry %s: %w", e.ID, domain.ErrDuplicateEntry)
	}
	return nil
}

// QueryShadow returns matching entries ordered by recorded_at.
func (d *DB) QueryShadow(ctx context.Context, q domain.ShadowQuery) ([]domain.ShadowLogEntry, error) {
	where, args := shadowFilter(q)
	query := `SELECT entry FROM shadow_log` + where + ` ORDER BY recorded_at, rowid`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ShadowLogEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e domain.ShadowLogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode shadow entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func shadowFilter(q domain.ShadowQuery) (string, []any) {
	var conds []string
	var args []any
	if !q.From.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		conds = append(conds, "recorded_at < ?")
		args = append(args, q.To.UnixNano())
	}
	if q.Type != "" {
		conds = append(conds, "decision_type = ?")
		args = append(args, string(q.Type))
	}
	if q.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, q.ChannelID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ─── Executions ─────────────────────────────────────────────────────────────

// AppendExecution inserts a terminal execution record.
func (d *DB) AppendExecution(ctx context.Context, r domain.ExecutionRecord) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO executions (decision_id, channel_id, decision_type, snapshot_id, status,
			attempt_count, last_error, dry_run, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DecisionID, r.ChannelID, string(r.Type), r.SnapshotID, string(r.Status),
		r.AttemptCount, r.LastError, r.DryRun, r.StartedAt.UnixNano(), nullableNano(r.FinishedAt),
	)
	return err
}

// CountExecutionsSince counts changes that consumed budget since the given time.
func (d *DB) CountExecutionsSince(ctx context.Context, since time.Time, dryRun bool) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions
		 WHERE dry_run = ? AND started_at >= ? AND status IN (?, ?)`,
		dryRun, since.UnixNano(), string(domain.ExecSucceeded), string(domain.ExecExecuting),
	).Scan(&n)
	return n, err
}

// ListExecutionsSince returns records started at or after since, oldest first.
func (d *DB) ListExecutionsSince(ctx context.Context, since time.Time, dryRun bool) ([]domain.ExecutionRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT decision_id, channel_id, decision_type, snapshot_id, status,
			attempt_count, last_error, dry_run, started_at, finished_at
		 FROM executions WHERE dry_run = ? AND started_at >= ?
		 ORDER BY started_at, id`,
		dryRun, since.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var typ, status string
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.DecisionID, &r.ChannelID, &typ, &r.SnapshotID, &status,
			&r.AttemptCount, &r.LastError, &r.DryRun, &started, &finished); err != nil {
			return nil, err
		}
		r.Type = domain.DecisionType(typ)
		r.Status = domain.ExecutionStatus(status)
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

// SaveSnapshot stores s.
func (d *DB) SaveSnapshot(ctx context.Context, s domain.Snapshot) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, channel_id, base_fee_msat, fee_rate_ppm, captured_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.ChannelID, s.BaseFeeMsat, s.FeeRatePPM, s.CapturedAt.UnixNano(),
	)
	return err
}

// GetLatestSnapshot returns the newest snapshot of a channel, or nil if none.
func (d *DB) GetLatestSnapshot(ctx context.Context, channelID string) (*domain.Snapshot, error) {
	var s domain.Snapshot
	var captured int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, channel_id, base_fee_msat, fee_rate_ppm, captured_at
		 FROM snapshots WHERE channel_id = ?
		 ORDER BY captured_at DESC, rowid DESC LIMIT 1`, channelID,
	).Scan(&s.ID, &s.ChannelID, &s.BaseFeeMsat, &s.FeeRatePPM, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}
	s.CapturedAt = time.Unix(0, captured)
	return &s, nil
}

// DeleteSnapshotsBefore removes snapshots captured before the cutoff,
// except the newest snapshot of each channel.
func (d *DB) DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE captured_at < ?
		   AND captured_at < (SELECT MAX(s2.captured_at) FROM snapshots s2 WHERE s2.channel_id = snapshots.channel_id)`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ─── Quarantine ─────────────────────────────────────────────────────────────

// SaveQuarantine inserts or replaces the quarantine of a channel.
func (d *DB) SaveQuarantine(ctx context.Context, q domain.QuarantineRecord) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO quarantine (channel_id, reason, snapshot_id, started_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			reason=excluded.reason,
			snapshot_id=excluded.snapshot_id,
			started_at=excluded.started_at`,
		q.ChannelID, q.Reason, q.SnapshotID, q.StartedAt.UnixNano(),
	)
	return err
}

// ClearQuarantine removes a channel's quarantine.
func (d *DB) ClearQuarantine(ctx context.Context, channelID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM quarantine WHERE channel_id = ?`, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quarantine %s: %w", channelID, domain.ErrNotFound)
	}
	return nil
}

// ListQuarantined returns every quarantined channel ordered by ID.
func (d *DB) ListQuarantined(ctx context.Context) ([]domain.QuarantineRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT channel_id, reason, snapshot_id, started_at FROM quarantine ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QuarantineRecord
	for rows.Next() {
		var q domain.QuarantineRecord
		var started int64
		if err := rows.Scan(&q.ChannelID, &q.Reason, &q.SnapshotID, &started); err != nil {
			return nil, err
		}
		q.StartedAt = time.Unix(0, started)
		out = append(out, q)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func nullableNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

var _ domain.Store = (*DB)(nil)
