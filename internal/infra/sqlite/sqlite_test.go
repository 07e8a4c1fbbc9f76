package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), DefaultFile))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("%s should exist", path)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	db.SaveQuarantine(ctx, domain.QuarantineRecord{ChannelID: "c1", Reason: "rollback failed", StartedAt: t0})
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	list, err := db.ListQuarantined(ctx)
	if err != nil || len(list) != 1 || list[0].Reason != "rollback failed" {
		t.Errorf("ListQuarantined() after reopen = %+v, %v", list, err)
	}
	if !list[0].StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", list[0].StartedAt, t0)
	}
}

// ─── Shadow Log ─────────────────────────────────────────────────────────────

func entry(id, channelID string, p domain.Params, at time.Time) domain.ShadowLogEntry {
	return domain.ShadowLogEntry{
		ID:       id,
		CycleID:  "cycle-1",
		Channel:  domain.ChannelSummary{ChannelID: channelID, CapacitySat: 1_000_000},
		Score:    domain.CompositeScore{ChannelID: channelID, Value: 0.2},
		Decision: domain.Decision{ID: "d-" + id, ChannelID: channelID, Params: p, Confidence: domain.ConfidenceHigh},
		Validation: domain.ValidationResult{
			DecisionID: "d-" + id, Approved: true, EffectiveParams: p,
			ViolatedRules: []string{domain.RuleFeeRateClamped},
		},
		DryRun:     true,
		RecordedAt: at,
	}
}

func TestShadow_RoundTripPreservesParams(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fees := domain.DecreaseFees{Policy: domain.FeePolicy{BaseFeeMsat: 1000, FeeRatePPM: 425}}
	e := entry("e1", "c1", fees, t0)
	e.Execution = &domain.ExecutionRecord{DecisionID: "d-e1", Status: domain.ExecSucceeded, DryRun: true, StartedAt: t0}

	if err := db.AppendShadowEntry(ctx, e); err != nil {
		t.Fatalf("AppendShadowEntry() error: %v", err)
	}
	got, err := db.QueryShadow(ctx, domain.ShadowQuery{})
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryShadow() = %d entries, %v", len(got), err)
	}
	g := got[0]
	if g.Decision.Params != domain.Params(fees) {
		t.Errorf("Params = %#v, want %#v", g.Decision.Params, fees)
	}
	if g.Validation.EffectiveParams != domain.Params(fees) || len(g.Validation.ViolatedRules) != 1 {
		t.Errorf("Validation = %+v", g.Validation)
	}
	if g.Execution == nil || g.Execution.Status != domain.ExecSucceeded {
		t.Errorf("Execution = %+v", g.Execution)
	}
	if !g.RecordedAt.Equal(t0) || !g.DryRun {
		t.Errorf("RecordedAt = %v, DryRun = %v", g.RecordedAt, g.DryRun)
	}
}

func TestShadow_AppendOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := entry("e1", "c1", domain.NoAction{}, t0)
	if err := db.AppendShadowEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Decision.Reasoning = "rewritten"
	if err := db.AppendShadowEntry(ctx, e); !errors.Is(err, domain.ErrDuplicateEntry) {
		t.Errorf("second append = %v, want ErrDuplicateEntry", err)
	}
	got, _ := db.QueryShadow(ctx, domain.ShadowQuery{})
	if len(got) != 1 || got[0].Decision.Reasoning == "rewritten" {
		t.Errorf("entry was modified: %+v", got)
	}
}

func TestShadow_QueryFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.AppendShadowEntry(ctx, entry("e1", "c1", domain.NoAction{}, t0))
	db.AppendShadowEntry(ctx, entry("e2", "c2", domain.CloseChannel{}, t0.Add(time.Hour)))
	db.AppendShadowEntry(ctx, entry("e3", "c1", domain.CloseChannel{}, t0.Add(2*time.Hour)))

	tests := []struct {
		name string
		q    domain.ShadowQuery
		want []string
	}{
		{"all", domain.ShadowQuery{}, []string{"e1", "e2", "e3"}},
		{"by type", domain.ShadowQuery{Type: domain.DecisionClose}, []string{"e2", "e3"}},
		{"by channel", domain.ShadowQuery{ChannelID: "c1"}, []string{"e1", "e3"}},
		{"range end exclusive", domain.ShadowQuery{From: t0, To: t0.Add(time.Hour)}, []string{"e1"}},
		{"range start inclusive", domain.ShadowQuery{From: t0.Add(time.Hour)}, []string{"e2", "e3"}},
		{"limit", domain.ShadowQuery{Limit: 2}, []string{"e1", "e2"}},
		{"combined", domain.ShadowQuery{Type: domain.DecisionClose, ChannelID: "c1"}, []string{"e3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.QueryShadow(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("entry[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

// ─── Executions ─────────────────────────────────────────────────────────────

func TestExecutions_CountAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	recs := []domain.ExecutionRecord{
		{DecisionID: "a", ChannelID: "c1", Type: domain.DecisionIncreaseFees, Status: domain.ExecSucceeded, AttemptCount: 1, StartedAt: t0, FinishedAt: t0.Add(time.Second)},
		{DecisionID: "b", ChannelID: "c2", Type: domain.DecisionIncreaseFees, Status: domain.ExecRolledBack, AttemptCount: 3, LastError: "503", StartedAt: t0.Add(time.Minute)},
		{DecisionID: "c", ChannelID: "c3", Type: domain.DecisionClose, Status: domain.ExecSucceeded, DryRun: true, StartedAt: t0},
		{DecisionID: "d", ChannelID: "c4", Type: domain.DecisionRebalance, Status: domain.ExecSucceeded, StartedAt: t0.Add(-time.Hour)},
	}
	for _, r := range recs {
		if err := db.AppendExecution(ctx, r); err != nil {
			t.Fatalf("AppendExecution(%s) error: %v", r.DecisionID, err)
		}
	}

	if n, err := db.CountExecutionsSince(ctx, t0, false); err != nil || n != 1 {
		t.Errorf("CountExecutionsSince(live) = %d, %v, want 1", n, err)
	}
	if n, _ := db.CountExecutionsSince(ctx, t0, true); n != 1 {
		t.Errorf("CountExecutionsSince(dry) = %d, want 1", n)
	}

	list, err := db.ListExecutionsSince(ctx, t0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].DecisionID != "a" || list[1].DecisionID != "b" {
		t.Fatalf("ListExecutionsSince() = %+v", list)
	}
	b := list[1]
	if b.Status != domain.ExecRolledBack || b.AttemptCount != 3 || b.LastError != "503" || !b.FinishedAt.IsZero() {
		t.Errorf("record b = %+v", b)
	}
	if !list[0].FinishedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("FinishedAt = %v", list[0].FinishedAt)
	}
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

func TestSnapshots_LatestAndPrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if s, err := db.GetLatestSnapshot(ctx, "c1"); s != nil || err != nil {
		t.Errorf("GetLatestSnapshot(empty) = %+v, %v, want nil, nil", s, err)
	}

	for i, id := range []string{"s1", "s2", "s3"} {
		db.SaveSnapshot(ctx, domain.Snapshot{ID: id, ChannelID: "c1", FeeRatePPM: int64(100 * (i + 1)),
			CapturedAt: t0.Add(time.Duration(i) * 24 * time.Hour)})
	}
	db.SaveSnapshot(ctx, domain.Snapshot{ID: "only", ChannelID: "c2", CapturedAt: t0})

	latest, err := db.GetLatestSnapshot(ctx, "c1")
	if err != nil || latest == nil || latest.ID != "s3" || latest.FeeRatePPM != 300 {
		t.Fatalf("GetLatestSnapshot() = %+v, %v", latest, err)
	}

	n, err := db.DeleteSnapshotsBefore(ctx, t0.Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DeleteSnapshotsBefore() = %d, want 2 (newest per channel kept)", n)
	}
	if s, _ := db.GetLatestSnapshot(ctx, "c2"); s == nil || s.ID != "only" {
		t.Errorf("c2 snapshot = %+v, want kept", s)
	}
	if s, _ := db.GetLatestSnapshot(ctx, "c1"); s == nil || s.ID != "s3" {
		t.Errorf("c1 snapshot = %+v, want s3", s)
	}
}

// ─── Quarantine ─────────────────────────────────────────────────────────────

func TestQuarantine_SaveClear(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SaveQuarantine(ctx, domain.QuarantineRecord{ChannelID: "b", Reason: "first", StartedAt: t0})
	db.SaveQuarantine(ctx, domain.QuarantineRecord{ChannelID: "a", Reason: "x", StartedAt: t0})
	db.SaveQuarantine(ctx, domain.QuarantineRecord{ChannelID: "b", Reason: "second", SnapshotID: "s9", StartedAt: t0})

	list, _ := db.ListQuarantined(ctx)
	if len(list) != 2 || list[0].ChannelID != "a" || list[1].Reason != "second" || list[1].SnapshotID != "s9" {
		t.Errorf("ListQuarantined() = %+v", list)
	}
	if err := db.ClearQuarantine(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := db.ClearQuarantine(ctx, "b"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ClearQuarantine(absent) = %v, want ErrNotFound", err)
	}
}
