package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestStore_SnapshotsKeepNewestPerChannel(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.SaveSnapshot(ctx, domain.Snapshot{ID: string(rune('a' + i)), ChannelID: "c1", FeeRatePPM: int64(i), CapturedAt: t0.Add(time.Duration(i) * time.Hour)})
	}
	latest, err := s.GetLatestSnapshot(ctx, "c1")
	if err != nil || latest == nil || latest.ID != "c" {
		t.Fatalf("GetLatestSnapshot() = %+v, %v", latest, err)
	}
	n, _ := s.DeleteSnapshotsBefore(ctx, t0.Add(10*time.Hour))
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if latest, _ := s.GetLatestSnapshot(ctx, "c1"); latest == nil || latest.ID != "c" {
		t.Errorf("newest snapshot pruned: %+v", latest)
	}
	if none, _ := s.GetLatestSnapshot(ctx, "nope"); none != nil {
		t.Errorf("GetLatestSnapshot(unknown) = %+v, want nil", none)
	}
}

func TestStore_ShadowAppendOnlyAndQuery(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := domain.ShadowLogEntry{ID: "e1", RecordedAt: t0, Decision: domain.Decision{Params: domain.NoAction{}}}
	if err := s.AppendShadowEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendShadowEntry(ctx, e); !errors.Is(err, domain.ErrDuplicateEntry) {
		t.Errorf("duplicate append = %v, want ErrDuplicateEntry", err)
	}
	s.AppendShadowEntry(ctx, domain.ShadowLogEntry{ID: "e2", RecordedAt: t0.Add(time.Hour),
		Decision: domain.Decision{Params: domain.CloseChannel{}}})

	got, _ := s.QueryShadow(ctx, domain.ShadowQuery{Type: domain.DecisionClose})
	if len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("QueryShadow(type) = %+v", got)
	}
	got, _ = s.QueryShadow(ctx, domain.ShadowQuery{From: t0, To: t0.Add(time.Minute)})
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("QueryShadow(range) = %+v", got)
	}
}

func TestStore_ExecutionsFilteredByMode(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AppendExecution(ctx, domain.ExecutionRecord{Status: domain.ExecSucceeded, StartedAt: t0})
	s.AppendExecution(ctx, domain.ExecutionRecord{Status: domain.ExecRolledBack, StartedAt: t0})
	s.AppendExecution(ctx, domain.ExecutionRecord{Status: domain.ExecSucceeded, StartedAt: t0, DryRun: true})

	if n, _ := s.CountExecutionsSince(ctx, t0, false); n != 1 {
		t.Errorf("live count = %d, want 1", n)
	}
	if n, _ := s.CountExecutionsSince(ctx, t0, true); n != 1 {
		t.Errorf("dry-run count = %d, want 1", n)
	}
	if recs, _ := s.ListExecutionsSince(ctx, t0.Add(time.Second), false); len(recs) != 0 {
		t.Errorf("ListExecutionsSince(later) = %d records, want 0", len(recs))
	}
}

func TestStore_Quarantine(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SaveQuarantine(ctx, domain.QuarantineRecord{ChannelID: "c1", Reason: "x"})
	if list, _ := s.ListQuarantined(ctx); len(list) != 1 {
		t.Fatalf("ListQuarantined() = %d, want 1", len(list))
	}
	if err := s.ClearQuarantine(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearQuarantine(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second clear = %v, want ErrNotFound", err)
	}
}
