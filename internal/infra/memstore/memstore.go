// Package memstore is an in-memory domain.Store for tests and one-shot dry
// runs. Nothing survives the process.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// Store implements domain.Store in memory.
type Store struct {
	mu         sync.RWMutex
	shadow     []domain.ShadowLogEntry
	shadowIDs  map[string]bool
	executions []domain.ExecutionRecord
	snapshots  map[string][]domain.Snapshot // channel ID → oldest first
	quarantine map[string]domain.QuarantineRecord
	closed     bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		shadowIDs:  make(map[string]bool),
		snapshots:  make(map[string][]domain.Snapshot),
		quarantine: make(map[string]domain.QuarantineRecord),
	}
}

func (s *Store) AppendShadowEntry(ctx context.Context, e domain.ShadowLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadowIDs[e.ID] {
		return fmt.Errorf("shadow entry %s: %w", e.ID, domain.ErrDuplicateEntry)
	}
	s.shadowIDs[e.ID] = true
	s.shadow = append(s.shadow, e)
	return nil
}

func (s *Store) QueryShadow(ctx context.Context, q domain.ShadowQuery) ([]domain.ShadowLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ShadowLogEntry
	for _, e := range s.shadow {
		if !q.From.IsZero() && e.RecordedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !e.RecordedAt.Before(q.To) {
			continue
		}
		if q.Type != "" && e.Decision.Type() != q.Type {
			continue
		}
		if q.ChannelID != "" && e.Channel.ChannelID != q.ChannelID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) AppendExecution(ctx context.Context, r domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, r)
	return nil
}

func (s *Store) CountExecutionsSince(ctx context.Context, since time.Time, dryRun bool) (int, error) {
	recs, err := s.ListExecutionsSince(ctx, since, dryRun)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Status == domain.ExecSucceeded || r.Status == domain.ExecExecuting {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListExecutionsSince(ctx context.Context, since time.Time, dryRun bool) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExecutionRecord
	for _, r := range s.executions {
		if r.DryRun == dryRun && !r.StartedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.snapshots[snap.ChannelID], snap)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CapturedAt.Before(list[j].CapturedAt) })
	s.snapshots[snap.ChannelID] = list
	return nil
}

func (s *Store) GetLatestSnapshot(ctx context.Context, channelID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[channelID]
	if len(list) == 0 {
		return nil, nil
	}
	snap := list[len(list)-1]
	return &snap, nil
}

// DeleteSnapshotsBefore removes old snapshots but keeps each channel's newest.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, list := range s.snapshots {
		keep := list[:0]
		for i, snap := range list {
			if i < len(list)-1 && snap.CapturedAt.Before(before) {
				n++
				continue
			}
			keep = append(keep, snap)
		}
		s.snapshots[id] = keep
	}
	return n, nil
}

func (s *Store) SaveQuarantine(ctx context.Context, q domain.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[q.ChannelID] = q
	return nil
}

func (s *Store) ClearQuarantine(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quarantine[channelID]; !ok {
		return fmt.Errorf("quarantine %s: %w", channelID, domain.ErrNotFound)
	}
	delete(s.quarantine, channelID)
	return nil
}

func (s *Store) ListQuarantined(ctx context.Context) ([]domain.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.QuarantineRecord, 0, len(s.quarantine))
	for _, q := range s.quarantine {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memstore: closed")
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Executions returns every appended execution record (test helper).
func (s *Store) Executions() []domain.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ExecutionRecord(nil), s.executions...)
}
