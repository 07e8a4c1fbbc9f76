package healing

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCBWithClock(t *testing.T, clock *fakeClock) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker("apply_policy", CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     1 * time.Second,
		HalfOpenMax:      1,
	})
	cb.now = clock.Now
	return cb
}

// ─── CBState.String ─────────────────────────────────────────────────────────

func TestCBState_String(t *testing.T) {
	tests := []struct {
		state CBState
		want  string
	}{
		{CBClosed, "CLOSED"},
		{CBOpen, "OPEN"},
		{CBHalfOpen, "HALF_OPEN"},
		{CBState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CBState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// ─── Circuit Breaker State Transitions ──────────────────────────────────────

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestCBWithClock(t, clock)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CBClosed {
		t.Fatalf("state after 2 failures = %s, want CLOSED", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CBOpen {
		t.Fatalf("state after 3 failures = %s, want OPEN", cb.State())
	}
	err := cb.Allow()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestCBWithClock(t, clock)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CBClosed {
		t.Errorf("state = %s, want CLOSED (failures were not consecutive)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeoutAndClosesOnOneSuccess(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestCBWithClock(t, clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.Advance(999 * time.Millisecond)
	if cb.State() != CBOpen {
		t.Fatalf("state before timeout = %s, want OPEN", cb.State())
	}
	clock.Advance(time.Millisecond)
	if cb.State() != CBHalfOpen {
		t.Fatalf("state after timeout = %s, want HALF_OPEN", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() in HALF_OPEN = %v, want nil", err)
	}
	cb.RecordSuccess()
	if cb.State() != CBClosed {
		t.Errorf("state after probe success = %s, want CLOSED", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestCBWithClock(t, clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()
	if cb.State() != CBOpen {
		t.Errorf("state = %s, want OPEN", cb.State())
	}
	if snap := cb.Snapshot(); snap.TotalTrips != 2 {
		t.Errorf("TotalTrips = %d, want 2", snap.TotalTrips)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestCBWithClock(t, clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.State() != CBClosed {
		t.Errorf("state after Reset = %s, want CLOSED", cb.State())
	}
}

// ─── Breaker Set ────────────────────────────────────────────────────────────

func TestBreakerSet_PerEndpointIsolation(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	var transitions []string
	set.OnStateChange(func(name string, from, to CBState) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	set.For("apply_policy").RecordFailure()
	if set.For("apply_policy").State() != CBOpen {
		t.Fatal("apply_policy breaker should be OPEN")
	}
	if set.For("rebalance").State() != CBClosed {
		t.Error("rebalance breaker should be unaffected")
	}
	if len(transitions) != 1 || transitions[0] != "apply_policy:CLOSED->OPEN" {
		t.Errorf("transitions = %v", transitions)
	}

	snaps := set.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "apply_policy" || snaps[1].Name != "rebalance" {
		t.Errorf("Snapshots() = %+v", snaps)
	}
}

// ─── Quarantine ─────────────────────────────────────────────────────────────

func TestQuarantine_AddRelease(t *testing.T) {
	q := NewQuarantine()
	if q.IsQuarantined("c1") {
		t.Fatal("fresh quarantine should be empty")
	}
	first := q.Add("c1", "rollback failed", "snap-1")
	second := q.Add("c1", "again", "snap-2")
	if second.SnapshotID != first.SnapshotID {
		t.Errorf("second Add replaced the record: %+v", second)
	}
	if !q.IsQuarantined("c1") || q.Len() != 1 {
		t.Fatal("c1 should be quarantined")
	}
	if !q.Release("c1") {
		t.Error("Release() = false, want true")
	}
	if q.Release("c1") {
		t.Error("second Release() = true, want false")
	}
	if q.IsQuarantined("c1") {
		t.Error("c1 still quarantined after release")
	}
}

func TestQuarantine_ListOrdered(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewQuarantine()
	q.now = clock.Now
	q.Add("b", "x", "")
	clock.Advance(time.Minute)
	q.Add("a", "x", "")
	list := q.List()
	if len(list) != 2 || list[0].ChannelID != "b" || list[1].ChannelID != "a" {
		t.Errorf("List() = %+v, want b then a", list)
	}
}
