// Package healing implements the failure-containment primitives used around
// backend writes: per-endpoint circuit breakers and channel quarantine.
//
// Circuit Breaker states:
//   - CLOSED    (normal)   → consecutive failures reach threshold → OPEN
//   - OPEN      (blocking) → after reset timeout → HALF_OPEN
//   - HALF_OPEN (probing)  → probe succeeds → CLOSED, probe fails → OPEN
//
// Quarantine has no expiry: a channel whose rollback failed stays excluded
// from automated execution until an operator releases it.
package healing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Circuit Breaker
// ═══════════════════════════════════════════════════════════════════════════

// CBState represents the circuit breaker state.
type CBState int

const (
	CBClosed   CBState = iota // Normal operation, requests pass through
	CBOpen                    // Tripped, all requests rejected immediately
	CBHalfOpen                // Recovery probe, limited traffic allowed
)

// String returns a human-readable circuit breaker state.
func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "CLOSED"
	case CBOpen:
		return "OPEN"
	case CBHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s CBState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures to trip (default 5)
	ResetTimeout     time.Duration // time in OPEN before trying HALF_OPEN (default 60s)
	HalfOpenMax      int           // successful probes needed to close (default 1)
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to CBState)

// CircuitBreaker implements the circuit breaker pattern.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	mu         sync.Mutex
	name       string
	config     CircuitBreakerConfig
	state      CBState
	failures   int // consecutive failures while CLOSED
	successes  int // successes in HALF_OPEN state
	trippedAt  time.Time
	totalTrips int
	onChange   StateChangeFunc
	now        func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a circuit breaker with the given name and config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  CBClosed,
		now:    time.Now,
	}
}

// Name returns the breaker name (the backend endpoint it guards).
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow checks whether a request should be permitted.
// Returns an error wrapping ErrCircuitOpen if the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()
	if cb.state == CBOpen {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.transitionLocked(CBClosed)
		}
	case CBClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request. May trip the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(CBOpen)
		}
	case CBHalfOpen:
		// Any failure in half-open → back to open
		cb.transitionLocked(CBOpen)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// Snapshot is a point-in-time view of the circuit breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      CBState   `json:"state"`
	Failures   int       `json:"failures"`
	TotalTrips int       `json:"total_trips"`
	TrippedAt  time.Time `json:"tripped_at,omitempty"`
}

// Snapshot returns the current state snapshot.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return Snapshot{
		Name:       cb.name,
		State:      cb.state,
		Failures:   cb.failures,
		TotalTrips: cb.totalTrips,
		TrippedAt:  cb.trippedAt,
	}
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CBClosed)
}

// advanceLocked moves OPEN → HALF_OPEN once the reset timeout has elapsed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == CBOpen && cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
		cb.transitionLocked(CBHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CBState) {
	from := cb.state
	cb.state = to
	switch to {
	case CBOpen:
		cb.trippedAt = cb.now()
		cb.totalTrips++
		cb.successes = 0
	case CBHalfOpen:
		cb.successes = 0
	case CBClosed:
		cb.failures = 0
		cb.successes = 0
	}
	if from != to && cb.onChange != nil {
		// Called under the lock; observers must not call back into the breaker.
		cb.onChange(cb.name, from, to)
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ─── Breaker Set ────────────────────────────────────────────────────────────

// BreakerSet holds one breaker per backend endpoint, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	onChange StateChangeFunc
	now      func() time.Time
}

// NewBreakerSet creates an empty set sharing cfg.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   cfg,
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
}

// OnStateChange registers an observer for all breakers in the set.
// Must be called before the first For.
func (s *BreakerSet) OnStateChange(fn StateChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// For returns the breaker guarding endpoint.
func (s *BreakerSet) For(endpoint string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[endpoint]
	if !ok {
		cb = NewCircuitBreaker(endpoint, s.config)
		cb.onChange = s.onChange
		cb.now = s.now
		s.breakers[endpoint] = cb
	}
	return cb
}

// Snapshots returns every breaker's state, sorted by name.
func (s *BreakerSet) Snapshots() []Snapshot {
	s.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		list = append(list, cb)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Quarantine
// ═══════════════════════════════════════════════════════════════════════════

// Quarantine is the in-memory set of channels awaiting manual review.
type Quarantine struct {
	mu      sync.RWMutex
	records map[string]domain.QuarantineRecord
	now     func() time.Time
}

// NewQuarantine creates an empty quarantine.
func NewQuarantine() *Quarantine {
	return &Quarantine{
		records: make(map[string]domain.QuarantineRecord),
		now:     time.Now,
	}
}

// Add quarantines a channel. An existing record is kept unchanged.
func (q *Quarantine) Add(channelID, reason, snapshotID string) domain.QuarantineRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.records[channelID]; ok {
		return rec
	}
	rec := domain.QuarantineRecord{
		ChannelID:  channelID,
		Reason:     reason,
		SnapshotID: snapshotID,
		StartedAt:  q.now(),
	}
	q.records[channelID] = rec
	return rec
}

// Restore loads a record read back from storage.
func (q *Quarantine) Restore(rec domain.QuarantineRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records[rec.ChannelID] = rec
}

// IsQuarantined checks if a channel is currently quarantined.
func (q *Quarantine) IsQuarantined(channelID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.records[channelID]
	return ok
}

// Get returns the record for a channel, if any.
func (q *Quarantine) Get(channelID string) (domain.QuarantineRecord, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[channelID]
	return rec, ok
}

// Release manually releases a channel. Reports whether it was quarantined.
func (q *Quarantine) Release(channelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.records[channelID]
	delete(q.records, channelID)
	return ok
}

// List returns all records ordered by start time.
func (q *Quarantine) List() []domain.QuarantineRecord {
	q.mu.RLock()
	out := make([]domain.QuarantineRecord, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, r)
	}
	q.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// Len returns the number of quarantined channels.
func (q *Quarantine) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.records)
}
