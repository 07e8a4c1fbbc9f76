package policy

import (
	"sync"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// Ledger owns the shared execution budget and per-channel cooldowns.
// Admit checks and reserves under one lock, so concurrently validated
// decisions can never overrun MaxChangesPerDay.
//
// Budget slots are counted for reserved (EXECUTING) and committed
// (SUCCEEDED) executions. Released executions free their slot but still
// start the channel's cooldown.
type Ledger struct {
	mu       sync.Mutex
	max      int
	cooldown time.Duration
	window   string
	loc      *time.Location
	now      func() time.Time // injectable clock for testing

	reserved map[string]reservation // decision ID → reservation
	inFlight map[string]string      // channel ID → decision ID
	lastDone map[string]time.Time   // channel ID → last completion
	changes  []time.Time            // committed changes, oldest first
}

type reservation struct {
	channelID string
	at        time.Time
}

// NewLedger creates a ledger enforcing cfg's budget and cooldown.
func NewLedger(cfg SafetyConfig) (*Ledger, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, domain.NewConfigError("safety.budget_timezone", "%v", err)
	}
	window := cfg.BudgetWindow
	if window == "" {
		window = WindowRolling
	}
	return &Ledger{
		max:      cfg.MaxChangesPerDay,
		cooldown: cfg.Cooldown(),
		window:   window,
		loc:      loc,
		now:      time.Now,
		reserved: make(map[string]reservation),
		inFlight: make(map[string]string),
		lastDone: make(map[string]time.Time),
	}, nil
}

// WindowStart returns the earliest instant still counted against the budget.
func (l *Ledger) WindowStart(now time.Time) time.Time {
	if l.window == WindowCalendar {
		local := now.In(l.loc)
		y, m, d := local.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
	}
	return now.Add(-24 * time.Hour)
}

// Admit reserves a budget slot for decisionID on channelID. On refusal it
// returns the violated rule. Admitting the same decision twice is a no-op.
func (l *Ledger) Admit(decisionID, channelID string) (rule string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.reserved[decisionID]; held {
		return "", true
	}
	now := l.now()
	if _, busy := l.inFlight[channelID]; busy {
		return domain.RuleChannelBusy, false
	}
	if last, seen := l.lastDone[channelID]; seen && l.cooldown > 0 && now.Sub(last) < l.cooldown {
		return domain.RuleCooldownActive, false
	}
	l.pruneLocked(now)
	if len(l.changes)+len(l.reserved) >= l.max {
		return domain.RuleDailyBudgetExhausted, false
	}
	l.reserved[decisionID] = reservation{channelID: channelID, at: now}
	l.inFlight[channelID] = decisionID
	return "", true
}

// Commit turns a reservation into a counted change finished at at.
func (l *Ledger) Commit(decisionID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reserved[decisionID]
	if !ok {
		return
	}
	l.dropLocked(decisionID, r)
	l.lastDone[r.channelID] = at
	l.insertLocked(at)
}

// Release frees a reservation whose execution ended without a change
// (rolled back or failed). The channel's cooldown still starts at at.
func (l *Ledger) Release(decisionID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reserved[decisionID]
	if !ok {
		return
	}
	l.dropLocked(decisionID, r)
	l.lastDone[r.channelID] = at
}

// Cancel frees a reservation for an execution that never started.
func (l *Ledger) Cancel(decisionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.reserved[decisionID]; ok {
		l.dropLocked(decisionID, r)
	}
}

// Seed restores budget and cooldowns from stored execution records.
func (l *Ledger) Seed(records []domain.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		done := r.FinishedAt
		if done.IsZero() {
			done = r.StartedAt
		}
		if last, ok := l.lastDone[r.ChannelID]; !ok || done.After(last) {
			l.lastDone[r.ChannelID] = done
		}
		if r.Status == domain.ExecSucceeded {
			l.insertLocked(done)
		}
	}
	l.pruneLocked(l.now())
}

// Usage returns the slots used in the current window and the limit.
func (l *Ledger) Usage() (used, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.changes) + len(l.reserved), l.max
}

// InFlight reports whether channelID holds a reservation.
func (l *Ledger) InFlight(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inFlight[channelID]
	return ok
}

func (l *Ledger) dropLocked(decisionID string, r reservation) {
	delete(l.reserved, decisionID)
	if l.inFlight[r.channelID] == decisionID {
		delete(l.inFlight, r.channelID)
	}
}

// insertLocked keeps changes sorted; seeds may arrive out of order.
func (l *Ledger) insertLocked(at time.Time) {
	i := len(l.changes)
	for i > 0 && l.changes[i-1].After(at) {
		i--
	}
	l.changes = append(l.changes, time.Time{})
	copy(l.changes[i+1:], l.changes[i:])
	l.changes[i] = at
}

func (l *Ledger) pruneLocked(now time.Time) {
	start := l.WindowStart(now)
	i := 0
	for i < len(l.changes) && l.changes[i].Before(start) {
		i++
	}
	if i > 0 {
		l.changes = append(l.changes[:0], l.changes[i:]...)
	}
}
