package controlloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/chanopt/internal/app/decision"
	"github.com/tutu-network/chanopt/internal/app/executor"
	"github.com/tutu-network/chanopt/internal/app/heuristics"
	"github.com/tutu-network/chanopt/internal/app/policy"
	"github.com/tutu-network/chanopt/internal/app/rollback"
	"github.com/tutu-network/chanopt/internal/app/scoring"
	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/backend"
	"github.com/tutu-network/chanopt/internal/infra/healing"
	"github.com/tutu-network/chanopt/internal/infra/memstore"
	"github.com/tutu-network/chanopt/internal/infra/scheduler"
)

type alertLog struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (a *alertLog) Notify(_ context.Context, ev domain.AlertEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

type fixture struct {
	loop    *Loop
	backend *backend.MockBackend
	store   *memstore.Store
	alerts  *alertLog
}

// centralityOnly puts the whole weight on centrality so a channel's
// composite score equals its PeerCentrality.
func centralityOnly() domain.Weights {
	w := make(domain.Weights)
	for _, n := range domain.HeuristicNames {
		w[n] = 0
	}
	w[domain.HeuristicCentrality] = 1
	return w
}

func channel(id string, centrality float64) domain.ChannelState {
	return domain.ChannelState{
		ChannelID: id, PeerID: "peer-" + id,
		CapacitySat: 1_000_000, LocalBalanceSat: 500_000, RemoteBalanceSat: 500_000,
		Active: true, AgeDays: 10, ForwardCount30d: 40,
		BaseFeeMsat: 1000, FeeRatePPM: 500,
		PeerCentrality: &centrality,
	}
}

func newFixture(t *testing.T, dryRun bool, channels ...domain.ChannelState) *fixture {
	t.Helper()
	mock := backend.NewMockBackend(channels...)
	store := memstore.New()
	alerts := &alertLog{}

	scorer, err := scoring.NewScorer(centralityOnly())
	if err != nil {
		t.Fatal(err)
	}
	decider, err := decision.NewEngine(decision.DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	applier := executor.NewApplier(healing.NewBreakerSet(healing.CircuitBreakerConfig{
		FailureThreshold: 10, ResetTimeout: time.Minute, HalfOpenMax: 1,
	}), scheduler.NewBackoff(scheduler.RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond,
	}), nil)
	rb := rollback.NewManager(rollback.DefaultConfig(), mock, store, applier, alerts, nil)

	safety := policy.DefaultSafetyConfig()
	ledger, err := policy.NewLedger(safety)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := policy.NewValidator(safety, ledger, rb, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := executor.New(executor.Options{
		Backend: mock, Store: store, Applier: applier, Rollback: rb, Budget: ledger, DryRun: dryRun,
	})
	loop := New(Options{
		Config:     Config{Interval: time.Minute, Workers: 4, MaxStateAge: time.Hour},
		Backend:    mock,
		Heuristics: heuristics.NewEngine(heuristics.DefaultConfig(), nil),
		Scorer:     scorer,
		Decider:    decider,
		Validator:  validator,
		Executor:   exec,
		Rollback:   rb,
		Shadow:     shadow.NewLogger(store, nil),
		Alerter:    alerts,
	})
	return &fixture{loop: loop, backend: mock, store: store, alerts: alerts}
}

func entriesFor(t *testing.T, store *memstore.Store, channelID string) []domain.ShadowLogEntry {
	t.Helper()
	got, err := store.QueryShadow(context.Background(), domain.ShadowQuery{ChannelID: channelID})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

// ─── Dry Run ────────────────────────────────────────────────────────────────

func TestRunCycle_DryRunLowScoreDecreasesFeesWithoutWriting(t *testing.T) {
	f := newFixture(t, true, channel("c1", 0.2))

	sum, err := f.loop.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if sum.Scored != 1 || sum.Recorded != 1 || !sum.DryRun {
		t.Errorf("summary = %+v", sum)
	}

	entries := entriesFor(t, f.store, "c1")
	if len(entries) != 1 {
		t.Fatalf("shadow entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if got := e.Decision.Type(); got != domain.DecisionDecreaseFees {
		t.Errorf("decision = %s, want DECREASE_FEES", got)
	}
	if e.Score.Value < 0.199 || e.Score.Value > 0.201 {
		t.Errorf("composite = %v, want 0.2", e.Score.Value)
	}
	if !e.Validation.Approved {
		t.Errorf("validation rejected: %v", e.Validation.ViolatedRules)
	}
	if e.Execution == nil || e.Execution.Status != domain.ExecSucceeded || !e.Execution.DryRun {
		t.Errorf("execution = %+v, want synthetic SUCCEEDED", e.Execution)
	}
	if !e.DryRun {
		t.Error("entry.DryRun = false, want true")
	}
	if n := f.backend.Calls(backend.EndpointApplyPolicy); n != 0 {
		t.Errorf("ApplyPolicy calls = %d, want 0 in dry run", n)
	}
	if got := f.backend.Policy("c1").FeeRatePPM; got != 500 {
		t.Errorf("live fee rate = %d, want unchanged 500", got)
	}
}

func TestRunCycle_EveryValidChannelLogged(t *testing.T) {
	stale := channel("stale", 0.2)
	stale.ObservedAt = time.Now().Add(-2 * time.Hour)
	broken := channel("broken", 0.2)
	broken.LocalBalanceSat = 900_000 // local + remote > capacity
	dead := channel("dead", 0.02)
	dead.AgeDays, dead.ForwardCount30d = 200, 0

	f := newFixture(t, true,
		channel("a", 0.9), channel("b", 0.2), channel("c", 0.6), stale, broken, dead)

	sum, err := f.loop.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if sum.Channels != 6 || sum.Skipped != 2 || sum.Scored != 4 || sum.Recorded != 4 {
		t.Errorf("summary = %+v", sum)
	}
	for _, id := range []string{"a", "b", "c", "dead"} {
		entries := entriesFor(t, f.store, id)
		if len(entries) != 1 {
			t.Errorf("%s: shadow entries = %d, want 1", id, len(entries))
			continue
		}
		if entries[0].CycleID != sum.CycleID || !entries[0].DryRun {
			t.Errorf("%s: entry = %+v", id, entries[0])
		}
	}
	for _, id := range []string{"stale", "broken"} {
		if n := len(entriesFor(t, f.store, id)); n != 0 {
			t.Errorf("%s: shadow entries = %d, want 0 for skipped channel", id, n)
		}
	}
	if sum.ByDecision[domain.DecisionNoAction] != 2 || sum.ByDecision[domain.DecisionClose] != 1 {
		t.Errorf("ByDecision = %v", sum.ByDecision)
	}

	f.alerts.mu.Lock()
	defer f.alerts.mu.Unlock()
	if len(f.alerts.events) != 1 || f.alerts.events[0].Kind != domain.AlertCloseDecided ||
		f.alerts.events[0].ChannelID != "dead" {
		t.Errorf("alerts = %+v, want one CLOSE_DECIDED for dead", f.alerts.events)
	}
}

func TestRunCycle_CooldownRejectsSecondCycle(t *testing.T) {
	f := newFixture(t, true, channel("c1", 0.2))
	ctx := context.Background()
	if _, err := f.loop.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond) // distinct decision timestamp
	sum, err := f.loop.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1 (cooldown)", sum.Rejected)
	}
	entries := entriesFor(t, f.store, "c1")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	second := entries[1]
	if second.Execution != nil {
		t.Errorf("rejected decision should not execute: %+v", second.Execution)
	}
	found := false
	for _, r := range second.Validation.ViolatedRules {
		found = found || r == domain.RuleCooldownActive
	}
	if !found {
		t.Errorf("ViolatedRules = %v, want cooldown_active", second.Validation.ViolatedRules)
	}
}

// ─── Live ───────────────────────────────────────────────────────────────────

func TestRunCycle_LiveAppliesAndRollsBack(t *testing.T) {
	f := newFixture(t, false, channel("ok", 0.2), channel("flaky", 0.2))
	transient := func() error {
		return domain.Transient(backend.EndpointApplyPolicy, "flaky", 503, errors.New("unavailable"))
	}
	f.backend.FailNext(backend.EndpointApplyPolicy, transient(), transient(), transient())
	// The failure queue is shared across channels, so only flaky may call first.
	f.loop.cfg.Workers = 1

	sum, err := f.loop.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if sum.ByStatus[domain.ExecRolledBack] != 1 || sum.ByStatus[domain.ExecSucceeded] != 1 {
		t.Errorf("ByStatus = %v, want one ROLLED_BACK and one SUCCEEDED", sum.ByStatus)
	}
	if got := f.backend.Policy("flaky").FeeRatePPM; got != 500 {
		t.Errorf("flaky fee rate = %d, want restored 500", got)
	}
	if got := f.backend.Policy("ok").FeeRatePPM; got != 425 {
		t.Errorf("ok fee rate = %d, want 425", got)
	}
}

// ─── Scheduling ─────────────────────────────────────────────────────────────

func TestRunCycle_DeadlineDefersWithoutLogging(t *testing.T) {
	f := newFixture(t, true, channel("a", 0.2), channel("b", 0.2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.loop.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if sum.Deferred != 2 || sum.Recorded != 0 {
		t.Errorf("summary = %+v, want 2 deferred and nothing recorded", sum)
	}
	if got, _ := f.store.QueryShadow(context.Background(), domain.ShadowQuery{}); len(got) != 0 {
		t.Errorf("shadow entries = %d, want 0", len(got))
	}
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	f := newFixture(t, true, channel("a", 0.9))
	f.loop.running.Lock()
	defer f.loop.running.Unlock()
	if _, err := f.loop.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("RunCycle() = %v, want ErrCycleInProgress", err)
	}
}

func TestRunCycle_ReadStateFailure(t *testing.T) {
	f := newFixture(t, true, channel("a", 0.9))
	f.backend.FailNext(backend.EndpointReadState,
		domain.Transient(backend.EndpointReadState, "", 503, errors.New("down")))
	if _, err := f.loop.RunCycle(context.Background()); err == nil {
		t.Error("RunCycle() error = nil, want read failure")
	}
	if f.loop.LastSummary() != nil {
		t.Error("failed cycle should not replace the last summary")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, true, channel("a", 0.9))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for f.loop.LastSummary() == nil {
		select {
		case <-deadline:
			t.Fatal("no cycle completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
