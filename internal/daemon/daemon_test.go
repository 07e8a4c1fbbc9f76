package daemon

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/backend"
	"github.com/tutu-network/chanopt/internal/infra/healing"
	"github.com/tutu-network/chanopt/internal/infra/sqlite"
)

// syncBuffer is a bytes.Buffer safe for the alert goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Driver = DriverMemory
	cfg.Backend.Kind = BackendMock
	cfg.API.Port = 0
	cfg.Cycle.Interval = "1h"
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cycle.Workers = -1
	if _, err := New(context.Background(), cfg, nil, "test"); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("New() = %v, want ErrConfig", err)
	}
}

func TestNew_RunCycleWithMockBackend(t *testing.T) {
	d, err := New(context.Background(), testConfig(t), nil, "test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	mock := d.Backend.(*backend.MockBackend)
	mock.Put(domain.ChannelState{
		ChannelID: "c1", CapacitySat: 1_000_000, LocalBalanceSat: 500_000, RemoteBalanceSat: 500_000,
		Active: true, BaseFeeMsat: 1000, FeeRatePPM: 500, AgeDays: 60, ObservedAt: time.Now(),
	})

	sum, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if sum.Channels != 1 || sum.Recorded != 1 {
		t.Errorf("summary = %+v, want one channel recorded", sum)
	}
	if !sum.DryRun {
		t.Error("default config should run dry")
	}
	if d.Loop.LastSummary() == nil {
		t.Error("LastSummary() = nil after a cycle")
	}
}

func TestNew_SeedsBudgetFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanopt.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i, rec := range []domain.ExecutionRecord{
		{DecisionID: "d1", ChannelID: "c1", Status: domain.ExecSucceeded, StartedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Hour)},
		{DecisionID: "d2", ChannelID: "c2", Status: domain.ExecSucceeded, StartedAt: now.Add(-2 * time.Hour), FinishedAt: now.Add(-2 * time.Hour)},
		{DecisionID: "d3", ChannelID: "c3", Status: domain.ExecSucceeded, DryRun: true, StartedAt: now, FinishedAt: now},
		{DecisionID: "d4", ChannelID: "c4", Status: domain.ExecSucceeded, StartedAt: now.Add(-48 * time.Hour), FinishedAt: now.Add(-48 * time.Hour)},
	} {
		if err := db.AppendExecution(context.Background(), rec); err != nil {
			t.Fatalf("AppendExecution(%d): %v", i, err)
		}
	}
	db.Close()

	cfg := testConfig(t)
	cfg.DryRun = false
	cfg.Store = StoreConfig{Driver: DriverSQLite, Path: path}
	d, err := New(context.Background(), cfg, nil, "test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	// Only live executions inside the last 24h count.
	if used, _ := d.Ledger.Usage(); used != 2 {
		t.Errorf("Usage() = %d, want 2", used)
	}
	// c1 finished an hour ago, inside the 6h cooldown.
	if rule, ok := d.Ledger.Admit("new", "c1"); ok || rule != domain.RuleCooldownActive {
		t.Errorf("Admit(c1) = %q, %v, want cooldown", rule, ok)
	}
}

func TestNew_RestoresQuarantine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanopt.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.SaveQuarantine(context.Background(), domain.QuarantineRecord{ChannelID: "c7", Reason: "rollback failed", StartedAt: time.Now()})
	db.Close()

	cfg := testConfig(t)
	cfg.Store = StoreConfig{Driver: DriverSQLite, Path: path}
	d, err := New(context.Background(), cfg, nil, "test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()
	if !d.Rollback.IsQuarantined("c7") {
		t.Error("c7 should still be quarantined after restart")
	}
}

func TestNew_BreakerOpenAlerts(t *testing.T) {
	var buf syncBuffer
	logger, err := NewLogger(&buf, "info", true)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	cfg.Execution.MaxAttempts = 1
	cfg.Execution.BreakerThreshold = 2
	d, err := New(context.Background(), cfg, logger, "test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	d.Breakers.For("apply_policy").RecordFailure()
	d.Breakers.For("apply_policy").RecordFailure()
	if got := d.Breakers.For("apply_policy").State(); got != healing.CBOpen {
		t.Fatalf("State() = %v, want OPEN", got)
	}
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(buf.String(), "BREAKER_OPEN") {
		if time.Now().After(deadline) {
			t.Fatalf("no BREAKER_OPEN alert logged: %s", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Host = "127.0.0.1"
	d, err := New(context.Background(), cfg, nil, "test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "channel_id", "c1")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "channel_id=c1") {
		t.Errorf("log output = %q", buf.String())
	}
	if _, err := NewLogger(nil, "loud", false); err == nil {
		t.Error("NewLogger(bad level) should fail")
	}
}
