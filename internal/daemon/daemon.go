package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tutu-network/chanopt/internal/api"
	"github.com/tutu-network/chanopt/internal/app/controlloop"
	"github.com/tutu-network/chanopt/internal/app/decision"
	"github.com/tutu-network/chanopt/internal/app/executor"
	"github.com/tutu-network/chanopt/internal/app/heuristics"
	"github.com/tutu-network/chanopt/internal/app/policy"
	"github.com/tutu-network/chanopt/internal/app/rollback"
	"github.com/tutu-network/chanopt/internal/app/scoring"
	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/health"
	"github.com/tutu-network/chanopt/internal/infra/alert"
	"github.com/tutu-network/chanopt/internal/infra/backend"
	"github.com/tutu-network/chanopt/internal/infra/healing"
	"github.com/tutu-network/chanopt/internal/infra/memstore"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
	"github.com/tutu-network/chanopt/internal/infra/postgres"
	"github.com/tutu-network/chanopt/internal/infra/scheduler"
	"github.com/tutu-network/chanopt/internal/infra/sqlite"
)

// Daemon is the chanopt runtime. It wires together all services.
type Daemon struct {
	Config   Config
	Store    domain.Store
	Backend  domain.Backend
	Breakers *healing.BreakerSet
	Ledger   *policy.Ledger
	Rollback *rollback.Manager
	Executor *executor.Executor
	Shadow   *shadow.Logger
	Loop     *controlloop.Loop
	Health   *health.Checker
	Server   *api.Server
	Logger   *slog.Logger

	closeOnce sync.Once
}

// New validates cfg and wires every service. The caller must Close the daemon.
func New(ctx context.Context, cfg Config, logger *slog.Logger, version string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timings, err := cfg.Timings()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	d := &Daemon{Config: cfg, Store: store, Logger: logger}
	if err := d.wire(ctx, timings, version); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context, t Timings, version string) error {
	cfg, logger := d.Config, d.Logger

	b, err := openBackend(cfg.Backend, t.BackendTimeout)
	if err != nil {
		return err
	}
	d.Backend = b

	// Alerts: the log sink always, the webhook when configured.
	alerter := alert.Multi{alert.NewLog(logger)}
	if cfg.Alerts.WebhookURL != "" {
		alerter = append(alerter, alert.NewWebhook(cfg.Alerts.WebhookURL, t.AlertTimeout))
	}

	d.Breakers = healing.NewBreakerSet(healing.CircuitBreakerConfig{
		FailureThreshold: cfg.Execution.BreakerThreshold,
		ResetTimeout:     t.BreakerReset,
		HalfOpenMax:      1,
	})
	d.Breakers.OnStateChange(func(name string, from, to healing.CBState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		if to != healing.CBOpen {
			return
		}
		// Observers run under the breaker lock; deliver off it.
		go alerter.Notify(context.Background(), domain.AlertEvent{
			Kind:    domain.AlertBreakerOpen,
			Message: "circuit breaker opened",
			Fields:  map[string]string{"endpoint": name, "from": from.String()},
		})
	})

	d.Ledger, err = policy.NewLedger(cfg.Safety)
	if err != nil {
		return err
	}
	if err := d.seedLedger(ctx); err != nil {
		return err
	}

	applier := executor.NewApplier(d.Breakers, scheduler.NewBackoff(scheduler.RetryConfig{
		MaxAttempts: cfg.Execution.MaxAttempts,
		BaseDelay:   t.BaseDelay,
		MaxDelay:    t.MaxDelay,
		Jitter:      cfg.Execution.Jitter,
	}), logger)

	d.Rollback = rollback.NewManager(rollback.Config{
		Retention: t.SnapshotRetention,
		Timeout:   t.RollbackTimeout,
	}, b, d.Store, applier, alerter, logger)
	if err := d.Rollback.Load(ctx); err != nil {
		return err
	}

	validator, err := policy.NewValidator(cfg.Safety, d.Ledger, d.Rollback, logger)
	if err != nil {
		return err
	}
	scorer, err := scoring.NewScorer(cfg.HeuristicWeights())
	if err != nil {
		return err
	}
	decider, err := decision.NewEngine(cfg.Thresholds)
	if err != nil {
		return err
	}

	d.Executor = executor.New(executor.Options{
		Backend:  b,
		Store:    d.Store,
		Applier:  applier,
		Rollback: d.Rollback,
		Budget:   d.Ledger,
		DryRun:   cfg.DryRun,
		Logger:   logger,
	})
	d.Shadow = shadow.NewLogger(d.Store, logger)
	d.Loop = controlloop.New(controlloop.Options{
		Config: controlloop.Config{
			Interval:     t.Interval,
			CycleTimeout: t.CycleTimeout,
			Workers:      cfg.Cycle.Workers,
			MaxStateAge:  t.MaxStateAge,
		},
		Backend:    b,
		Heuristics: heuristics.NewEngine(cfg.Heuristics, logger),
		Scorer:     scorer,
		Decider:    decider,
		Validator:  validator,
		Executor:   d.Executor,
		Rollback:   d.Rollback,
		Shadow:     d.Shadow,
		Alerter:    alerter,
		Logger:     logger,
	})

	hopts := health.Options{Store: d.Store, Breakers: d.Breakers, Interval: t.HealthInterval}
	if p, ok := b.(health.Pinger); ok {
		hopts.Backend = p
	}
	if cfg.Store.Driver == DriverSQLite {
		hopts.DataDir = filepath.Dir(sqlitePath(cfg.Store))
	}
	d.Health = health.NewChecker(hopts)

	d.Server = api.NewServer(api.Options{
		Loop:     d.Loop,
		Shadow:   d.Shadow,
		Rollback: d.Rollback,
		Reverter: d.Executor,
		Breakers: d.Breakers,
		Ledger:   d.Ledger,
		Health:   d.Health,
		DryRun:   cfg.DryRun,
		Version:  version,
	})
	return nil
}

// seedLedger restores budget usage and cooldowns from executions of the
// current mode, so a restart does not reset either.
func (d *Daemon) seedLedger(ctx context.Context) error {
	now := time.Now()
	since := d.Ledger.WindowStart(now)
	if c := now.Add(-d.Config.Safety.Cooldown()); c.Before(since) {
		since = c
	}
	recs, err := d.Store.ListExecutionsSince(ctx, since, d.Config.DryRun)
	if err != nil {
		return fmt.Errorf("seed budget: %w", err)
	}
	d.Ledger.Seed(recs)
	used, limit := d.Ledger.Usage()
	metrics.BudgetUsed.Set(float64(used))
	d.Logger.Info("budget restored", "component", "daemon",
		"used", used, "limit", limit, "records", len(recs), "dry_run", d.Config.DryRun)
	return nil
}

// RunCycle runs a single control cycle.
func (d *Daemon) RunCycle(ctx context.Context) (controlloop.CycleSummary, error) {
	return d.Loop.RunCycle(ctx)
}

// Serve starts the control loop, health checks, and the HTTP server, and
// blocks until ctx ends or the process receives SIGINT/SIGTERM.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Health.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.Loop.Run(ctx)
	}()

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			d.Logger.Info("shutting down", "component", "daemon", "signal", sig.String())
		case <-ctx.Done():
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Logger.Info("chanopt serving", "component", "daemon", "addr", addr,
		"dry_run", d.Config.DryRun, "store", d.Config.Store.Driver, "backend", d.Config.Backend.Kind)

	err := httpServer.ListenAndServe()
	cancel()
	// In-flight executions finish (or roll back) before the store closes.
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.Store != nil {
			err = d.Store.Close()
		}
	})
	return err
}

// ─── Wiring helpers ─────────────────────────────────────────────────────────

func openStore(ctx context.Context, cfg StoreConfig) (domain.Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return memstore.New(), nil
	case DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		db, err := sqlite.Open(sqlitePath(cfg))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

func sqlitePath(cfg StoreConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return filepath.Join(Home(), sqlite.DefaultFile)
}

func openBackend(cfg BackendConfig, timeout time.Duration) (domain.Backend, error) {
	if cfg.Kind == BackendMock {
		return backend.NewMockBackend(), nil
	}
	return backend.NewClient(backend.Config{
		URL:           cfg.URL,
		Token:         cfg.Token,
		Timeout:       timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	})
}
