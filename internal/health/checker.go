// Package health provides periodic health checks with recovery hooks.
// Checks run every interval; results feed /health and the metrics registry.
package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tutu-network/chanopt/internal/infra/healing"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
)

// Pinger is anything that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	timeout  time.Duration
}

// Options selects what the standard checks look at. Nil fields are skipped.
type Options struct {
	Store    Pinger
	Backend  Pinger
	Breakers *healing.BreakerSet
	DataDir  string
	Interval time.Duration
}

// NewChecker creates a health checker with the standard checks.
func NewChecker(opts Options) *Checker {
	c := &Checker{interval: opts.Interval, timeout: 10 * time.Second}
	if c.interval <= 0 {
		c.interval = 60 * time.Second
	}
	if opts.Store != nil {
		c.checks = append(c.checks, Check{
			Name:    "store",
			CheckFn: opts.Store.Ping,
		})
	}
	if opts.Backend != nil {
		c.checks = append(c.checks, Check{
			Name:    "backend",
			CheckFn: opts.Backend.Ping,
		})
	}
	if opts.Breakers != nil {
		c.checks = append(c.checks, Check{
			Name: "breakers",
			CheckFn: func(ctx context.Context) error {
				return checkBreakers(opts.Breakers)
			},
		})
	}
	if opts.DataDir != "" {
		c.checks = append(c.checks, Check{
			Name: "data_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDataDir(opts.DataDir)
			},
			RecoverFn: func(ctx context.Context) error {
				return os.MkdirAll(opts.DataDir, 0700)
			},
		})
	}
	return c
}

// Add registers an extra check.
func (c *Checker) Add(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes every check and stores the results.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	prev := make(map[string]bool, len(c.statuses))
	for _, s := range c.statuses {
		prev[s.Name] = s.Healthy
	}
	c.mu.RUnlock()

	statuses := make([]Status, len(checks))
	for i, check := range checks {
		s := Status{Name: check.Name, CheckedAt: time.Now()}
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := check.CheckFn(cctx)
		if err != nil && check.RecoverFn != nil {
			if rerr := check.RecoverFn(cctx); rerr == nil {
				err = check.CheckFn(cctx)
			}
		}
		cancel()

		if err != nil {
			s.Error = err.Error()
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
			if healthy, seen := prev[check.Name]; seen && !healthy {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
			}
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkBreakers(set *healing.BreakerSet) error {
	var open []string
	for _, s := range set.Snapshots() {
		if s.State == healing.CBOpen {
			open = append(open, s.Name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
	}
	return nil
}

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
