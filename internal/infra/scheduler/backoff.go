// Package scheduler holds the pacing primitives used around backend writes:
// exponential backoff with jitter for bounded retries, and a keyed lock that
// serializes work per channel while leaving other channels free to run.
package scheduler

import (
	"context"
	"math/rand/v2"
	"time"
)

// ─── Backoff ────────────────────────────────────────────────────────────────

// RetryConfig configures bounded retries.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay before the second attempt (doubles each retry)
	MaxDelay    time.Duration // cap on backoff delay
	Jitter      float64       // ± fraction of the delay randomized, in [0,1)
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff computes retry delays. Safe for concurrent use when rand is.
type Backoff struct {
	config RetryConfig
	rand   func() float64 // injectable for testing, returns [0,1)
}

// NewBackoff creates a Backoff for cfg.
func NewBackoff(cfg RetryConfig) *Backoff {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter >= 1 {
		cfg.Jitter = 0.99
	}
	return &Backoff{config: cfg, rand: rand.Float64}
}

// MaxAttempts returns the total number of attempts allowed.
func (b *Backoff) MaxAttempts() int { return b.config.MaxAttempts }

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay, then jittered.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.config.MaxDelay > 0 && delay > b.config.MaxDelay {
			delay = b.config.MaxDelay
			break
		}
	}
	if b.config.MaxDelay > 0 && delay > b.config.MaxDelay {
		delay = b.config.MaxDelay
	}
	if b.config.Jitter == 0 || delay <= 0 {
		return delay
	}
	spread := float64(delay) * b.config.Jitter
	return time.Duration(float64(delay) - spread + 2*spread*b.rand())
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
