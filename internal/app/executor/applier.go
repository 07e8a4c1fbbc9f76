package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/healing"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
	"github.com/tutu-network/chanopt/internal/infra/scheduler"
)

// Applier runs backend writes with bounded retries behind a per-endpoint
// circuit breaker. Forward changes are gated by the breaker; restores only
// feed it.
type Applier struct {
	breakers *healing.BreakerSet
	backoff  *scheduler.Backoff
	sleep    func(ctx context.Context, d time.Duration) error // injectable for testing
	logger   *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(breakers *healing.BreakerSet, backoff *scheduler.Backoff, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		breakers: breakers,
		backoff:  backoff,
		sleep:    scheduler.Sleep,
		logger:   logger.With("component", "applier"),
	}
}

// Apply calls call until it succeeds, fails permanently, the breaker for
// endpoint is open, ctx ends, or the attempt budget is spent. It returns the
// number of calls made.
func (a *Applier) Apply(ctx context.Context, channelID, endpoint string, call func(context.Context) error) (int, error) {
	return a.run(ctx, channelID, endpoint, call, true)
}

// Restore is Apply for snapshot restores. An open breaker does not stop it:
// the breaker trips on the failures that made the restore necessary, and
// skipping the restore would strand the channel at the half-applied value.
// Outcomes are still recorded.
func (a *Applier) Restore(ctx context.Context, channelID, endpoint string, call func(context.Context) error) (int, error) {
	return a.run(ctx, channelID, endpoint, call, false)
}

func (a *Applier) run(ctx context.Context, channelID, endpoint string, call func(context.Context) error, gated bool) (int, error) {
	cb := a.breakers.For(endpoint)
	limit := a.backoff.MaxAttempts()
	var lastErr error

	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, joinLast(domain.Transient(endpoint, channelID, 0, err), lastErr)
		}
		if gated {
			if err := cb.Allow(); err != nil {
				metrics.BackendCalls.WithLabelValues(endpoint, "breaker_open").Inc()
				return attempt - 1, joinLast(domain.Transient(endpoint, channelID, 0, err), lastErr)
			}
		}

		err := call(ctx)
		if err == nil {
			cb.RecordSuccess()
			metrics.BackendCalls.WithLabelValues(endpoint, "ok").Inc()
			return attempt, nil
		}
		lastErr = err

		if !domain.IsTransient(err) {
			// Rejected requests say nothing about endpoint health.
			metrics.BackendCalls.WithLabelValues(endpoint, "permanent").Inc()
			a.logger.Warn("backend call failed permanently",
				"channel_id", channelID, "endpoint", endpoint, "attempt", attempt, "error", err)
			return attempt, err
		}
		cb.RecordFailure()
		metrics.BackendCalls.WithLabelValues(endpoint, "transient").Inc()

		if attempt == limit {
			break
		}
		delay := a.backoff.Delay(attempt)
		a.logger.Info("backend call failed, retrying",
			"channel_id", channelID, "endpoint", endpoint, "attempt", attempt, "delay", delay, "error", err)
		if serr := a.sleep(ctx, delay); serr != nil {
			return attempt, joinLast(domain.Transient(endpoint, channelID, 0, serr), lastErr)
		}
	}
	return limit, fmt.Errorf("%s %s: %d attempts exhausted: %w", endpoint, channelID, limit, lastErr)
}

func joinLast(err, last error) error {
	if last == nil {
		return err
	}
	return errors.Join(err, last)
}
