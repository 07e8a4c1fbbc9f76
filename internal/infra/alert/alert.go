// Package alert delivers domain.AlertEvent to operators.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// ─── Log Sink ───────────────────────────────────────────────────────────────

// Log writes every event as a structured log line. It never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "alert")}
}

func (l *Log) Notify(ctx context.Context, ev domain.AlertEvent) error {
	attrs := []any{"kind", ev.Kind}
	if ev.ChannelID != "" {
		attrs = append(attrs, "channel_id", ev.ChannelID)
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, ev.Fields[k])
	}

	level := slog.LevelWarn
	if ev.Kind == domain.AlertRollbackFailed || ev.Kind == domain.AlertBreakerOpen {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, ev.Message, attrs...)
	return nil
}

// ─── Webhook ────────────────────────────────────────────────────────────────

// Webhook POSTs each event as JSON.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook sink. timeout <= 0 means 10s.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, ev domain.AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chanopt")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert %s: %w", ev.Kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver alert %s: webhook returned %s", ev.Kind, resp.Status)
	}
	return nil
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

// Multi delivers to every sink and joins their errors.
type Multi []domain.Alerter

func (m Multi) Notify(ctx context.Context, ev domain.AlertEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var errs []error
	for _, a := range m {
		if err := a.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
