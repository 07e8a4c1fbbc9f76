package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

func TestLog_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	err := l.Notify(context.Background(), domain.AlertEvent{
		Kind: domain.AlertRollbackFailed, ChannelID: "c1", Message: "rollback failed",
		Fields: map[string]string{"snapshot_id": "s1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	if line["level"] != "ERROR" || line["channel_id"] != "c1" || line["snapshot_id"] != "s1" || line["component"] != "alert" {
		t.Errorf("log line = %v", line)
	}
}

func TestWebhook_PostsJSON(t *testing.T) {
	var got domain.AlertEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("request = %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := domain.AlertEvent{Kind: domain.AlertBreakerOpen, Message: "breaker open",
		Fields: map[string]string{"endpoint": "apply_policy"}, At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	if err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if got.Kind != domain.AlertBreakerOpen || got.Fields["endpoint"] != "apply_policy" {
		t.Errorf("received = %+v", got)
	}
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), domain.AlertEvent{Kind: domain.AlertRolledBack})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Notify() = %v, want 502 error", err)
	}
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, domain.AlertEvent) error {
	f.calls++
	return errors.New("down")
}

type recorder struct{ events []domain.AlertEvent }

func (r *recorder) Notify(_ context.Context, ev domain.AlertEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func TestMulti_DeliversToAllDespiteFailures(t *testing.T) {
	bad, good := &failing{}, &recorder{}
	err := Multi{bad, good}.Notify(context.Background(), domain.AlertEvent{Kind: domain.AlertCloseDecided})
	if err == nil {
		t.Error("Notify() error = nil, want joined failure")
	}
	if bad.calls != 1 || len(good.events) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", bad.calls, len(good.events))
	}
	if good.events[0].At.IsZero() {
		t.Error("At should be stamped")
	}
}
