package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/sqlite"
)

// setupHome points CHANOPT_HOME at a temp dir with a mock-backend config.
func setupHome(t *testing.T, config string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CHANOPT_HOME", home)
	t.Setenv("CHANOPT_CONFIG", "")
	t.Setenv("CHANOPT_DRY_RUN", "")
	t.Setenv("CHANOPT_BACKEND_TOKEN", "")
	t.Setenv("CHANOPT_STORE_DSN", "")
	if config == "" {
		config = "[backend]\nkind = \"mock\"\n"
	}
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(config), 0600); err != nil {
		t.Fatal(err)
	}
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	var out, stderr bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// openStore opens the sqlite file the CLI will use, for seeding.
func openStore(t *testing.T, home string) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(home, sqlite.DefaultFile))
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestConfigCheck(t *testing.T) {
	setupHome(t, "")
	out, err := run(t, "config", "check")
	if err != nil {
		t.Fatalf("config check error: %v", err)
	}
	if !strings.Contains(out, "config OK") || !strings.Contains(out, "dry-run mode") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCheck_PrintRedacts(t *testing.T) {
	setupHome(t, "")
	t.Setenv("CHANOPT_BACKEND_TOKEN", "hunter2")
	out, err := run(t, "config", "check", "--print")
	if err != nil {
		t.Fatalf("config check --print error: %v", err)
	}
	if !strings.Contains(out, "[cycle]") || !strings.Contains(out, "[safety]") {
		t.Errorf("printed config missing sections:\n%s", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("token must not be printed")
	}
}

func TestConfigCheck_Invalid(t *testing.T) {
	setupHome(t, "[cycle]\nworkers = 0\n")
	if _, err := run(t, "config", "check"); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("config check = %v, want ErrConfig", err)
	}
}

func TestConfigCheck_ExplicitPath(t *testing.T) {
	setupHome(t, "")
	path := filepath.Join(t.TempDir(), "other.yaml")
	os.WriteFile(path, []byte("backend:\n  kind: mock\ndry_run: false\n"), 0600)
	out, err := run(t, "--config", path, "config", "check")
	if err != nil {
		t.Fatalf("config check error: %v", err)
	}
	if !strings.Contains(out, "other.yaml") || !strings.Contains(out, "live mode") {
		t.Errorf("output = %q", out)
	}
}

func TestCycle_Once(t *testing.T) {
	setupHome(t, "")
	out, err := run(t, "cycle")
	if err != nil {
		t.Fatalf("cycle error: %v", err)
	}
	if !strings.Contains(out, "(dry-run)") || !strings.Contains(out, "channels 0") {
		t.Errorf("output = %q", out)
	}
}

func TestReport(t *testing.T) {
	home := setupHome(t, "")
	db := openStore(t, home)
	l := shadow.NewLogger(db, nil)
	ctx := context.Background()
	for id, p := range map[string]domain.Params{
		"c1": domain.NoAction{},
		"c2": domain.DecreaseFees{Policy: domain.FeePolicy{FeeRatePPM: 400}},
	} {
		_, err := l.Record(ctx, shadow.Record{
			CycleID:    "cycle-1",
			Channel:    domain.ChannelState{ChannelID: id},
			Score:      domain.CompositeScore{ChannelID: id, Value: 0.4},
			Decision:   domain.Decision{ID: "d-" + id, ChannelID: id, Params: p},
			Validation: domain.ValidationResult{DecisionID: "d-" + id, Approved: true, EffectiveParams: p},
			DryRun:     true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	out, err := run(t, "report")
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	if !strings.Contains(out, "2 entries") || !strings.Contains(out, "DECREASE_FEES") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "report", "--type", "decrease_fees")
	if err != nil {
		t.Fatalf("report --type error: %v", err)
	}
	if !strings.Contains(out, "1 entries") || strings.Contains(out, "NO_ACTION") {
		t.Errorf("filtered output = %q", out)
	}
}

func TestReport_BadFlags(t *testing.T) {
	setupHome(t, "")
	if _, err := run(t, "report", "--from", "last week"); err == nil {
		t.Error("report --from 'last week' should fail")
	}
	if _, err := run(t, "report", "--type", "EXPLODE"); err == nil {
		t.Error("report --type EXPLODE should fail")
	}
}

func TestReportQuery_DefaultsToCurrentDay(t *testing.T) {
	now := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	q, err := reportOptions{}.query(now)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !q.From.Equal(want) {
		t.Errorf("From = %v, want %v", q.From, want)
	}
	if !q.To.Equal(q.From.Add(24 * time.Hour)) {
		t.Errorf("To = %v, want From+24h", q.To)
	}
}

func TestQuarantine_ListAndClear(t *testing.T) {
	home := setupHome(t, "")

	out, err := run(t, "quarantine", "list")
	if err != nil || !strings.Contains(out, "No channels quarantined") {
		t.Fatalf("quarantine list = %q, %v", out, err)
	}

	db := openStore(t, home)
	db.SaveQuarantine(context.Background(), domain.QuarantineRecord{
		ChannelID: "c9", Reason: "rollback failed", SnapshotID: "snap-9", StartedAt: time.Now(),
	})
	db.Close()

	out, err = run(t, "quarantine", "list")
	if err != nil || !strings.Contains(out, "c9") || !strings.Contains(out, "snap-9") {
		t.Fatalf("quarantine list = %q, %v", out, err)
	}

	out, err = run(t, "quarantine", "clear", "c9")
	if err != nil || !strings.Contains(out, "Released c9") {
		t.Fatalf("quarantine clear = %q, %v", out, err)
	}
	if _, err := run(t, "quarantine", "clear", "c9"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second clear = %v, want ErrNotFound", err)
	}
}

func TestRevert_NoSnapshot(t *testing.T) {
	setupHome(t, "")
	if _, err := run(t, "revert", "c1", "--force"); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("revert = %v, want ErrSnapshotNotFound", err)
	}
}

func TestRevert_DryRunNeedsForce(t *testing.T) {
	setupHome(t, "")
	if _, err := run(t, "revert", "c1"); !errors.Is(err, domain.ErrDryRun) {
		t.Errorf("revert without --force = %v, want ErrDryRun", err)
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	if err != nil || !strings.Contains(out, "test") {
		t.Errorf("--version = %q, %v", out, err)
	}
}
