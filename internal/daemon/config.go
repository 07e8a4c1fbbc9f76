// Package daemon loads configuration and wires the control loop services.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/chanopt/internal/app/decision"
	"github.com/tutu-network/chanopt/internal/app/heuristics"
	"github.com/tutu-network/chanopt/internal/app/policy"
	"github.com/tutu-network/chanopt/internal/app/scoring"
	"github.com/tutu-network/chanopt/internal/domain"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Backend kinds.
const (
	BackendHTTP = "http"
	BackendMock = "mock"
)

// Config holds all daemon configuration.
type Config struct {
	DryRun     bool                `toml:"dry_run" yaml:"dry_run"`
	Cycle      CycleConfig         `toml:"cycle" yaml:"cycle"`
	Weights    map[string]float64  `toml:"weights" yaml:"weights"`
	Thresholds decision.Thresholds `toml:"thresholds" yaml:"thresholds"`
	Safety     policy.SafetyConfig `toml:"safety" yaml:"safety"`
	Heuristics heuristics.Config   `toml:"heuristics" yaml:"heuristics"`
	Execution  ExecutionConfig     `toml:"execution" yaml:"execution"`
	Backend    BackendConfig       `toml:"backend" yaml:"backend"`
	Store      StoreConfig         `toml:"store" yaml:"store"`
	API        APIConfig           `toml:"api" yaml:"api"`
	Alerts     AlertsConfig        `toml:"alerts" yaml:"alerts"`
	Logging    LoggingConfig       `toml:"logging" yaml:"logging"`
}

// CycleConfig controls the control loop schedule.
type CycleConfig struct {
	Interval    string `toml:"interval" yaml:"interval"`
	Timeout     string `toml:"timeout" yaml:"timeout"` // empty means one interval
	Workers     int    `toml:"workers" yaml:"workers"`
	MaxStateAge string `toml:"max_state_age" yaml:"max_state_age"`
}

// ExecutionConfig controls retries, breakers, and snapshots.
type ExecutionConfig struct {
	MaxAttempts       int     `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelay         string  `toml:"base_delay" yaml:"base_delay"`
	MaxDelay          string  `toml:"max_delay" yaml:"max_delay"`
	Jitter            float64 `toml:"jitter" yaml:"jitter"`
	BreakerThreshold  int     `toml:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerReset      string  `toml:"breaker_reset" yaml:"breaker_reset"`
	SnapshotRetention string  `toml:"snapshot_retention" yaml:"snapshot_retention"`
	RollbackTimeout   string  `toml:"rollback_timeout" yaml:"rollback_timeout"`
}

// BackendConfig selects the channel-management backend.
type BackendConfig struct {
	Kind          string  `toml:"kind" yaml:"kind"`
	URL           string  `toml:"url" yaml:"url"`
	Token         string  `toml:"token" yaml:"token"`
	Timeout       string  `toml:"timeout" yaml:"timeout"`
	RatePerSecond float64 `toml:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `toml:"burst" yaml:"burst"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	Path   string `toml:"path" yaml:"path"` // sqlite file, defaults to $CHANOPT_HOME/chanopt.db
	DSN    string `toml:"dsn" yaml:"dsn"`   // postgres connection string
}

// APIConfig controls the operator HTTP server.
type APIConfig struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	HealthInterval string `toml:"health_interval" yaml:"health_interval"`
}

// AlertsConfig controls alert delivery. The log sink is always on.
type AlertsConfig struct {
	WebhookURL string `toml:"webhook_url" yaml:"webhook_url"`
	Timeout    string `toml:"timeout" yaml:"timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

// DefaultWeights spreads the composite score over all eight heuristics.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		string(domain.HeuristicCentrality):      0.15,
		string(domain.HeuristicLiquidity):       0.15,
		string(domain.HeuristicActivity):        0.20,
		string(domain.HeuristicCompetitiveness): 0.10,
		string(domain.HeuristicReliability):     0.15,
		string(domain.HeuristicAgeStability):    0.05,
		string(domain.HeuristicPeerQuality):     0.10,
		string(domain.HeuristicNetworkPosition): 0.10,
	}
}

// DefaultConfig returns a configuration that starts in dry-run mode.
func DefaultConfig() Config {
	return Config{
		DryRun: true,
		Cycle: CycleConfig{
			Interval:    "10m",
			Workers:     8,
			MaxStateAge: "30m",
		},
		Weights:    DefaultWeights(),
		Thresholds: decision.DefaultThresholds(),
		Safety:     policy.DefaultSafetyConfig(),
		Heuristics: heuristics.DefaultConfig(),
		Execution: ExecutionConfig{
			MaxAttempts:       3,
			BaseDelay:         "500ms",
			MaxDelay:          "10s",
			Jitter:            0.2,
			BreakerThreshold:  5,
			BreakerReset:      "60s",
			SnapshotRetention: "168h",
			RollbackTimeout:   "2m",
		},
		Backend: BackendConfig{
			Kind:          BackendHTTP,
			URL:           "http://127.0.0.1:8080",
			Timeout:       "15s",
			RatePerSecond: 10,
			Burst:         5,
		},
		Store: StoreConfig{Driver: DriverSQLite},
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           9470,
			HealthInterval: "60s",
		},
		Alerts:  AlertsConfig{Timeout: "10s"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ─── Loading ────────────────────────────────────────────────────────────────

// LoadConfig reads the config at path, or at ConfigPath() when path is empty.
// A missing default file yields defaults; a missing explicit file is an error.
// Environment overrides are applied last. The result is not validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, applyEnv(&cfg)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAML(path, &cfg); err != nil {
			return cfg, err
		}
	default:
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, domain.NewConfigError("config", "unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	return cfg, applyEnv(&cfg)
}

func decodeYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return domain.NewConfigError("config", "%v", err)
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// applyEnv applies CHANOPT_* overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("CHANOPT_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return domain.NewConfigError("CHANOPT_DRY_RUN", "not a boolean: %q", v)
		}
		cfg.DryRun = b
	}
	if v := os.Getenv("CHANOPT_BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("CHANOPT_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	return nil
}

// SaveConfig writes cfg as TOML to path.
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Home returns the chanopt data directory.
func Home() string {
	if env := os.Getenv("CHANOPT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chanopt")
}

// ConfigPath returns CHANOPT_CONFIG or the config.toml under Home.
func ConfigPath() string {
	if env := os.Getenv("CHANOPT_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(Home(), "config.toml")
}

// ─── Validation ─────────────────────────────────────────────────────────────

// Timings holds the parsed duration settings.
type Timings struct {
	Interval          time.Duration
	CycleTimeout      time.Duration
	MaxStateAge       time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BreakerReset      time.Duration
	SnapshotRetention time.Duration
	RollbackTimeout   time.Duration
	BackendTimeout    time.Duration
	AlertTimeout      time.Duration
	HealthInterval    time.Duration
}

// Timings parses every duration string. Empty optional values stay zero.
func (c Config) Timings() (Timings, error) {
	var t Timings
	fields := []struct {
		name     string
		value    string
		dst      *time.Duration
		required bool
	}{
		{"cycle.interval", c.Cycle.Interval, &t.Interval, true},
		{"cycle.timeout", c.Cycle.Timeout, &t.CycleTimeout, false},
		{"cycle.max_state_age", c.Cycle.MaxStateAge, &t.MaxStateAge, true},
		{"execution.base_delay", c.Execution.BaseDelay, &t.BaseDelay, false},
		{"execution.max_delay", c.Execution.MaxDelay, &t.MaxDelay, false},
		{"execution.breaker_reset", c.Execution.BreakerReset, &t.BreakerReset, true},
		{"execution.snapshot_retention", c.Execution.SnapshotRetention, &t.SnapshotRetention, true},
		{"execution.rollback_timeout", c.Execution.RollbackTimeout, &t.RollbackTimeout, false},
		{"backend.timeout", c.Backend.Timeout, &t.BackendTimeout, false},
		{"alerts.timeout", c.Alerts.Timeout, &t.AlertTimeout, false},
		{"api.health_interval", c.API.HealthInterval, &t.HealthInterval, false},
	}
	for _, f := range fields {
		if f.value == "" {
			if f.required {
				return t, domain.NewConfigError(f.name, "required")
			}
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return t, domain.NewConfigError(f.name, "invalid duration %q", f.value)
		}
		if d < 0 || (f.required && d == 0) {
			return t, domain.NewConfigError(f.name, "must be positive, got %s", f.value)
		}
		*f.dst = d
	}
	if t.CycleTimeout == 0 {
		t.CycleTimeout = t.Interval
	}
	return t, nil
}

// HeuristicWeights converts the weight table to domain.Weights.
func (c Config) HeuristicWeights() domain.Weights {
	w := make(domain.Weights, len(c.Weights))
	for k, v := range c.Weights {
		w[domain.HeuristicName(k)] = v
	}
	return w
}

// Validate returns a *domain.ConfigError describing the first invalid setting.
func (c Config) Validate() error {
	if err := scoring.ValidateWeights(c.HeuristicWeights()); err != nil {
		return err
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if err := c.Heuristics.Validate(); err != nil {
		return err
	}
	if _, err := c.Timings(); err != nil {
		return err
	}

	switch {
	case c.Cycle.Workers <= 0:
		return domain.NewConfigError("cycle.workers", "must be positive, got %d", c.Cycle.Workers)
	case c.Execution.MaxAttempts < 1:
		return domain.NewConfigError("execution.max_attempts", "must be >= 1")
	case c.Execution.Jitter < 0 || c.Execution.Jitter >= 1:
		return domain.NewConfigError("execution.jitter", "must be in [0,1)")
	case c.Execution.BreakerThreshold < 1:
		return domain.NewConfigError("execution.breaker_threshold", "must be >= 1")
	case c.Execution.BreakerThreshold <= c.Execution.MaxAttempts:
		return domain.NewConfigError("execution.breaker_threshold",
			"must exceed execution.max_attempts (%d), got %d", c.Execution.MaxAttempts, c.Execution.BreakerThreshold)
	case c.API.Port < 0 || c.API.Port > 65535:
		return domain.NewConfigError("api.port", "out of range: %d", c.API.Port)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return domain.NewConfigError("store.dsn", "required for the postgres driver")
		}
	default:
		return domain.NewConfigError("store.driver", "unknown driver %q", c.Store.Driver)
	}

	switch c.Backend.Kind {
	case BackendMock:
	case BackendHTTP:
		if c.Backend.URL == "" {
			return domain.NewConfigError("backend.url", "required for the http backend")
		}
	default:
		return domain.NewConfigError("backend.kind", "unknown kind %q", c.Backend.Kind)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, domain.NewConfigError("logging.level", "unknown level %q", s)
	}
	return level, nil
}
