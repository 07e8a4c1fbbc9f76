package policy

import (
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// Budget window modes.
const (
	WindowRolling  = "rolling"  // any trailing 24h
	WindowCalendar = "calendar" // resets at midnight in BudgetTimezone
)

// SafetyConfig holds the limits every decision is checked against.
type SafetyConfig struct {
	MinFeeRatePPM  int64 `toml:"min_fee_rate_ppm" yaml:"min_fee_rate_ppm"`
	MaxFeeRatePPM  int64 `toml:"max_fee_rate_ppm" yaml:"max_fee_rate_ppm"`
	MinBaseFeeMsat int64 `toml:"min_base_fee_msat" yaml:"min_base_fee_msat"`
	MaxBaseFeeMsat int64 `toml:"max_base_fee_msat" yaml:"max_base_fee_msat"`

	// MaxRebalancePct is the largest rebalance as a fraction of capacity.
	MaxRebalancePct float64 `toml:"max_rebalance_pct" yaml:"max_rebalance_pct"`

	CooldownMinutes  int    `toml:"cooldown_minutes" yaml:"cooldown_minutes"`
	MaxChangesPerDay int    `toml:"max_changes_per_day" yaml:"max_changes_per_day"`
	BudgetWindow     string `toml:"budget_window" yaml:"budget_window"`
	BudgetTimezone   string `toml:"budget_timezone" yaml:"budget_timezone"`

	Blacklist []string `toml:"blacklist" yaml:"blacklist"`
	Whitelist []string `toml:"whitelist" yaml:"whitelist"` // empty allows every channel
}

// DefaultSafetyConfig returns conservative production limits.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MinFeeRatePPM:    1,
		MaxFeeRatePPM:    5000,
		MinBaseFeeMsat:   0,
		MaxBaseFeeMsat:   10_000,
		MaxRebalancePct:  0.5,
		CooldownMinutes:  360,
		MaxChangesPerDay: 20,
		BudgetWindow:     WindowRolling,
		BudgetTimezone:   "UTC",
	}
}

// Cooldown returns CooldownMinutes as a duration.
func (c SafetyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// Location resolves BudgetTimezone. An empty zone is UTC.
func (c SafetyConfig) Location() (*time.Location, error) {
	if c.BudgetTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.BudgetTimezone)
}

// Validate returns a ConfigError for limits that cannot be enforced.
func (c SafetyConfig) Validate() error {
	switch {
	case c.MinFeeRatePPM < 0 || c.MinFeeRatePPM > c.MaxFeeRatePPM:
		return domain.NewConfigError("safety", "need 0 <= min_fee_rate_ppm <= max_fee_rate_ppm, got %d/%d",
			c.MinFeeRatePPM, c.MaxFeeRatePPM)
	case c.MinBaseFeeMsat < 0 || c.MinBaseFeeMsat > c.MaxBaseFeeMsat:
		return domain.NewConfigError("safety", "need 0 <= min_base_fee_msat <= max_base_fee_msat, got %d/%d",
			c.MinBaseFeeMsat, c.MaxBaseFeeMsat)
	case c.MaxRebalancePct <= 0 || c.MaxRebalancePct > 1:
		return domain.NewConfigError("safety.max_rebalance_pct", "must be in (0,1], got %v", c.MaxRebalancePct)
	case c.CooldownMinutes < 0:
		return domain.NewConfigError("safety.cooldown_minutes", "must be >= 0")
	case c.MaxChangesPerDay < 0:
		return domain.NewConfigError("safety.max_changes_per_day", "must be >= 0")
	case c.BudgetWindow != WindowRolling && c.BudgetWindow != WindowCalendar:
		return domain.NewConfigError("safety.budget_window", "must be %q or %q, got %q",
			WindowRolling, WindowCalendar, c.BudgetWindow)
	}
	if _, err := c.Location(); err != nil {
		return domain.NewConfigError("safety.budget_timezone", "%v", err)
	}
	for _, id := range c.Whitelist {
		for _, b := range c.Blacklist {
			if id == b {
				return domain.NewConfigError("safety", "channel %s is both whitelisted and blacklisted", id)
			}
		}
	}
	return nil
}
