package heuristics

import "github.com/tutu-network/chanopt/internal/domain"

// Config holds the normalization bounds of every heuristic, one block each.
type Config struct {
	Centrality      CentralityConfig      `toml:"centrality" yaml:"centrality"`
	Liquidity       LiquidityConfig       `toml:"liquidity" yaml:"liquidity"`
	Activity        ActivityConfig        `toml:"activity" yaml:"activity"`
	Competitiveness CompetitivenessConfig `toml:"competitiveness" yaml:"competitiveness"`
	Reliability     ReliabilityConfig     `toml:"reliability" yaml:"reliability"`
	AgeStability    AgeStabilityConfig    `toml:"age_stability" yaml:"age_stability"`
	PeerQuality     PeerQualityConfig     `toml:"peer_quality" yaml:"peer_quality"`
	NetworkPosition NetworkPositionConfig `toml:"network_position" yaml:"network_position"`
}

// CentralityConfig maps the backend's centrality onto [0,1] with min/max bounds.
type CentralityConfig struct {
	Min float64 `toml:"min" yaml:"min"`
	Max float64 `toml:"max" yaml:"max"`
}

// LiquidityConfig shapes the balance curve. Exponent > 1 punishes imbalance harder.
type LiquidityConfig struct {
	Exponent float64 `toml:"exponent" yaml:"exponent"`
}

// ActivityConfig bounds the log-scaled forward count.
type ActivityConfig struct {
	SaturationCount int     `toml:"saturation_count" yaml:"saturation_count"` // forwards/30d scoring 1.0
	CountWeight     float64 `toml:"count_weight" yaml:"count_weight"`         // remainder goes to success rate
}

// CompetitivenessConfig is the sigmoid applied to fee_rate / network median.
type CompetitivenessConfig struct {
	Steepness float64 `toml:"steepness" yaml:"steepness"`
}

// ReliabilityConfig bounds uptime and caps channels idle for the whole window.
type ReliabilityConfig struct {
	UptimeFloor       float64 `toml:"uptime_floor" yaml:"uptime_floor"` // uptime at or below scores 0
	ObservationDays   int     `toml:"observation_days" yaml:"observation_days"`
	IdleCap           float64 `toml:"idle_cap" yaml:"idle_cap"` // max score with no forward in window
	MinSuccessRate    float64 `toml:"min_success_rate" yaml:"min_success_rate"`
	LowSuccessPenalty float64 `toml:"low_success_penalty" yaml:"low_success_penalty"`
}

// AgeStabilityConfig sets the age after which no further bonus is given.
type AgeStabilityConfig struct {
	SaturationDays int `toml:"saturation_days" yaml:"saturation_days"`
}

// PeerQualityConfig weighs the peer signals. Weights are renormalized.
type PeerQualityConfig struct {
	UptimeWeight  float64 `toml:"uptime_weight" yaml:"uptime_weight"`
	SuccessWeight float64 `toml:"success_weight" yaml:"success_weight"`
	ActiveWeight  float64 `toml:"active_weight" yaml:"active_weight"`
}

// NetworkPositionConfig bounds the log-scaled channel capacity.
type NetworkPositionConfig struct {
	MinCapacitySat int64 `toml:"min_capacity_sat" yaml:"min_capacity_sat"`
	MaxCapacitySat int64 `toml:"max_capacity_sat" yaml:"max_capacity_sat"`
}

// DefaultConfig returns the bounds used when the document omits a block.
func DefaultConfig() Config {
	return Config{
		Centrality:      CentralityConfig{Min: 0, Max: 1},
		Liquidity:       LiquidityConfig{Exponent: 1.5},
		Activity:        ActivityConfig{SaturationCount: 500, CountWeight: 0.6},
		Competitiveness: CompetitivenessConfig{Steepness: 4},
		Reliability: ReliabilityConfig{
			UptimeFloor:       0.5,
			ObservationDays:   30,
			IdleCap:           0.3,
			MinSuccessRate:    0.5,
			LowSuccessPenalty: 0.7,
		},
		AgeStability:    AgeStabilityConfig{SaturationDays: 180},
		PeerQuality:     PeerQualityConfig{UptimeWeight: 0.5, SuccessWeight: 0.3, ActiveWeight: 0.2},
		NetworkPosition: NetworkPositionConfig{MinCapacitySat: 500_000, MaxCapacitySat: 50_000_000},
	}
}

// Validate reports the first bound that cannot produce a [0,1] score.
func (c Config) Validate() error {
	switch {
	case c.Centrality.Max <= c.Centrality.Min:
		return domain.NewConfigError("heuristics.centrality", "max %.3f must exceed min %.3f", c.Centrality.Max, c.Centrality.Min)
	case c.Liquidity.Exponent <= 0:
		return domain.NewConfigError("heuristics.liquidity.exponent", "must be positive")
	case c.Activity.SaturationCount <= 0:
		return domain.NewConfigError("heuristics.activity.saturation_count", "must be positive")
	case c.Activity.CountWeight < 0 || c.Activity.CountWeight > 1:
		return domain.NewConfigError("heuristics.activity.count_weight", "must be in [0,1]")
	case c.Competitiveness.Steepness <= 0:
		return domain.NewConfigError("heuristics.competitiveness.steepness", "must be positive")
	case c.Reliability.UptimeFloor < 0 || c.Reliability.UptimeFloor >= 1:
		return domain.NewConfigError("heuristics.reliability.uptime_floor", "must be in [0,1)")
	case c.Reliability.ObservationDays <= 0:
		return domain.NewConfigError("heuristics.reliability.observation_days", "must be positive")
	case c.Reliability.IdleCap < 0 || c.Reliability.IdleCap > 1:
		return domain.NewConfigError("heuristics.reliability.idle_cap", "must be in [0,1]")
	case c.Reliability.LowSuccessPenalty < 0 || c.Reliability.LowSuccessPenalty > 1:
		return domain.NewConfigError("heuristics.reliability.low_success_penalty", "must be in [0,1]")
	case c.AgeStability.SaturationDays <= 0:
		return domain.NewConfigError("heuristics.age_stability.saturation_days", "must be positive")
	case c.PeerQuality.UptimeWeight < 0 || c.PeerQuality.SuccessWeight < 0 || c.PeerQuality.ActiveWeight < 0:
		return domain.NewConfigError("heuristics.peer_quality", "weights must be non-negative")
	case c.PeerQuality.UptimeWeight+c.PeerQuality.SuccessWeight+c.PeerQuality.ActiveWeight == 0:
		return domain.NewConfigError("heuristics.peer_quality", "at least one weight must be positive")
	case c.NetworkPosition.MinCapacitySat <= 0 || c.NetworkPosition.MaxCapacitySat <= c.NetworkPosition.MinCapacitySat:
		return domain.NewConfigError("heuristics.network_position",
			"need 0 < min_capacity_sat < max_capacity_sat, got %d..%d",
			c.NetworkPosition.MinCapacitySat, c.NetworkPosition.MaxCapacitySat)
	}
	return nil
}
