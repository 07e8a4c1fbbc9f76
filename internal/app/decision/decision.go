// Package decision maps a composite score and channel state to one Decision.
//
// The engine keeps no state between calls: identical inputs always produce an
// identical Decision, including its ID, which is derived from the channel and
// the score timestamp.
//
// Rule order:
//   - composite ≥ high                                  → NO_ACTION
//   - composite < close, old enough, no forwards in 30d → CLOSE_CHANNEL
//   - composite < low: severe imbalance → REBALANCE, else DECREASE_FEES
//   - composite < mid: severe imbalance → REBALANCE, local side depleted on
//     an active channel → INCREASE_FEES
//   - otherwise                                          → NO_ACTION
package decision

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/chanopt/internal/app/scoring"
	"github.com/tutu-network/chanopt/internal/domain"
)

// decisionNamespace scopes decision IDs.
var decisionNamespace = uuid.MustParse("6f1d3c2e-8a47-4b0e-9a55-2c1f7d0b9e41")

// Thresholds configures the decision rules.
type Thresholds struct {
	High               float64 `toml:"high" yaml:"high"`
	Mid                float64 `toml:"mid" yaml:"mid"`
	Low                float64 `toml:"low" yaml:"low"`
	Close              float64 `toml:"close" yaml:"close"`
	MinAgeForCloseDays int     `toml:"min_age_for_close_days" yaml:"min_age_for_close_days"`

	// ImbalanceRatio is the share of capacity on one side beyond which a
	// channel counts as severely imbalanced (0.85 means worse than 85/15).
	ImbalanceRatio float64 `toml:"imbalance_ratio" yaml:"imbalance_ratio"`
	// DepletedLocalRatio is the local share at or below which fees may rise.
	DepletedLocalRatio     float64 `toml:"depleted_local_ratio" yaml:"depleted_local_ratio"`
	MinActivityForIncrease float64 `toml:"min_activity_for_increase" yaml:"min_activity_for_increase"`

	FeeStep              float64 `toml:"fee_step" yaml:"fee_step"` // fraction per change
	RebalanceTargetRatio float64 `toml:"rebalance_target_ratio" yaml:"rebalance_target_ratio"`

	HighConfidenceDistance   float64 `toml:"high_confidence_distance" yaml:"high_confidence_distance"`
	MediumConfidenceDistance float64 `toml:"medium_confidence_distance" yaml:"medium_confidence_distance"`
}

// DefaultThresholds returns the stock rule thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		High:                     0.7,
		Mid:                      0.5,
		Low:                      0.3,
		Close:                    0.1,
		MinAgeForCloseDays:       30,
		ImbalanceRatio:           0.85,
		DepletedLocalRatio:       0.3,
		MinActivityForIncrease:   0.3,
		FeeStep:                  0.15,
		RebalanceTargetRatio:     0.5,
		HighConfidenceDistance:   0.05,
		MediumConfidenceDistance: 0.02,
	}
}

// Validate returns a ConfigError for thresholds the rules cannot use.
func (t Thresholds) Validate() error {
	switch {
	case !(0 <= t.Close && t.Close < t.Low && t.Low < t.Mid && t.Mid < t.High && t.High <= 1):
		return domain.NewConfigError("thresholds",
			"need 0 <= close < low < mid < high <= 1, got %.3f/%.3f/%.3f/%.3f", t.Close, t.Low, t.Mid, t.High)
	case t.MinAgeForCloseDays < 0:
		return domain.NewConfigError("thresholds.min_age_for_close_days", "must be >= 0")
	case t.ImbalanceRatio <= 0.5 || t.ImbalanceRatio >= 1:
		return domain.NewConfigError("thresholds.imbalance_ratio", "must be in (0.5,1)")
	case t.DepletedLocalRatio <= 0 || t.DepletedLocalRatio >= 0.5:
		return domain.NewConfigError("thresholds.depleted_local_ratio", "must be in (0,0.5)")
	case t.MinActivityForIncrease < 0 || t.MinActivityForIncrease > 1:
		return domain.NewConfigError("thresholds.min_activity_for_increase", "must be in [0,1]")
	case t.FeeStep <= 0 || t.FeeStep >= 1:
		return domain.NewConfigError("thresholds.fee_step", "must be in (0,1)")
	case t.RebalanceTargetRatio <= 0 || t.RebalanceTargetRatio >= 1:
		return domain.NewConfigError("thresholds.rebalance_target_ratio", "must be in (0,1)")
	case t.MediumConfidenceDistance <= 0 || t.HighConfidenceDistance <= t.MediumConfidenceDistance:
		return domain.NewConfigError("thresholds", "need 0 < medium_confidence_distance < high_confidence_distance")
	}
	return nil
}

// Engine applies Thresholds. It is safe for concurrent use.
type Engine struct {
	t Thresholds
}

// NewEngine validates t and returns an Engine.
func NewEngine(t Thresholds) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Engine{t: t}, nil
}

// Thresholds returns the configured thresholds.
func (e *Engine) Thresholds() Thresholds { return e.t }

// Decide returns the Decision for one channel.
func (e *Engine) Decide(score domain.CompositeScore, ch domain.ChannelState, net domain.NetworkContext) domain.Decision {
	params, why := e.rule(score, ch, net)
	return domain.Decision{
		ID:         DecisionID(ch.ChannelID, score.ComputedAt),
		ChannelID:  ch.ChannelID,
		Params:     params,
		Confidence: e.Confidence(score.Value),
		Reasoning:  reasoning(score, why),
		Composite:  score.Value,
		CreatedAt:  score.ComputedAt,
	}
}

// DecisionID derives a stable ID from the channel and the score time.
func DecisionID(channelID string, computedAt time.Time) string {
	key := channelID + "|" + computedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(decisionNamespace, []byte(key)).String()
}

func (e *Engine) rule(score domain.CompositeScore, ch domain.ChannelState, net domain.NetworkContext) (domain.Params, string) {
	t := e.t
	v := score.Value
	ratio, hasRatio := ch.LocalRatio()
	imbalanced := hasRatio && (ratio > t.ImbalanceRatio || ratio < 1-t.ImbalanceRatio)

	switch {
	case v >= t.High:
		return domain.NoAction{}, fmt.Sprintf("composite %.3f at or above high threshold %.2f", v, t.High)

	case v < t.Close && ch.AgeDays >= t.MinAgeForCloseDays && ch.ForwardCount30d == 0:
		return domain.CloseChannel{}, fmt.Sprintf("composite %.3f below close threshold %.2f, age %dd, no forwards in 30d",
			v, t.Close, ch.AgeDays)

	case v < t.Low:
		if imbalanced {
			return e.rebalance(ch, ratio, fmt.Sprintf("composite %.3f below low threshold %.2f", v, t.Low))
		}
		return e.decrease(ch, net, fmt.Sprintf("composite %.3f below low threshold %.2f", v, t.Low))

	case v < t.Mid:
		// Either side past the imbalance ratio rebalances, as in the low band.
		if imbalanced {
			return e.rebalance(ch, ratio, fmt.Sprintf("composite %.3f in mid band", v))
		}
		activity := score.SubScores[domain.HeuristicActivity]
		if hasRatio && ratio <= t.DepletedLocalRatio && ch.Active && activity >= t.MinActivityForIncrease {
			return e.increase(ch, fmt.Sprintf("composite %.3f in mid band, local side depleted at %.0f%% with activity %.2f",
				v, ratio*100, activity))
		}
		return domain.NoAction{}, fmt.Sprintf("composite %.3f in mid band, local liquidity not depleted", v)
	}
	return domain.NoAction{}, fmt.Sprintf("composite %.3f between mid %.2f and high %.2f", v, t.Mid, t.High)
}

func (e *Engine) rebalance(ch domain.ChannelState, ratio float64, prefix string) (domain.Params, string) {
	target := int64(math.Round(float64(ch.CapacitySat) * e.t.RebalanceTargetRatio))
	amount := ch.LocalBalanceSat - target
	dir := domain.RebalancePushOut
	if amount < 0 {
		amount = -amount
		dir = domain.RebalancePullIn
	}
	why := fmt.Sprintf("%s; local/remote %.0f/%.0f beyond %.0f/%.0f imbalance",
		prefix, ratio*100, (1-ratio)*100, e.t.ImbalanceRatio*100, (1-e.t.ImbalanceRatio)*100)
	if amount == 0 {
		return domain.NoAction{}, why + "; already at target"
	}
	return domain.Rebalance{AmountSat: amount, Direction: dir}, why
}

func (e *Engine) decrease(ch domain.ChannelState, net domain.NetworkContext, prefix string) (domain.Params, string) {
	ref := ch.FeeRatePPM
	if net.MedianFeeRatePPM > 0 && net.MedianFeeRatePPM < ref {
		ref = net.MedianFeeRatePPM
	}
	rate := int64(math.Floor(float64(ref)*(1-e.t.FeeStep) + 1e-9))
	base := ch.BaseFeeMsat
	if net.MedianBaseFeeMsat > 0 && net.MedianBaseFeeMsat < base {
		base = net.MedianBaseFeeMsat
	}
	if rate >= ch.FeeRatePPM && base >= ch.BaseFeeMsat {
		return domain.NoAction{}, prefix + "; fees already at floor"
	}
	why := fmt.Sprintf("%s; fee rate %d -> %d ppm (network median %d)", prefix, ch.FeeRatePPM, rate, net.MedianFeeRatePPM)
	return domain.DecreaseFees{Policy: domain.FeePolicy{BaseFeeMsat: base, FeeRatePPM: rate}}, why
}

func (e *Engine) increase(ch domain.ChannelState, prefix string) (domain.Params, string) {
	rate := int64(math.Ceil(float64(ch.FeeRatePPM)*(1+e.t.FeeStep) - 1e-9))
	if rate <= ch.FeeRatePPM {
		rate = ch.FeeRatePPM + 1
	}
	why := fmt.Sprintf("%s; fee rate %d -> %d ppm", prefix, ch.FeeRatePPM, rate)
	return domain.IncreaseFees{Policy: domain.FeePolicy{BaseFeeMsat: ch.BaseFeeMsat, FeeRatePPM: rate}}, why
}

// Confidence grows with the distance between v and the nearest threshold.
func (e *Engine) Confidence(v float64) domain.Confidence {
	d := math.Inf(1)
	for _, th := range []float64{e.t.Close, e.t.Low, e.t.Mid, e.t.High} {
		d = math.Min(d, math.Abs(v-th))
	}
	switch {
	case d >= e.t.HighConfidenceDistance:
		return domain.ConfidenceHigh
	case d >= e.t.MediumConfidenceDistance:
		return domain.ConfidenceMedium
	}
	return domain.ConfidenceLow
}

func reasoning(score domain.CompositeScore, why string) string {
	var b strings.Builder
	b.WriteString(why)
	b.WriteString("; top factors: ")
	for i, c := range scoring.TopContributions(score, 2) {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %.2f×%.2f=%.3f", c.Name, c.Weight, c.SubScore, c.Value)
	}
	return b.String()
}
