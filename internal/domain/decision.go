package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ─── Scores ─────────────────────────────────────────────────────────────────

// HeuristicName identifies one of the fixed sub-scores.
type HeuristicName string

const (
	HeuristicCentrality      HeuristicName = "centrality"
	HeuristicLiquidity       HeuristicName = "liquidity"
	HeuristicActivity        HeuristicName = "activity"
	HeuristicCompetitiveness HeuristicName = "competitiveness"
	HeuristicReliability     HeuristicName = "reliability"
	HeuristicAgeStability    HeuristicName = "age_stability"
	HeuristicPeerQuality     HeuristicName = "peer_quality"
	HeuristicNetworkPosition HeuristicName = "network_position"
)

// HeuristicNames lists every sub-score key in a stable order.
var HeuristicNames = []HeuristicName{
	HeuristicCentrality,
	HeuristicLiquidity,
	HeuristicActivity,
	HeuristicCompetitiveness,
	HeuristicReliability,
	HeuristicAgeStability,
	HeuristicPeerQuality,
	HeuristicNetworkPosition,
}

// NeutralScore is substituted whenever a heuristic lacks its input.
const NeutralScore = 0.5

// SubScores maps each heuristic to its normalized value in [0,1].
type SubScores map[HeuristicName]float64

// Weights maps each heuristic to its weight. Weights sum to 1.
type Weights map[HeuristicName]float64

// CompositeScore is the weighted sum of the sub-scores for one channel.
type CompositeScore struct {
	ChannelID  string    `json:"channel_id"`
	Value      float64   `json:"value"`
	SubScores  SubScores `json:"sub_scores"`
	Weights    Weights   `json:"weights"`
	ComputedAt time.Time `json:"computed_at"`
}

// ─── Decisions ──────────────────────────────────────────────────────────────

// DecisionType is the discriminator of the Params union.
type DecisionType string

const (
	DecisionNoAction     DecisionType = "NO_ACTION"
	DecisionIncreaseFees DecisionType = "INCREASE_FEES"
	DecisionDecreaseFees DecisionType = "DECREASE_FEES"
	DecisionRebalance    DecisionType = "REBALANCE"
	DecisionClose        DecisionType = "CLOSE_CHANNEL"
)

// ParseDecisionType accepts the canonical upper-case names.
func ParseDecisionType(s string) (DecisionType, error) {
	switch t := DecisionType(s); t {
	case DecisionNoAction, DecisionIncreaseFees, DecisionDecreaseFees, DecisionRebalance, DecisionClose:
		return t, nil
	}
	return "", fmt.Errorf("unknown decision type %q", s)
}

// Confidence is the tier attached to a decision.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Params is the tagged union of proposed parameters. Each variant carries
// only the fields relevant to its decision type.
type Params interface {
	Type() DecisionType
	isParams()
}

// NoAction proposes nothing.
type NoAction struct{}

// IncreaseFees proposes a higher fee policy.
type IncreaseFees struct {
	Policy FeePolicy `json:"policy"`
}

// DecreaseFees proposes a lower fee policy.
type DecreaseFees struct {
	Policy FeePolicy `json:"policy"`
}

// RebalanceDirection says which side of the channel receives liquidity.
type RebalanceDirection string

const (
	// RebalancePushOut moves liquidity from local to remote.
	RebalancePushOut RebalanceDirection = "PUSH_OUT"
	// RebalancePullIn moves liquidity from remote to local.
	RebalancePullIn RebalanceDirection = "PULL_IN"
)

// Rebalance proposes moving AmountSat in Direction.
type Rebalance struct {
	AmountSat int64              `json:"amount_sat"`
	Direction RebalanceDirection `json:"direction"`
}

// CloseChannel proposes a cooperative close.
type CloseChannel struct{}

func (NoAction) Type() DecisionType     { return DecisionNoAction }
func (IncreaseFees) Type() DecisionType { return DecisionIncreaseFees }
func (DecreaseFees) Type() DecisionType { return DecisionDecreaseFees }
func (Rebalance) Type() DecisionType    { return DecisionRebalance }
func (CloseChannel) Type() DecisionType { return DecisionClose }

func (NoAction) isParams()     {}
func (IncreaseFees) isParams() {}
func (DecreaseFees) isParams() {}
func (Rebalance) isParams()    {}
func (CloseChannel) isParams() {}

// FeePolicyOf returns the fee policy carried by a fee-change variant.
func FeePolicyOf(p Params) (FeePolicy, bool) {
	switch v := p.(type) {
	case IncreaseFees:
		return v.Policy, true
	case DecreaseFees:
		return v.Policy, true
	}
	return FeePolicy{}, false
}

// WithFeePolicy returns a copy of a fee-change variant carrying fp.
// Other variants are returned unchanged.
func WithFeePolicy(p Params, fp FeePolicy) Params {
	switch p.(type) {
	case IncreaseFees:
		return IncreaseFees{Policy: fp}
	case DecreaseFees:
		return DecreaseFees{Policy: fp}
	}
	return p
}

// Mutating reports whether executing p changes live state.
func Mutating(p Params) bool {
	return p != nil && p.Type() != DecisionNoAction
}

// Decision is produced once per channel per cycle and never edited.
type Decision struct {
	ID         string     `json:"id"`
	ChannelID  string     `json:"channel_id"`
	Params     Params     `json:"-"`
	Confidence Confidence `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Composite  float64    `json:"composite_score"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Type returns the decision type of the proposed params.
func (d Decision) Type() DecisionType {
	if d.Params == nil {
		return DecisionNoAction
	}
	return d.Params.Type()
}

// ─── Params JSON ────────────────────────────────────────────────────────────

type paramsEnvelope struct {
	Type      DecisionType       `json:"type"`
	Policy    *FeePolicy         `json:"policy,omitempty"`
	AmountSat int64              `json:"amount_sat,omitempty"`
	Direction RebalanceDirection `json:"direction,omitempty"`
}

// MarshalParams encodes a Params variant with its discriminator.
func MarshalParams(p Params) ([]byte, error) {
	if p == nil {
		p = NoAction{}
	}
	env := paramsEnvelope{Type: p.Type()}
	switch v := p.(type) {
	case IncreaseFees:
		env.Policy = &v.Policy
	case DecreaseFees:
		env.Policy = &v.Policy
	case Rebalance:
		env.AmountSat = v.AmountSat
		env.Direction = v.Direction
	}
	return json.Marshal(env)
}

// UnmarshalParams decodes what MarshalParams produced.
func UnmarshalParams(data []byte) (Params, error) {
	if len(data) == 0 || string(data) == "null" {
		return NoAction{}, nil
	}
	var env paramsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	switch env.Type {
	case DecisionNoAction, "":
		return NoAction{}, nil
	case DecisionIncreaseFees, DecisionDecreaseFees:
		if env.Policy == nil {
			return nil, fmt.Errorf("decode params: %s without policy", env.Type)
		}
		if env.Type == DecisionIncreaseFees {
			return IncreaseFees{Policy: *env.Policy}, nil
		}
		return DecreaseFees{Policy: *env.Policy}, nil
	case DecisionRebalance:
		return Rebalance{AmountSat: env.AmountSat, Direction: env.Direction}, nil
	case DecisionClose:
		return CloseChannel{}, nil
	}
	return nil, fmt.Errorf("decode params: unknown type %q", env.Type)
}

type decisionJSON struct {
	ID         string          `json:"id"`
	ChannelID  string          `json:"channel_id"`
	Type       DecisionType    `json:"decision_type"`
	Params     json.RawMessage `json:"proposed_params"`
	Confidence Confidence      `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Composite  float64         `json:"composite_score"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MarshalJSON includes the tagged params.
func (d Decision) MarshalJSON() ([]byte, error) {
	raw, err := MarshalParams(d.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(decisionJSON{
		ID:         d.ID,
		ChannelID:  d.ChannelID,
		Type:       d.Type(),
		Params:     raw,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Composite:  d.Composite,
		CreatedAt:  d.CreatedAt,
	})
}

// UnmarshalJSON restores the tagged params.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var aux decisionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := UnmarshalParams(aux.Params)
	if err != nil {
		return err
	}
	*d = Decision{
		ID:         aux.ID,
		ChannelID:  aux.ChannelID,
		Params:     p,
		Confidence: aux.Confidence,
		Reasoning:  aux.Reasoning,
		Composite:  aux.Composite,
		CreatedAt:  aux.CreatedAt,
	}
	return nil
}
