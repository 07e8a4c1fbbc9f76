package domain

import (
	"encoding/json"
	"time"
)

// ─── Validation ─────────────────────────────────────────────────────────────

// Rule identifiers recorded in ValidationResult.ViolatedRules.
const (
	RuleBlacklisted          = "blacklisted"
	RuleNotWhitelisted       = "not_whitelisted"
	RuleChannelQuarantined   = "channel_quarantined"
	RuleFeeRateClamped       = "fee_rate_clamped"
	RuleBaseFeeClamped       = "base_fee_clamped"
	RuleRebalanceClamped     = "rebalance_amount_clamped"
	RuleRebalanceEmpty       = "rebalance_amount_zero"
	RuleCloseNeedsHigh       = "close_requires_high_confidence"
	RuleCooldownActive       = "cooldown_active"
	RuleChannelBusy          = "channel_in_flight"
	RuleDailyBudgetExhausted = "daily_budget_exhausted"
	RuleNoEffectiveChange    = "no_effective_change"
)

// ValidationResult is the outcome of running a Decision through the safety rules.
type ValidationResult struct {
	DecisionID      string    `json:"decision_id"`
	Approved        bool      `json:"approved"`
	ViolatedRules   []string  `json:"violated_rules"`
	EffectiveParams Params    `json:"-"`
	ValidatedAt     time.Time `json:"validated_at"`
}

type validationJSON struct {
	DecisionID      string          `json:"decision_id"`
	Approved        bool            `json:"approved"`
	ViolatedRules   []string        `json:"violated_rules"`
	EffectiveParams json.RawMessage `json:"effective_params"`
	ValidatedAt     time.Time       `json:"validated_at"`
}

// MarshalJSON includes the tagged effective params.
func (v ValidationResult) MarshalJSON() ([]byte, error) {
	raw, err := MarshalParams(v.EffectiveParams)
	if err != nil {
		return nil, err
	}
	rules := v.ViolatedRules
	if rules == nil {
		rules = []string{}
	}
	return json.Marshal(validationJSON{
		DecisionID:      v.DecisionID,
		Approved:        v.Approved,
		ViolatedRules:   rules,
		EffectiveParams: raw,
		ValidatedAt:     v.ValidatedAt,
	})
}

// UnmarshalJSON restores the tagged effective params.
func (v *ValidationResult) UnmarshalJSON(data []byte) error {
	var aux validationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := UnmarshalParams(aux.EffectiveParams)
	if err != nil {
		return err
	}
	*v = ValidationResult{
		DecisionID:      aux.DecisionID,
		Approved:        aux.Approved,
		ViolatedRules:   aux.ViolatedRules,
		EffectiveParams: p,
		ValidatedAt:     aux.ValidatedAt,
	}
	return nil
}

// Executes reports whether the validated decision leads to a mutation.
func (v ValidationResult) Executes() bool {
	return v.Approved && Mutating(v.EffectiveParams)
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

// Snapshot is the fee policy of a channel captured right before a change.
type Snapshot struct {
	ID          string    `json:"snapshot_id"`
	ChannelID   string    `json:"channel_id"`
	BaseFeeMsat int64     `json:"base_fee_msat"`
	FeeRatePPM  int64     `json:"fee_rate_ppm"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Policy returns the captured fee policy.
func (s Snapshot) Policy() FeePolicy {
	return FeePolicy{BaseFeeMsat: s.BaseFeeMsat, FeeRatePPM: s.FeeRatePPM}
}

// ─── Execution ──────────────────────────────────────────────────────────────

// ExecutionStatus is the lifecycle state of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecPending    ExecutionStatus = "PENDING"
	ExecExecuting  ExecutionStatus = "EXECUTING"
	ExecSucceeded  ExecutionStatus = "SUCCEEDED"
	ExecFailed     ExecutionStatus = "FAILED"
	ExecRolledBack ExecutionStatus = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed || s == ExecRolledBack
}

// ExecutionRecord tracks one attempt to apply a decision.
type ExecutionRecord struct {
	DecisionID   string          `json:"decision_id"`
	ChannelID    string          `json:"channel_id"`
	Type         DecisionType    `json:"decision_type"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	DryRun       bool            `json:"dry_run"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// RevertPrefix marks the decision ID of an operator revert record.
const RevertPrefix = "revert-"

// ─── Shadow Log ─────────────────────────────────────────────────────────────

// ShadowLogEntry is the audit record written once per channel per cycle.
type ShadowLogEntry struct {
	ID         string           `json:"id"`
	CycleID    string           `json:"cycle_id"`
	Channel    ChannelSummary   `json:"channel"`
	Score      CompositeScore   `json:"score"`
	Decision   Decision         `json:"decision"`
	Validation ValidationResult `json:"validation"`
	Execution  *ExecutionRecord `json:"execution,omitempty"`
	DryRun     bool             `json:"dry_run"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// ShadowQuery filters shadow log reads. Zero values mean unbounded.
type ShadowQuery struct {
	From      time.Time
	To        time.Time
	Type      DecisionType
	ChannelID string
	Limit     int
}

// QuarantineRecord marks a channel excluded from automated execution.
type QuarantineRecord struct {
	ChannelID  string    `json:"channel_id"`
	Reason     string    `json:"reason"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}
