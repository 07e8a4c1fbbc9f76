// Package policy checks decisions against the operator's safety limits.
//
// Rules run in a fixed order. Clamping rules adjust the effective params and
// record a warning. Rejecting rules downgrade the decision to NO_ACTION and
// stop evaluation. The budget slot is reserved last, only for decisions every
// other rule let through.
package policy

import (
	"log/slog"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// QuarantineChecker reports channels excluded from automated execution.
type QuarantineChecker interface {
	IsQuarantined(channelID string) bool
}

// Validator applies SafetyConfig to decisions.
type Validator struct {
	cfg        SafetyConfig
	blacklist  map[string]bool
	whitelist  map[string]bool
	ledger     *Ledger
	quarantine QuarantineChecker
	logger     *slog.Logger
	now        func() time.Time
}

// NewValidator validates cfg and builds a Validator. quarantine may be nil.
func NewValidator(cfg SafetyConfig, ledger *Ledger, quarantine QuarantineChecker, logger *slog.Logger) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		cfg:        cfg,
		blacklist:  toSet(cfg.Blacklist),
		whitelist:  toSet(cfg.Whitelist),
		ledger:     ledger,
		quarantine: quarantine,
		logger:     logger.With("component", "policy"),
		now:        time.Now,
	}
	return v, nil
}

// Ledger returns the budget ledger shared with the executor.
func (v *Validator) Ledger() *Ledger { return v.ledger }

// Validate runs d through the rules. Approved mutating results hold a
// ledger reservation that the executor must Commit, Release, or Cancel.
func (v *Validator) Validate(d domain.Decision, ch domain.ChannelState) domain.ValidationResult {
	res := domain.ValidationResult{
		DecisionID:      d.ID,
		Approved:        true,
		EffectiveParams: d.Params,
		ValidatedAt:     v.now(),
	}
	if !domain.Mutating(d.Params) {
		res.EffectiveParams = domain.NoAction{}
		return res
	}

	reject := func(rule string) domain.ValidationResult {
		res.Approved = false
		res.ViolatedRules = append(res.ViolatedRules, rule)
		res.EffectiveParams = domain.NoAction{}
		v.logger.Info("decision rejected",
			"channel_id", d.ChannelID, "decision_id", d.ID, "type", d.Type(), "rule", rule)
		return res
	}

	switch {
	case v.blacklist[d.ChannelID]:
		return reject(domain.RuleBlacklisted)
	case len(v.whitelist) > 0 && !v.whitelist[d.ChannelID]:
		return reject(domain.RuleNotWhitelisted)
	case v.quarantine != nil && v.quarantine.IsQuarantined(d.ChannelID):
		return reject(domain.RuleChannelQuarantined)
	}

	switch p := d.Params.(type) {
	case domain.IncreaseFees, domain.DecreaseFees:
		fp, _ := domain.FeePolicyOf(p)
		clamped, rules := v.clampFees(fp)
		res.ViolatedRules = append(res.ViolatedRules, rules...)
		res.EffectiveParams = domain.WithFeePolicy(p, clamped)
		if clamped == ch.Policy() {
			return reject(domain.RuleNoEffectiveChange)
		}

	case domain.Rebalance:
		amount, clamped := v.clampRebalance(p, ch)
		if clamped {
			res.ViolatedRules = append(res.ViolatedRules, domain.RuleRebalanceClamped)
		}
		if amount <= 0 {
			return reject(domain.RuleRebalanceEmpty)
		}
		res.EffectiveParams = domain.Rebalance{AmountSat: amount, Direction: p.Direction}

	case domain.CloseChannel:
		if d.Confidence != domain.ConfidenceHigh {
			return reject(domain.RuleCloseNeedsHigh)
		}
	}

	if v.ledger != nil {
		if rule, ok := v.ledger.Admit(d.ID, d.ChannelID); !ok {
			return reject(rule)
		}
	}
	if len(res.ViolatedRules) > 0 {
		v.logger.Warn("decision clamped",
			"channel_id", d.ChannelID, "decision_id", d.ID, "rules", res.ViolatedRules)
	}
	return res
}

func (v *Validator) clampFees(fp domain.FeePolicy) (domain.FeePolicy, []string) {
	var rules []string
	if r := clampInt(fp.FeeRatePPM, v.cfg.MinFeeRatePPM, v.cfg.MaxFeeRatePPM); r != fp.FeeRatePPM {
		fp.FeeRatePPM = r
		rules = append(rules, domain.RuleFeeRateClamped)
	}
	if b := clampInt(fp.BaseFeeMsat, v.cfg.MinBaseFeeMsat, v.cfg.MaxBaseFeeMsat); b != fp.BaseFeeMsat {
		fp.BaseFeeMsat = b
		rules = append(rules, domain.RuleBaseFeeClamped)
	}
	return fp, rules
}

// clampRebalance bounds the amount by MaxRebalancePct of capacity and by the
// balance available on the sending side.
func (v *Validator) clampRebalance(p domain.Rebalance, ch domain.ChannelState) (int64, bool) {
	limit := int64(float64(ch.CapacitySat) * v.cfg.MaxRebalancePct)
	switch p.Direction {
	case domain.RebalancePushOut:
		limit = min(limit, ch.LocalBalanceSat)
	case domain.RebalancePullIn:
		limit = min(limit, ch.RemoteBalanceSat)
	}
	if p.AmountSat > limit {
		return max(limit, 0), true
	}
	return p.AmountSat, false
}

func clampInt(v, lo, hi int64) int64 {
	return max(lo, min(hi, v))
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
