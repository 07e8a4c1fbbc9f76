package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ─── ChannelState ───────────────────────────────────────────────────────────

func TestChannelState_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ch      ChannelState
		wantErr bool
	}{
		{"balanced", ChannelState{ChannelID: "c1", CapacitySat: 100, LocalBalanceSat: 50, RemoteBalanceSat: 50}, false},
		{"reserve left", ChannelState{ChannelID: "c1", CapacitySat: 100, LocalBalanceSat: 40, RemoteBalanceSat: 50}, false},
		{"over capacity", ChannelState{ChannelID: "c1", CapacitySat: 100, LocalBalanceSat: 60, RemoteBalanceSat: 50}, true},
		{"negative", ChannelState{ChannelID: "c1", CapacitySat: 100, LocalBalanceSat: -1}, true},
		{"no id", ChannelState{CapacitySat: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ch.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidChannelState) {
				t.Errorf("error %v should wrap ErrInvalidChannelState", err)
			}
		})
	}
}

func TestChannelState_LocalRatio(t *testing.T) {
	ch := ChannelState{CapacitySat: 1000, LocalBalanceSat: 950}
	r, ok := ch.LocalRatio()
	if !ok || r != 0.95 {
		t.Errorf("LocalRatio() = %v, %v, want 0.95, true", r, ok)
	}
	if _, ok := (ChannelState{}).LocalRatio(); ok {
		t.Error("LocalRatio() on zero capacity should report false")
	}
}

// ─── Params union ───────────────────────────────────────────────────────────

func TestParams_JSONKeepsVariant(t *testing.T) {
	cases := []Params{
		NoAction{},
		IncreaseFees{Policy: FeePolicy{BaseFeeMsat: 1000, FeeRatePPM: 600}},
		DecreaseFees{Policy: FeePolicy{BaseFeeMsat: 0, FeeRatePPM: 10}},
		Rebalance{AmountSat: 400_000, Direction: RebalancePushOut},
		CloseChannel{},
	}
	for _, p := range cases {
		raw, err := MarshalParams(p)
		if err != nil {
			t.Fatalf("MarshalParams(%T) error: %v", p, err)
		}
		got, err := UnmarshalParams(raw)
		if err != nil {
			t.Fatalf("UnmarshalParams(%s) error: %v", raw, err)
		}
		if got != p {
			t.Errorf("decoded %#v, want %#v", got, p)
		}
	}
}

func TestDecision_JSON(t *testing.T) {
	d := Decision{
		ID:         "d1",
		ChannelID:  "c1",
		Params:     Rebalance{AmountSat: 10, Direction: RebalancePullIn},
		Confidence: ConfidenceHigh,
		Reasoning:  "because",
		Composite:  0.25,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var out Decision
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if out.Type() != DecisionRebalance {
		t.Errorf("Type() = %s, want REBALANCE", out.Type())
	}
	if out.Params != d.Params {
		t.Errorf("Params = %#v, want %#v", out.Params, d.Params)
	}
}

func TestWithFeePolicy(t *testing.T) {
	p := WithFeePolicy(IncreaseFees{Policy: FeePolicy{FeeRatePPM: 6000}}, FeePolicy{FeeRatePPM: 5000})
	fp, ok := FeePolicyOf(p)
	if !ok || fp.FeeRatePPM != 5000 {
		t.Errorf("FeePolicyOf() = %v, %v, want 5000", fp, ok)
	}
	if _, ok := p.(IncreaseFees); !ok {
		t.Errorf("variant changed to %T", p)
	}
	if got := WithFeePolicy(CloseChannel{}, FeePolicy{}); got != (CloseChannel{}) {
		t.Errorf("WithFeePolicy on close = %#v", got)
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func TestExecutionError_Classification(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := fmt.Errorf("apply: %w", Transient("apply_policy", "c1", 503, cause))
	if !IsTransient(err) {
		t.Error("503 error should be transient")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable")
	}
	var ee *ExecutionError
	if !errors.As(err, &ee) || ee.StatusCode != 503 {
		t.Errorf("errors.As() = %v", ee)
	}

	perm := Permanent("apply_policy", "c1", 400, nil)
	if IsTransient(perm) || !errors.Is(perm, ErrPermanentExecution) {
		t.Errorf("400 error classified wrong: %v", perm)
	}
}

func TestConfigError_Is(t *testing.T) {
	err := fmt.Errorf("load: %w", NewConfigError("weights", "sum %.3f", 0.9))
	if !errors.Is(err, ErrConfig) {
		t.Error("ConfigError should match ErrConfig")
	}
	if want := "load: config: weights: sum 0.900"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStaleDataError_Is(t *testing.T) {
	err := &StaleDataError{ChannelID: "c1", Age: time.Hour, MaxAge: time.Minute}
	if !errors.Is(err, ErrStaleData) {
		t.Error("StaleDataError should match ErrStaleData")
	}
}
