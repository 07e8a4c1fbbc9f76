package domain

import (
	"fmt"
	"time"
)

// ─── Channel State ──────────────────────────────────────────────────────────

// ChannelState is one channel as reported by the backend for a single cycle.
// It is read-only for the rest of the pipeline.
type ChannelState struct {
	ChannelID        string    `json:"channel_id"`
	PeerID           string    `json:"peer_id"`
	CapacitySat      int64     `json:"capacity_sat"`
	LocalBalanceSat  int64     `json:"local_balance_sat"`
	RemoteBalanceSat int64     `json:"remote_balance_sat"`
	Active           bool      `json:"active"`
	AgeDays          int       `json:"age_days"`
	LastForwardAt    time.Time `json:"last_forward_at,omitempty"`
	BaseFeeMsat      int64     `json:"base_fee_msat"`
	FeeRatePPM       int64     `json:"fee_rate_ppm"`
	ForwardCount30d  int       `json:"forward_count_30d"`

	// Optional inputs. nil means the backend did not report the value.
	PeerUptime         *float64 `json:"peer_uptime,omitempty"`
	ForwardSuccessRate *float64 `json:"forward_success_rate,omitempty"`
	PeerCentrality     *float64 `json:"peer_centrality,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the balance invariant.
func (c ChannelState) Validate() error {
	if c.ChannelID == "" {
		return fmt.Errorf("%w: empty channel id", ErrInvalidChannelState)
	}
	if c.CapacitySat < 0 || c.LocalBalanceSat < 0 || c.RemoteBalanceSat < 0 {
		return fmt.Errorf("%w: %s has negative amounts", ErrInvalidChannelState, c.ChannelID)
	}
	if c.LocalBalanceSat+c.RemoteBalanceSat > c.CapacitySat {
		return fmt.Errorf("%w: %s local %d + remote %d exceeds capacity %d",
			ErrInvalidChannelState, c.ChannelID, c.LocalBalanceSat, c.RemoteBalanceSat, c.CapacitySat)
	}
	return nil
}

// LocalRatio returns local / capacity, and false when capacity is zero.
func (c ChannelState) LocalRatio() (float64, bool) {
	if c.CapacitySat <= 0 {
		return 0, false
	}
	return float64(c.LocalBalanceSat) / float64(c.CapacitySat), true
}

// Policy returns the fee policy currently advertised on the channel.
func (c ChannelState) Policy() FeePolicy {
	return FeePolicy{BaseFeeMsat: c.BaseFeeMsat, FeeRatePPM: c.FeeRatePPM}
}

// Summary returns the compact form stored in the shadow log.
func (c ChannelState) Summary() ChannelSummary {
	return ChannelSummary{
		ChannelID:        c.ChannelID,
		PeerID:           c.PeerID,
		CapacitySat:      c.CapacitySat,
		LocalBalanceSat:  c.LocalBalanceSat,
		RemoteBalanceSat: c.RemoteBalanceSat,
		Active:           c.Active,
		AgeDays:          c.AgeDays,
		BaseFeeMsat:      c.BaseFeeMsat,
		FeeRatePPM:       c.FeeRatePPM,
		ForwardCount30d:  c.ForwardCount30d,
		ObservedAt:       c.ObservedAt,
	}
}

// ChannelSummary is the subset of ChannelState kept in the audit trail.
type ChannelSummary struct {
	ChannelID        string    `json:"channel_id"`
	PeerID           string    `json:"peer_id"`
	CapacitySat      int64     `json:"capacity_sat"`
	LocalBalanceSat  int64     `json:"local_balance_sat"`
	RemoteBalanceSat int64     `json:"remote_balance_sat"`
	Active           bool      `json:"active"`
	AgeDays          int       `json:"age_days"`
	BaseFeeMsat      int64     `json:"base_fee_msat"`
	FeeRatePPM       int64     `json:"fee_rate_ppm"`
	ForwardCount30d  int       `json:"forward_count_30d"`
	ObservedAt       time.Time `json:"observed_at"`
}

// FeePolicy is the (base_fee, fee_rate) pair advertised for a channel.
type FeePolicy struct {
	BaseFeeMsat int64 `json:"base_fee_msat"`
	FeeRatePPM  int64 `json:"fee_rate_ppm"`
}

// NetworkContext carries values derived from the whole channel set for one cycle.
type NetworkContext struct {
	Now               time.Time `json:"now"`
	MedianFeeRatePPM  int64     `json:"median_fee_rate_ppm"`
	MedianBaseFeeMsat int64     `json:"median_base_fee_msat"`
	MaxForwardCount   int       `json:"max_forward_count"`
	MinCapacitySat    int64     `json:"min_capacity_sat"`
	MaxCapacitySat    int64     `json:"max_capacity_sat"`
	ChannelCount      int       `json:"channel_count"`
}
