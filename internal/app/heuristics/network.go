package heuristics

import (
	"slices"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// NewNetworkContext derives the per-cycle reference values from the node's
// own channel set. Inactive channels do not contribute to fee medians.
func NewNetworkContext(states []domain.ChannelState, now time.Time) domain.NetworkContext {
	net := domain.NetworkContext{Now: now, ChannelCount: len(states)}
	var rates, bases []int64
	for _, ch := range states {
		if ch.Active {
			rates = append(rates, ch.FeeRatePPM)
			bases = append(bases, ch.BaseFeeMsat)
		}
		net.MaxForwardCount = max(net.MaxForwardCount, ch.ForwardCount30d)
		if ch.CapacitySat > 0 {
			if net.MinCapacitySat == 0 || ch.CapacitySat < net.MinCapacitySat {
				net.MinCapacitySat = ch.CapacitySat
			}
			net.MaxCapacitySat = max(net.MaxCapacitySat, ch.CapacitySat)
		}
	}
	net.MedianFeeRatePPM = median(rates)
	net.MedianBaseFeeMsat = median(bases)
	return net
}

func median(vals []int64) int64 {
	if len(vals) == 0 {
		return 0
	}
	s := slices.Clone(vals)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
