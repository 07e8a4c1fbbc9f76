package heuristics

import (
	"math"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// ─── Centrality ─────────────────────────────────────────────────────────────

// Centrality scores the peer's position in the network graph.
type Centrality struct{ cfg CentralityConfig }

func (Centrality) Name() domain.HeuristicName { return domain.HeuristicCentrality }

func (h Centrality) Score(ch domain.ChannelState, _ domain.NetworkContext) Result {
	if ch.PeerCentrality == nil {
		return neutral()
	}
	return Result{Value: minMax(*ch.PeerCentrality, h.cfg.Min, h.cfg.Max)}
}

// ─── Liquidity ──────────────────────────────────────────────────────────────

// Liquidity peaks at a 50/50 split and decays monotonically toward either side.
type Liquidity struct{ cfg LiquidityConfig }

func (Liquidity) Name() domain.HeuristicName { return domain.HeuristicLiquidity }

func (h Liquidity) Score(ch domain.ChannelState, _ domain.NetworkContext) Result {
	ratio, ok := ch.LocalRatio()
	if !ok {
		return neutral()
	}
	balance := 1 - math.Abs(2*ratio-1)
	return Result{Value: math.Pow(clamp01(balance), h.cfg.Exponent)}
}

// ─── Activity ───────────────────────────────────────────────────────────────

// Activity blends the log-scaled 30-day forward count with the success rate.
type Activity struct{ cfg ActivityConfig }

func (Activity) Name() domain.HeuristicName { return domain.HeuristicActivity }

func (h Activity) Score(ch domain.ChannelState, _ domain.NetworkContext) Result {
	count := math.Log1p(float64(max(ch.ForwardCount30d, 0))) / math.Log1p(float64(h.cfg.SaturationCount))
	success := domain.NeutralScore
	estimated := true
	if ch.ForwardSuccessRate != nil {
		success = *ch.ForwardSuccessRate
		estimated = false
	}
	w := h.cfg.CountWeight
	return Result{
		Value:     w*clamp01(count) + (1-w)*clamp01(success),
		Estimated: estimated,
	}
}

// ─── Competitiveness ────────────────────────────────────────────────────────

// Competitiveness compares the advertised fee rate with the network median.
// At the median the score is 0.5; cheaper channels score higher.
type Competitiveness struct{ cfg CompetitivenessConfig }

func (Competitiveness) Name() domain.HeuristicName { return domain.HeuristicCompetitiveness }

func (h Competitiveness) Score(ch domain.ChannelState, net domain.NetworkContext) Result {
	if net.MedianFeeRatePPM <= 0 {
		return neutral()
	}
	rel := float64(ch.FeeRatePPM)/float64(net.MedianFeeRatePPM) - 1
	return Result{Value: sigmoid(rel, h.cfg.Steepness)}
}

// ─── Reliability ────────────────────────────────────────────────────────────

// Reliability scores peer uptime, and caps channels that have not
// forwarded successfully inside the observation window.
type Reliability struct{ cfg ReliabilityConfig }

func (Reliability) Name() domain.HeuristicName { return domain.HeuristicReliability }

func (h Reliability) Score(ch domain.ChannelState, net domain.NetworkContext) Result {
	score := domain.NeutralScore
	estimated := true
	if ch.PeerUptime != nil {
		score = minMax(*ch.PeerUptime, h.cfg.UptimeFloor, 1)
		estimated = false
	}
	if ch.ForwardSuccessRate != nil && *ch.ForwardSuccessRate < h.cfg.MinSuccessRate {
		score *= h.cfg.LowSuccessPenalty
	}
	if idle(ch, net.Now, h.cfg.ObservationDays) {
		score = math.Min(score, h.cfg.IdleCap)
	}
	return Result{Value: score, Estimated: estimated}
}

// idle reports whether the channel had no forward within the last days.
func idle(ch domain.ChannelState, now time.Time, days int) bool {
	if ch.ForwardCount30d == 0 {
		return true
	}
	if ch.LastForwardAt.IsZero() || now.IsZero() {
		return false
	}
	return now.Sub(ch.LastForwardAt) > time.Duration(days)*24*time.Hour
}

// ─── Age / Stability ────────────────────────────────────────────────────────

// AgeStability rewards maturity linearly up to the saturation age.
type AgeStability struct{ cfg AgeStabilityConfig }

func (AgeStability) Name() domain.HeuristicName { return domain.HeuristicAgeStability }

func (h AgeStability) Score(ch domain.ChannelState, _ domain.NetworkContext) Result {
	return Result{Value: minMax(float64(ch.AgeDays), 0, float64(h.cfg.SaturationDays))}
}

// ─── Peer Quality ───────────────────────────────────────────────────────────

// PeerQuality blends uptime, success rate, and whether the channel is active.
type PeerQuality struct{ cfg PeerQualityConfig }

func (PeerQuality) Name() domain.HeuristicName { return domain.HeuristicPeerQuality }

func (h PeerQuality) Score(ch domain.ChannelState, _ domain.NetworkContext) Result {
	uptime, success := domain.NeutralScore, domain.NeutralScore
	estimated := false
	if ch.PeerUptime != nil {
		uptime = *ch.PeerUptime
	} else {
		estimated = true
	}
	if ch.ForwardSuccessRate != nil {
		success = *ch.ForwardSuccessRate
	} else {
		estimated = true
	}
	active := 0.0
	if ch.Active {
		active = 1
	}
	total := h.cfg.UptimeWeight + h.cfg.SuccessWeight + h.cfg.ActiveWeight
	v := (h.cfg.UptimeWeight*clamp01(uptime) + h.cfg.SuccessWeight*clamp01(success) + h.cfg.ActiveWeight*active) / total
	return Result{Value: v, Estimated: estimated}
}

// ─── Network Position ───────────────────────────────────────────────────────

// NetworkPosition scores channel size on a log scale between configured bounds.
type NetworkPosition struct{ cfg NetworkPositionConfig }

func (NetworkPosition) Name() domain.HeuristicName { return domain.HeuristicNetworkPosition }

func (h NetworkPosition) Score(ch domain.ChannelState, _ domain.NetworkContext) Result {
	if ch.CapacitySat <= 0 {
		return neutral()
	}
	return Result{Value: logMinMax(float64(ch.CapacitySat), float64(h.cfg.MinCapacitySat), float64(h.cfg.MaxCapacitySat))}
}
