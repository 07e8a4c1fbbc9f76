// Package heuristics computes the eight normalized sub-scores of a channel.
//
// Every heuristic is a pure function of (ChannelState, NetworkContext) that
// returns a value in [0,1]. A heuristic whose input is missing returns
// domain.NeutralScore and flags the result as estimated; estimation is an
// observability signal only and never reaches the decision rules.
package heuristics

import (
	"log/slog"
	"math"

	"github.com/tutu-network/chanopt/internal/domain"
)

// Result is one heuristic's output.
type Result struct {
	Value     float64
	Estimated bool
}

// Heuristic scores one aspect of a channel.
type Heuristic interface {
	Name() domain.HeuristicName
	Score(ch domain.ChannelState, net domain.NetworkContext) Result
}

// Scored is the full set of sub-scores for one channel.
type Scored struct {
	SubScores domain.SubScores
	Estimated []domain.HeuristicName
}

// Engine runs the fixed heuristic registry.
type Engine struct {
	heuristics []Heuristic
	logger     *slog.Logger
}

// NewEngine builds the registry from the per-heuristic bounds.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		heuristics: Registry(cfg),
		logger:     logger.With("component", "heuristics"),
	}
}

// Registry returns the eight heuristics in domain.HeuristicNames order.
func Registry(cfg Config) []Heuristic {
	return []Heuristic{
		Centrality{cfg.Centrality},
		Liquidity{cfg.Liquidity},
		Activity{cfg.Activity},
		Competitiveness{cfg.Competitiveness},
		Reliability{cfg.Reliability},
		AgeStability{cfg.AgeStability},
		PeerQuality{cfg.PeerQuality},
		NetworkPosition{cfg.NetworkPosition},
	}
}

// Names lists the registered heuristic names.
func (e *Engine) Names() []domain.HeuristicName {
	names := make([]domain.HeuristicName, len(e.heuristics))
	for i, h := range e.heuristics {
		names[i] = h.Name()
	}
	return names
}

// Score runs every heuristic. Out-of-range or NaN values are clamped and
// counted as estimated.
func (e *Engine) Score(ch domain.ChannelState, net domain.NetworkContext) Scored {
	out := Scored{SubScores: make(domain.SubScores, len(e.heuristics))}
	for _, h := range e.heuristics {
		r := h.Score(ch, net)
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			r = Result{Value: domain.NeutralScore, Estimated: true}
		}
		out.SubScores[h.Name()] = clamp01(r.Value)
		if r.Estimated {
			out.Estimated = append(out.Estimated, h.Name())
		}
	}
	if len(out.Estimated) > 0 {
		e.logger.Debug("sub-scores estimated", "channel_id", ch.ChannelID, "heuristics", out.Estimated)
	}
	return out
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func neutral() Result { return Result{Value: domain.NeutralScore, Estimated: true} }

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// minMax maps v from [lo,hi] onto [0,1].
func minMax(v, lo, hi float64) float64 {
	if hi <= lo {
		return domain.NeutralScore
	}
	return clamp01((v - lo) / (hi - lo))
}

// logMinMax maps v onto [0,1] on a log10 scale between lo and hi.
func logMinMax(v, lo, hi float64) float64 {
	if v <= 0 || lo <= 0 || hi <= lo {
		return 0
	}
	return minMax(math.Log10(v), math.Log10(lo), math.Log10(hi))
}

// sigmoid is a logistic curve centred at x=0, decreasing with x for k > 0.
func sigmoid(x, k float64) float64 {
	return 1 / (1 + math.Exp(k*x))
}
