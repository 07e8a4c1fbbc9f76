// Package scoring combines sub-scores into the composite channel score.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/tutu-network/chanopt/internal/domain"
)

// WeightTolerance is how far the weight sum may drift from 1.
const WeightTolerance = 1e-6

// ValidateWeights checks that w has exactly the known keys, no negative
// weight, and a sum of 1 within WeightTolerance.
func ValidateWeights(w domain.Weights) error {
	known := make(map[domain.HeuristicName]bool, len(domain.HeuristicNames))
	for _, n := range domain.HeuristicNames {
		known[n] = true
		if _, ok := w[n]; !ok {
			return domain.NewConfigError("weights."+string(n), "missing")
		}
	}
	sum := 0.0
	for n, v := range w {
		if !known[n] {
			return domain.NewConfigError("weights."+string(n), "unknown heuristic")
		}
		if v < 0 || math.IsNaN(v) {
			return domain.NewConfigError("weights."+string(n), "must be >= 0, got %v", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > WeightTolerance {
		return domain.NewConfigError("weights", "must sum to 1, got %.9f", sum)
	}
	return nil
}

// Combine returns Σ weight×subscore. Missing sub-scores count as neutral.
func Combine(channelID string, sub domain.SubScores, w domain.Weights, at time.Time) domain.CompositeScore {
	total := 0.0
	for _, n := range domain.HeuristicNames {
		total += w[n] * subscore(sub, n)
	}
	return domain.CompositeScore{
		ChannelID:  channelID,
		Value:      math.Max(0, math.Min(1, total)),
		SubScores:  sub,
		Weights:    w,
		ComputedAt: at,
	}
}

// Scorer holds a validated weight set.
type Scorer struct {
	weights domain.Weights
}

// NewScorer validates w once; a bad weight set never reaches a cycle.
func NewScorer(w domain.Weights) (*Scorer, error) {
	if err := ValidateWeights(w); err != nil {
		return nil, err
	}
	cp := make(domain.Weights, len(w))
	for k, v := range w {
		cp[k] = v
	}
	return &Scorer{weights: cp}, nil
}

// Combine scores one channel with the validated weights.
func (s *Scorer) Combine(channelID string, sub domain.SubScores, at time.Time) domain.CompositeScore {
	return Combine(channelID, sub, s.weights, at)
}

// Weights returns a copy of the weights.
func (s *Scorer) Weights() domain.Weights {
	cp := make(domain.Weights, len(s.weights))
	for k, v := range s.weights {
		cp[k] = v
	}
	return cp
}

// Contribution is one weight×subscore term.
type Contribution struct {
	Name     domain.HeuristicName
	Weight   float64
	SubScore float64
	Value    float64
}

// TopContributions returns the n largest |weight×subscore| terms, largest
// first. Ties break on heuristic name so output is stable.
func TopContributions(score domain.CompositeScore, n int) []Contribution {
	terms := make([]Contribution, 0, len(domain.HeuristicNames))
	for _, name := range domain.HeuristicNames {
		s := subscore(score.SubScores, name)
		w := score.Weights[name]
		terms = append(terms, Contribution{Name: name, Weight: w, SubScore: s, Value: w * s})
	}
	sort.SliceStable(terms, func(i, j int) bool {
		ai, aj := math.Abs(terms[i].Value), math.Abs(terms[j].Value)
		if ai != aj {
			return ai > aj
		}
		return terms[i].Name < terms[j].Name
	})
	if n > len(terms) {
		n = len(terms)
	}
	return terms[:n]
}

func subscore(sub domain.SubScores, n domain.HeuristicName) float64 {
	if v, ok := sub[n]; ok {
		return v
	}
	return domain.NeutralScore
}
