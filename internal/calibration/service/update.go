package service

import (
	"math"
	"time"

	"afiss_backend/internal/calibration/repository"
	factorrepo "afiss_backend/internal/factors/repository"
	ledgerrepo "afiss_backend/internal/ledger/repository"
)

type sampleStats struct {
	accuracy        float64
	meanImpactError float64 // weight units
	meanObserved    float64 // weight units
}

// summarize folds a factor's samples. Impact errors are measured in points
// and converted back to weight units.
func summarize(samples []ledgerrepo.Sample) sampleStats {
	if len(samples) == 0 {
		return sampleStats{}
	}
	var accurate, errSum, observed float64
	for _, s := range samples {
		if s.WasAccurate {
			accurate++
		}
		errSum += s.ObservedImpact - s.ImpactScore
		observed += s.ObservedImpact
	}
	n := float64(len(samples))
	return sampleStats{
		accuracy:        accurate / n,
		meanImpactError: errSum / n / factorrepo.ImpactScale,
		meanObserved:    observed / n / factorrepo.ImpactScale,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// replayWeights returns the weights in effect before and after the cycle's
// deltas, keyed by factor code.
func replayWeights(factors []factorrepo.Factor, deltas []repository.WeightDelta) (before, after map[string]float64) {
	before = make(map[string]float64, len(factors))
	after = make(map[string]float64, len(factors))
	for _, f := range factors {
		before[f.Code] = f.CurrentWeight
		after[f.Code] = f.CurrentWeight
	}
	for _, d := range deltas {
		before[d.FactorCode] = d.OldWeight
		after[d.FactorCode] = d.NewWeight
	}
	return before, after
}

// predictedImpact replays a decision's triggered factors at the given
// weights. Factors missing from weights keep the weight they were scored at.
func predictedImpact(d ledgerrepo.Decision, weights map[string]float64) float64 {
	var total float64
	for _, tf := range d.TriggeredFactors {
		w, ok := weights[tf.FactorCode]
		if !ok {
			w = tf.Weight
		}
		total += w * tf.Confidence * factorrepo.ImpactScale
	}
	return total
}

// accuracy is the mean of 1 - min(1, |predicted - actual| / max(|actual|, 1))
// over decisions with outcomes.
func accuracy(decisions []ledgerrepo.Decision, weights map[string]float64) float64 {
	var sum float64
	n := 0
	for _, d := range decisions {
		if d.Outcome == nil {
			continue
		}
		actual := d.Outcome.ActualImpact
		errRatio := math.Abs(predictedImpact(d, weights)-actual) / math.Max(math.Abs(actual), 1)
		sum += 1 - math.Min(1, errRatio)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func window(decisions []ledgerrepo.Decision) (*time.Time, *time.Time) {
	if len(decisions) == 0 {
		return nil, nil
	}
	start, end := decisions[0].CreatedAt, decisions[0].CreatedAt
	for _, d := range decisions[1:] {
		if d.CreatedAt.Before(start) {
			start = d.CreatedAt
		}
		if d.CreatedAt.After(end) {
			end = d.CreatedAt
		}
	}
	return &start, &end
}
