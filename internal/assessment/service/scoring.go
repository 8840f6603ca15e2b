package service

import (
	"fmt"
	"math"
	"sort"
	"strings"

	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/rules"
	ledgerrepo "afiss_backend/internal/ledger/repository"
)

// MaxDomainScore is the saturation ceiling of a domain score.
const MaxDomainScore = 100.0

// Complexity levels.
const (
	ComplexityLow      = "low"
	ComplexityModerate = "moderate"
	ComplexityHigh     = "high"
	ComplexityExtreme  = "extreme"
)

// Model tiers.
const (
	TierFast     = "fast"
	TierStandard = "standard"
	TierAdvanced = "advanced"
)

type complexityBand struct {
	level      string
	lower      float64
	multiplier ledgerrepo.MultiplierRange
}

// Bands are closed-open: a composite score equal to a lower bound belongs
// to that band.
var complexityBands = []complexityBand{
	{ComplexityExtreme, 59, ledgerrepo.MultiplierRange{Min: 2.5, Max: 3.5}},
	{ComplexityHigh, 47, ledgerrepo.MultiplierRange{Min: 2.1, Max: 2.8}},
	{ComplexityModerate, 30, ledgerrepo.MultiplierRange{Min: 1.45, Max: 1.85}},
	{ComplexityLow, 0, ledgerrepo.MultiplierRange{Min: 1.12, Max: 1.28}},
}

// ClassifyComplexity maps a composite score to its level and multiplier band.
func ClassifyComplexity(composite float64) (string, ledgerrepo.MultiplierRange) {
	for _, b := range complexityBands {
		if composite >= b.lower {
			return b.level, b.multiplier
		}
	}
	low := complexityBands[len(complexityBands)-1]
	return low.level, low.multiplier
}

type tierIndicator struct {
	keywords []string
	points   int
}

var tierIndicators = []tierIndicator{
	{[]string{"utility", "power line", "electrical"}, 2},
	{[]string{"commercial", "business", "office"}, 1},
	{[]string{"emergency", "storm", "hazard"}, 2},
	{[]string{"crane", "bucket truck", "complex"}, 1},
}

// SelectModelTier scores keyword indicators in the description. Each
// indicator group counts once. Extreme complexity always needs the
// advanced tier.
func SelectModelTier(description, complexity string) string {
	if complexity == ComplexityExtreme {
		return TierAdvanced
	}
	text := strings.ToLower(description)
	points := 0
	for _, ind := range tierIndicators {
		for _, kw := range ind.keywords {
			if strings.Contains(text, kw) {
				points += ind.points
				break
			}
		}
	}
	switch {
	case points >= 3:
		return TierAdvanced
	case points >= 1:
		return TierStandard
	default:
		return TierFast
	}
}

// TriggerFactors decides which factors apply. A structured rule match wins
// with confidence 1 regardless of similarity; otherwise a similarity at or
// above threshold triggers with the similarity as confidence.
func TriggerFactors(factors []factorrepo.Factor, similarities map[string]float64, ctx rules.Context, threshold float64) []ledgerrepo.TriggeredFactor {
	var out []ledgerrepo.TriggeredFactor
	for _, f := range factors {
		if !f.Active {
			continue
		}
		if rule, ok := f.TriggerRules.FirstMatch(ctx); ok {
			out = append(out, ledgerrepo.TriggeredFactor{
				FactorCode:  f.Code,
				Domain:      string(f.Domain),
				Weight:      f.CurrentWeight,
				Confidence:  1,
				ImpactScore: f.Impact(1),
				Source:      ledgerrepo.SourceRule,
				Reasoning:   "rule matched: " + rule.Describe(),
			})
			continue
		}
		sim, ok := similarities[f.Code]
		if !ok || sim < threshold {
			continue
		}
		confidence := math.Max(0, math.Min(1, sim))
		out = append(out, ledgerrepo.TriggeredFactor{
			FactorCode:  f.Code,
			Domain:      string(f.Domain),
			Weight:      f.CurrentWeight,
			Confidence:  confidence,
			ImpactScore: f.Impact(confidence),
			Source:      ledgerrepo.SourceSimilarity,
			Reasoning:   fmt.Sprintf("similarity %.3f >= threshold %.3f", sim, threshold),
		})
	}
	sortTriggered(out)
	return out
}

func sortTriggered(tfs []ledgerrepo.TriggeredFactor) {
	rank := make(map[string]int, len(factorrepo.AllDomains))
	for i, d := range factorrepo.AllDomains {
		rank[string(d)] = i
	}
	sort.SliceStable(tfs, func(i, j int) bool {
		if tfs[i].Domain != tfs[j].Domain {
			return rank[tfs[i].Domain] < rank[tfs[j].Domain]
		}
		if tfs[i].ImpactScore != tfs[j].ImpactScore {
			return tfs[i].ImpactScore > tfs[j].ImpactScore
		}
		return tfs[i].FactorCode < tfs[j].FactorCode
	})
}

// DomainScores sums impacts per domain, saturating into [0, 100]. Factors
// with equal impact are all counted. Every domain is present in the result.
func DomainScores(triggered []ledgerrepo.TriggeredFactor) map[string]float64 {
	scores := make(map[string]float64, len(factorrepo.AllDomains))
	for _, d := range factorrepo.AllDomains {
		scores[string(d)] = 0
	}
	for _, tf := range triggered {
		scores[tf.Domain] += tf.ImpactScore
	}
	for d, v := range scores {
		scores[d] = math.Max(0, math.Min(MaxDomainScore, v))
	}
	return scores
}

// CompositeScore weights the domain scores, summing in canonical domain
// order so the result is reproducible.
func CompositeScore(domainScores, weights map[string]float64) float64 {
	var total float64
	for _, d := range factorrepo.AllDomains {
		total += weights[string(d)] * domainScores[string(d)]
	}
	return total
}
