package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type claimKey struct {
	decision uuid.UUID
	factor   string
}

// MemoryRepo is a process-local Repository for the memory storage driver.
type MemoryRepo struct {
	mu        sync.Mutex
	decisions map[uuid.UUID]Decision
	claims    map[claimKey]int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *MemoryRepo {
	return &MemoryRepo{
		decisions: make(map[uuid.UUID]Decision),
		claims:    make(map[claimKey]int),
	}
}

var _ Repository = (*MemoryRepo)(nil)

func cloneDecision(d Decision) Decision {
	d.TriggeredFactors = append([]TriggeredFactor{}, d.TriggeredFactors...)
	scores := make(map[string]float64, len(d.DomainScores))
	for k, v := range d.DomainScores {
		scores[k] = v
	}
	d.DomainScores = scores
	d.RelatedDecisions = append([]string{}, d.RelatedDecisions...)
	if d.Outcome != nil {
		o := *d.Outcome
		if o.FactorImpacts != nil {
			impacts := make(map[string]float64, len(o.FactorImpacts))
			for k, v := range o.FactorImpacts {
				impacts[k] = v
			}
			o.FactorImpacts = impacts
		}
		d.Outcome = &o
	}
	if d.ConsumedAt != nil {
		t := *d.ConsumedAt
		d.ConsumedAt = &t
	}
	return d
}

// Append implements Repository.
func (m *MemoryRepo) Append(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; ok {
		return decisionExists(d.ID)
	}
	d.Outcome = nil
	d.ConsumedAt = nil
	m.decisions[d.ID] = cloneDecision(d)
	return nil
}

// Get implements Repository.
func (m *MemoryRepo) Get(_ context.Context, id uuid.UUID) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return Decision{}, decisionNotFound(id)
	}
	return cloneDecision(d), nil
}

// Query implements Repository.
func (m *MemoryRepo) Query(_ context.Context, filter Filter) ([]Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids map[uuid.UUID]struct{}
	if len(filter.IDs) > 0 {
		ids = make(map[uuid.UUID]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = struct{}{}
		}
	}

	var out []Decision
	for _, d := range m.decisions {
		if filter.ProjectID != "" && d.ProjectID != filter.ProjectID {
			continue
		}
		if ids != nil {
			if _, ok := ids[d.ID]; !ok {
				continue
			}
		}
		if filter.Since != nil && d.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !d.CreatedAt.Before(*filter.Until) {
			continue
		}
		if filter.HasOutcome != nil && (d.Outcome != nil) != *filter.HasOutcome {
			continue
		}
		if filter.Consumed != nil && (d.ConsumedAt != nil) != *filter.Consumed {
			continue
		}
		out = append(out, cloneDecision(d))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AttachOutcome implements Repository.
func (m *MemoryRepo) AttachOutcome(_ context.Context, id uuid.UUID, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return decisionNotFound(id)
	}
	if d.Outcome != nil {
		return outcomeAlreadyAttached(id)
	}
	d.Outcome = &outcome
	m.decisions[id] = cloneDecision(d)
	return nil
}

// PendingCounts implements Repository.
func (m *MemoryRepo) PendingCounts(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, d := range m.decisions {
		if d.Outcome == nil {
			continue
		}
		for _, tf := range d.TriggeredFactors {
			if _, claimed := m.claims[claimKey{d.ID, tf.FactorCode}]; !claimed {
				out[tf.FactorCode]++
			}
		}
	}
	return out, nil
}

// ClaimSamples implements Repository.
func (m *MemoryRepo) ClaimSamples(_ context.Context, cycle int, factorCode string) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Sample
	for _, d := range m.decisions {
		if d.Outcome == nil {
			continue
		}
		for _, tf := range d.TriggeredFactors {
			if tf.FactorCode != factorCode {
				continue
			}
			key := claimKey{d.ID, factorCode}
			if owner, claimed := m.claims[key]; claimed && owner != cycle {
				continue
			}
			m.claims[key] = cycle
			out = append(out, Sample{
				DecisionID:     d.ID,
				FactorCode:     factorCode,
				Confidence:     tf.Confidence,
				ImpactScore:    tf.ImpactScore,
				WasAccurate:    d.Outcome.WasAccurate,
				ObservedImpact: ObservedImpact(factorCode, tf.ImpactScore, d.TotalImpact(), len(d.TriggeredFactors), *d.Outcome),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionID.String() < out[j].DecisionID.String() })
	return out, nil
}

// ReleaseSamples implements Repository.
func (m *MemoryRepo) ReleaseSamples(_ context.Context, cycle int, factorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, owner := range m.claims {
		if owner == cycle && key.factor == factorCode {
			delete(m.claims, key)
		}
	}
	return nil
}

// MarkConsumed implements Repository.
func (m *MemoryRepo) MarkConsumed(_ context.Context, at time.Time, activeFactors []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]struct{}, len(activeFactors))
	for _, code := range activeFactors {
		active[code] = struct{}{}
	}
	n := 0
	for id, d := range m.decisions {
		if d.ConsumedAt != nil || d.Outcome == nil {
			continue
		}
		all := true
		for _, tf := range d.TriggeredFactors {
			if _, ok := active[tf.FactorCode]; !ok {
				continue
			}
			if _, claimed := m.claims[claimKey{id, tf.FactorCode}]; !claimed {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		stamp := at
		d.ConsumedAt = &stamp
		m.decisions[id] = d
		n++
	}
	return n, nil
}
