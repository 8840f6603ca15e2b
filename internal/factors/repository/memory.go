package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"afiss_backend/internal/factors/rules"
)

// MemoryRepo is an in-process Repository used by the memory storage driver
// and by tests.
type MemoryRepo struct {
	mu      sync.RWMutex
	factors map[string]Factor
	history map[string][]CalibrationEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepo {
	return &MemoryRepo{
		factors: make(map[string]Factor),
		history: make(map[string][]CalibrationEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*MemoryRepo)(nil)

func cloneFactor(f Factor) Factor {
	f.TriggerRules = append(rules.Set(nil), f.TriggerRules...)
	return f
}

// Get implements Repository.
func (m *MemoryRepo) Get(_ context.Context, code string) (Factor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.factors[code]
	if !ok {
		return Factor{}, unknownFactor(code)
	}
	return cloneFactor(f), nil
}

// List implements Repository.
func (m *MemoryRepo) List(_ context.Context, params ListParams) ([]Factor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Factor, 0, len(m.factors))
	for _, f := range m.factors {
		if params.Domain != nil && f.Domain != *params.Domain {
			continue
		}
		if params.ActiveOnly && !f.Active {
			continue
		}
		out = append(out, cloneFactor(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// History implements Repository.
func (m *MemoryRepo) History(_ context.Context, code string) ([]CalibrationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.factors[code]; !ok {
		return nil, unknownFactor(code)
	}
	return append([]CalibrationEntry{}, m.history[code]...), nil
}

// UpdateWeight implements Repository.
func (m *MemoryRepo) UpdateWeight(_ context.Context, update WeightUpdate) (Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[update.Code]
	if !ok {
		return Factor{}, unknownFactor(update.Code)
	}
	if f.Version != update.ExpectedVersion {
		return Factor{}, versionConflict(update.Code)
	}
	f.CurrentWeight = update.NewWeight
	f.UsageCount = update.UsageCount
	f.AccuracyRate = update.AccuracyRate
	f.AverageImpact = update.AverageImpact
	f.Version++
	f.UpdatedAt = m.now()
	m.factors[f.Code] = f
	m.history[f.Code] = append(m.history[f.Code], update.Entry)
	return cloneFactor(f), nil
}

// SetActive implements Repository.
func (m *MemoryRepo) SetActive(_ context.Context, code string, active bool) (Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[code]
	if !ok {
		return Factor{}, unknownFactor(code)
	}
	f.Active = active
	f.Version++
	f.UpdatedAt = m.now()
	m.factors[code] = f
	return cloneFactor(f), nil
}

// Upsert implements Repository.
func (m *MemoryRepo) Upsert(_ context.Context, def FactorDefinition) (Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	f, ok := m.factors[def.Code]
	if !ok {
		f = Factor{
			Code:           def.Code,
			CurrentWeight:  def.Weight,
			OriginalWeight: def.Weight,
			MinWeight:      def.MinWeight,
			MaxWeight:      def.MaxWeight,
			Active:         true,
			CreatedAt:      now,
		}
	}
	f.Name = def.Name
	f.Description = def.Description
	f.Domain = def.Domain
	f.BasePercentage = def.BasePercentage
	f.TriggerRules = append(rules.Set{}, def.TriggerRules...)
	f.Version++
	f.UpdatedAt = now
	m.factors[def.Code] = f
	return cloneFactor(f), nil
}
