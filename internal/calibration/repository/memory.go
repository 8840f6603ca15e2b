package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository used by the memory storage driver
// and by tests.
type MemoryRepo struct {
	mu          sync.RWMutex
	cycles      map[int]Cycle
	checkpoints map[int]map[string]Checkpoint
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepo {
	return &MemoryRepo{
		cycles:      make(map[int]Cycle),
		checkpoints: make(map[int]map[string]Checkpoint),
	}
}

var _ Repository = (*MemoryRepo)(nil)

func cloneCycle(c Cycle) Cycle {
	c.DecisionsAnalyzed = append([]uuid.UUID{}, c.DecisionsAnalyzed...)
	c.WeightDeltas = append([]WeightDelta{}, c.WeightDeltas...)
	c.Skipped = append([]SkippedFactor{}, c.Skipped...)
	c.Failures = append([]FactorFailure{}, c.Failures...)
	return c
}

// Start implements Repository.
func (m *MemoryRepo) Start(_ context.Context, trigger string, at time.Time) (Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for n := range m.cycles {
		if n >= next {
			next = n + 1
		}
	}
	c := Cycle{Number: next, Status: StatusRunning, Trigger: trigger, StartedAt: at, HeartbeatAt: at}
	m.cycles[next] = c
	return cloneCycle(c), nil
}

// Get implements Repository.
func (m *MemoryRepo) Get(_ context.Context, number int) (Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[number]
	if !ok {
		return Cycle{}, cycleNotFound(number)
	}
	return cloneCycle(c), nil
}

// List implements Repository.
func (m *MemoryRepo) List(_ context.Context, limit int) ([]Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Cycle, 0, len(m.cycles))
	for _, c := range m.cycles {
		out = append(out, cloneCycle(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestUnfinished implements Repository.
func (m *MemoryRepo) LatestUnfinished(_ context.Context) (Cycle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  Cycle
		found bool
	)
	for _, c := range m.cycles {
		if c.Status == StatusCompleted {
			continue
		}
		if !found || c.Number > best.Number {
			best, found = c, true
		}
	}
	return cloneCycle(best), found, nil
}

// Resume implements Repository.
func (m *MemoryRepo) Resume(_ context.Context, number int, at time.Time) (Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[number]
	if !ok {
		return Cycle{}, cycleNotFound(number)
	}
	if c.Status == StatusCompleted {
		return Cycle{}, cycleFinished(number)
	}
	c.Status = StatusRunning
	c.HeartbeatAt = at
	c.FinishedAt = nil
	m.cycles[number] = c
	return cloneCycle(c), nil
}

// SaveCheckpoint implements Repository.
func (m *MemoryRepo) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[cp.CycleNumber]
	if !ok {
		return cycleNotFound(cp.CycleNumber)
	}
	if m.checkpoints[cp.CycleNumber] == nil {
		m.checkpoints[cp.CycleNumber] = make(map[string]Checkpoint)
	}
	cp.DecisionIDs = append([]uuid.UUID{}, cp.DecisionIDs...)
	m.checkpoints[cp.CycleNumber][cp.FactorCode] = cp
	c.HeartbeatAt = cp.CreatedAt
	m.cycles[cp.CycleNumber] = c
	return nil
}

// Checkpoints implements Repository.
func (m *MemoryRepo) Checkpoints(_ context.Context, number int) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, 0, len(m.checkpoints[number]))
	for _, cp := range m.checkpoints[number] {
		cp.DecisionIDs = append([]uuid.UUID{}, cp.DecisionIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactorCode < out[j].FactorCode })
	return out, nil
}

// Heartbeat implements Repository.
func (m *MemoryRepo) Heartbeat(_ context.Context, number int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[number]
	if !ok {
		return cycleNotFound(number)
	}
	c.HeartbeatAt = at
	m.cycles[number] = c
	return nil
}

// Finish implements Repository.
func (m *MemoryRepo) Finish(_ context.Context, c Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cycles[c.Number]; !ok {
		return cycleNotFound(c.Number)
	}
	m.cycles[c.Number] = cloneCycle(c)
	return nil
}

// MarkStale implements Repository.
func (m *MemoryRepo) MarkStale(_ context.Context, before time.Time) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for n, c := range m.cycles {
		if c.Status != StatusRunning || !c.HeartbeatAt.Before(before) {
			continue
		}
		c.Status = StatusInterrupted
		m.cycles[n] = c
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
