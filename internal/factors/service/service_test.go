package service

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"

	"afiss_backend/internal/events"
	"afiss_backend/internal/factors/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
)

const floatTolerance = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < floatTolerance
}

// conflictingRepo reports a version conflict for the first n UpdateWeight calls.
type conflictingRepo struct {
	repository.Repository
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (r *conflictingRepo) UpdateWeight(ctx context.Context, update repository.WeightUpdate) (repository.Factor, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.conflicts
	r.mu.Unlock()
	if fail {
		return repository.Factor{}, apperr.Conflict("stale").WithCode(apperr.CodeConcurrentWeightChange)
	}
	return r.Repository.UpdateWeight(ctx, update)
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) PublishSync(ctx context.Context, e events.Event) error {
	b.Publish(ctx, e)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func seed(t *testing.T, repo repository.Repository, code string, weight, lo, hi float64) {
	t.Helper()
	_, err := repo.Upsert(context.Background(), repository.FactorDefinition{
		Code: code, Name: code, Domain: repository.DomainSeverity,
		Weight: weight, MinWeight: lo, MaxWeight: hi,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", code, err)
	}
}

func TestApplyWeightDelta_InsideRange(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "DEAD_WOOD", 0.20, 0.05, 0.40)
	bus := &recordingBus{}
	svc := New(repo, bus, logger.Nop(), 3)

	change, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{
		Code: "dead_wood", Delta: 0.03, Reason: "under-predicted", Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !approxEqual(change.NewWeight, 0.23) || change.Clamped {
		t.Fatalf("expected unclamped 0.23, got %+v", change)
	}

	history, _ := svc.History(context.Background(), "DEAD_WOOD")
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	entry := history[0]
	if !approxEqual(entry.OldWeight, 0.20) || !approxEqual(entry.NewWeight, 0.23) || entry.Reason != "under-predicted" || entry.Confidence != 0.5 {
		t.Fatalf("unexpected history entry %+v", entry)
	}
	if len(bus.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(bus.events))
	}
	if ev, ok := bus.events[0].(events.FactorWeightChanged); !ok || ev.FactorCode != "DEAD_WOOD" {
		t.Fatalf("unexpected event %#v", bus.events[0])
	}
}

func TestApplyWeightDelta_ClampsAtBoundary(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "LEAN", 0.38, 0.05, 0.40)
	svc := New(repo, nil, logger.Nop(), 3)

	change, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{
		Code: "LEAN", Delta: 0.05, Reason: "under-predicted", Confidence: 1,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !approxEqual(change.NewWeight, 0.40) || !change.Clamped {
		t.Fatalf("expected clamp at 0.40, got %+v", change)
	}
	if !approxEqual(change.Applied, 0.02) || !approxEqual(change.Requested, 0.05) {
		t.Fatalf("expected applied 0.02 of requested 0.05, got %+v", change)
	}
	history, _ := svc.History(context.Background(), "LEAN")
	if !strings.HasSuffix(history[0].Reason, "clamped") {
		t.Fatalf("expected clamped reason, got %q", history[0].Reason)
	}
}

func TestApplyWeightDelta_RetriesOnConflict(t *testing.T) {
	inner := repository.NewMemory()
	seed(t, inner, "SLOPE", 0.1, 0, 1)
	repo := &conflictingRepo{Repository: inner, conflicts: 2}
	svc := New(repo, nil, logger.Nop(), 3)

	change, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{Code: "SLOPE", Delta: 0.1, Reason: "r", Confidence: 1})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !approxEqual(change.NewWeight, 0.2) {
		t.Fatalf("expected 0.2, got %v", change.NewWeight)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}
}

func TestApplyWeightDelta_FailsWhenRetriesExhausted(t *testing.T) {
	inner := repository.NewMemory()
	seed(t, inner, "SLOPE", 0.1, 0, 1)
	repo := &conflictingRepo{Repository: inner, conflicts: 10}
	svc := New(repo, nil, logger.Nop(), 3)

	_, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{Code: "SLOPE", Delta: 0.1, Reason: "r", Confidence: 1})
	if !apperr.HasCode(err, apperr.CodeCalibrationFailed) {
		t.Fatalf("expected CALIBRATION_FAILED, got %v", err)
	}
	if !apperr.HasCode(err, apperr.CodeConcurrentWeightChange) {
		t.Fatalf("expected the last conflict to be wrapped, got %v", err)
	}
	f, _ := inner.Get(context.Background(), "SLOPE")
	if f.CurrentWeight != 0.1 {
		t.Fatalf("expected weight untouched, got %v", f.CurrentWeight)
	}
}

func TestApplyWeightDelta_UnknownFactor(t *testing.T) {
	svc := New(repository.NewMemory(), nil, logger.Nop(), 3)
	_, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{Code: "NOPE", Delta: 0.1, Reason: "r", Confidence: 1})
	if !apperr.HasCode(err, apperr.CodeUnknownFactor) {
		t.Fatalf("expected UNKNOWN_FACTOR, got %v", err)
	}
}

func TestApplyWeightDelta_RejectsBadConfidence(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "X", 0.1, 0, 1)
	svc := New(repo, nil, logger.Nop(), 3)
	_, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{Code: "X", Delta: 0.1, Reason: "r", Confidence: 1.5})
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyWeightDelta_FoldsUsageStats(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "X", 0.1, 0, 1)
	svc := New(repo, nil, logger.Nop(), 3)
	ctx := context.Background()

	_, err := svc.ApplyWeightDelta(ctx, WeightDelta{
		Code: "X", Delta: 0, Reason: "r", Confidence: 1,
		Stats: &UsageStats{Samples: 4, ObservedAccuracy: 0.5, ObservedImpact: 2},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	change, err := svc.ApplyWeightDelta(ctx, WeightDelta{
		Code: "X", Delta: 0, Reason: "r", Confidence: 1,
		Stats: &UsageStats{Samples: 4, ObservedAccuracy: 1, ObservedImpact: 4},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	f := change.Factor
	if f.UsageCount != 8 || !approxEqual(f.AccuracyRate, 0.75) || !approxEqual(f.AverageImpact, 3) {
		t.Fatalf("unexpected running stats %+v", f)
	}
}

func TestOverrideWeight_RejectsOutOfRange(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "X", 0.1, 0.05, 0.5)
	svc := New(repo, nil, logger.Nop(), 3)

	if _, err := svc.OverrideWeight(context.Background(), "X", 0.9, "ops"); !apperr.HasCode(err, apperr.CodeOutOfRange) {
		t.Fatalf("expected OUT_OF_RANGE, got %v", err)
	}
	change, err := svc.OverrideWeight(context.Background(), "X", 0.3, "ops")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if change.NewWeight != 0.3 {
		t.Fatalf("expected 0.3, got %v", change.NewWeight)
	}
	history, _ := svc.History(context.Background(), "X")
	if history[0].Reason != "manual override: ops" {
		t.Fatalf("unexpected reason %q", history[0].Reason)
	}
}

func TestUpsert_ValidatesRange(t *testing.T) {
	svc := New(repository.NewMemory(), nil, logger.Nop(), 3)
	_, err := svc.Upsert(context.Background(), repository.FactorDefinition{
		Code: "X", Name: "x", Domain: repository.DomainAccess, Weight: 0.3, MinWeight: 0.5, MaxWeight: 0.2,
	})
	if !apperr.HasCode(err, apperr.CodeOutOfRange) {
		t.Fatalf("expected OUT_OF_RANGE, got %v", err)
	}
	_, err = svc.Upsert(context.Background(), repository.FactorDefinition{
		Code: "X", Name: "x", Domain: "weather", Weight: 0.3, MinWeight: 0, MaxWeight: 1,
	})
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for unknown domain, got %v", err)
	}
}

func TestApplyWeightDelta_ConcurrentDeltasAllLand(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "X", 0.1, 0, 1)
	svc := New(repo, nil, logger.Nop(), 50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ApplyWeightDelta(context.Background(), WeightDelta{Code: "X", Delta: 0.01, Reason: "r", Confidence: 1}); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	f, _ := repo.Get(context.Background(), "X")
	if !approxEqual(f.CurrentWeight, 0.2) {
		t.Fatalf("expected 0.2 after ten deltas, got %v", f.CurrentWeight)
	}
	history, _ := repo.History(context.Background(), "X")
	if len(history) != 10 {
		t.Fatalf("expected 10 history entries, got %d", len(history))
	}
}
