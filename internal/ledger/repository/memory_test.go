package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"afiss_backend/platform/apperr"
)

func decisionWith(factors ...TriggeredFactor) Decision {
	return Decision{
		ID:               uuid.New(),
		ProjectID:        "project-1",
		Description:      "Remove dead oak over garage",
		TriggeredFactors: factors,
		DomainScores:     map[string]float64{"severity": 20},
		CreatedAt:        time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryRepo_AppendIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	d := decisionWith()

	if err := repo.Append(ctx, d); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, d); !apperr.HasCode(err, apperr.CodeDecisionExists) {
		t.Fatalf("expected DECISION_EXISTS, got %v", err)
	}
}

func TestMemoryRepo_AttachOutcomeExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	d := decisionWith()
	_ = repo.Append(ctx, d)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- repo.AttachOutcome(ctx, d.ID, Outcome{WasAccurate: i%2 == 0, ActualImpact: float64(i)})
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case !apperr.HasCode(err, apperr.CodeOutcomeAlreadyAttached):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one attachment, got %d", succeeded)
	}

	first, _ := repo.Get(ctx, d.ID)
	if err := repo.AttachOutcome(ctx, d.ID, Outcome{ActualImpact: 99}); !apperr.HasCode(err, apperr.CodeOutcomeAlreadyAttached) {
		t.Fatalf("expected OUTCOME_ALREADY_ATTACHED, got %v", err)
	}
	again, _ := repo.Get(ctx, d.ID)
	if again.Outcome.ActualImpact != first.Outcome.ActualImpact {
		t.Fatalf("first outcome must remain unchanged")
	}
}

func TestMemoryRepo_AttachOutcomeUnknownDecision(t *testing.T) {
	err := NewMemory().AttachOutcome(context.Background(), uuid.New(), Outcome{})
	if !apperr.HasCode(err, apperr.CodeDecisionNotFound) {
		t.Fatalf("expected DECISION_NOT_FOUND, got %v", err)
	}
}

func TestMemoryRepo_ClaimReleaseAndConsume(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	d1 := decisionWith(
		TriggeredFactor{FactorCode: "A", ImpactScore: 30},
		TriggeredFactor{FactorCode: "B", ImpactScore: 10},
	)
	d2 := decisionWith(TriggeredFactor{FactorCode: "A", ImpactScore: 20})
	d3 := decisionWith(TriggeredFactor{FactorCode: "A", ImpactScore: 20})
	for _, d := range []Decision{d1, d2, d3} {
		_ = repo.Append(ctx, d)
	}
	_ = repo.AttachOutcome(ctx, d1.ID, Outcome{WasAccurate: true, ActualImpact: 60})
	_ = repo.AttachOutcome(ctx, d2.ID, Outcome{ActualImpact: 25, FactorImpacts: map[string]float64{"A": 22}})

	counts, _ := repo.PendingCounts(ctx)
	if counts["A"] != 2 || counts["B"] != 1 {
		t.Fatalf("unexpected pending counts %v", counts)
	}

	samples, err := repo.ClaimSamples(ctx, 1, "A")
	if err != nil || len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d, %v", len(samples), err)
	}
	observed := map[uuid.UUID]float64{}
	for _, s := range samples {
		observed[s.DecisionID] = s.ObservedImpact
	}
	if observed[d1.ID] != 45 {
		t.Fatalf("expected apportioned impact 45 for d1, got %v", observed[d1.ID])
	}
	if observed[d2.ID] != 22 {
		t.Fatalf("expected explicit factor impact 22 for d2, got %v", observed[d2.ID])
	}

	if again, _ := repo.ClaimSamples(ctx, 2, "A"); len(again) != 0 {
		t.Fatalf("another cycle must not reclaim consumed samples")
	}
	if resumed, _ := repo.ClaimSamples(ctx, 1, "A"); len(resumed) != 2 {
		t.Fatalf("the owning cycle must see its claimed samples again on resume")
	}

	n, _ := repo.MarkConsumed(ctx, time.Now(), []string{"A", "B"})
	if n != 1 {
		t.Fatalf("expected only d2 to be fully consumed, got %d", n)
	}
	// B deactivated: its unclaimed row no longer holds d1 back.
	n, _ = repo.MarkConsumed(ctx, time.Now(), []string{"A"})
	if n != 1 {
		t.Fatalf("expected d1 to be consumed once B is inactive, got %d", n)
	}
	if got, _ := repo.Get(ctx, d1.ID); got.ConsumedAt == nil {
		t.Fatalf("expected d1 consumed_at to be stamped")
	}

	_ = repo.ReleaseSamples(ctx, 1, "A")
	counts, _ = repo.PendingCounts(ctx)
	if counts["A"] != 2 {
		t.Fatalf("expected released samples to be pending again, got %v", counts)
	}
}

func TestMemoryRepo_QueryFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	older := decisionWith()
	newer := decisionWith()
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	other := decisionWith()
	other.ProjectID = "project-2"
	for _, d := range []Decision{older, newer, other} {
		_ = repo.Append(ctx, d)
	}
	_ = repo.AttachOutcome(ctx, older.ID, Outcome{})

	got, _ := repo.Query(ctx, Filter{ProjectID: "project-1"})
	if len(got) != 2 || got[0].ID != newer.ID {
		t.Fatalf("expected newest first for project-1, got %+v", got)
	}

	yes := true
	got, _ = repo.Query(ctx, Filter{HasOutcome: &yes})
	if len(got) != 1 || got[0].ID != older.ID {
		t.Fatalf("expected only the labelled decision")
	}

	got, _ = repo.Query(ctx, Filter{IDs: []uuid.UUID{other.ID}})
	if len(got) != 1 || got[0].ID != other.ID {
		t.Fatalf("expected lookup by id")
	}
}

func TestObservedImpact_FallsBackToEvenSplit(t *testing.T) {
	got := ObservedImpact("A", 0, 0, 4, Outcome{ActualImpact: 20})
	if got != 5 {
		t.Fatalf("expected 5, got %v", got)
	}
}
