package service

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/index"
	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/rules"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	ledgerservice "afiss_backend/internal/ledger/service"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
)

var testWeights = map[string]float64{"access": 0.20, "fall_zone": 0.25, "interference": 0.20, "severity": 0.30, "site_conditions": 0.05}

type flakySource struct {
	factors []factorrepo.Factor
	fail    atomic.Bool
}

func (s *flakySource) ActiveFactors(context.Context) ([]factorrepo.Factor, error) {
	if s.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return s.factors, nil
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, ledgerrepo.Decision) (ledgerrepo.Decision, error) {
	return ledgerrepo.Decision{}, errors.New("disk full")
}

func fixedEmbedder(v []float32) embedder.Embedder {
	return embedder.Func(func(context.Context, string) ([]float32, error) { return v, nil })
}

func newEngine(t *testing.T, source FactorSource, emb embedder.Embedder, idx index.Index, recorder Recorder) *Service {
	t.Helper()
	return New(source, embedder.NewGuarded(emb, time.Second, 3), idx, recorder, nil, logger.Nop(), Config{
		TriggerThreshold: 0.75,
		KCandidates:      10,
		EmbedTimeout:     time.Second,
		RegistryTimeout:  time.Second,
		DomainWeights:    testWeights,
	})
}

func TestAssess_SimilarityAndRules(t *testing.T) {
	ctx := context.Background()
	source := &flakySource{factors: []factorrepo.Factor{
		factor("POWER", factorrepo.DomainInterference, 0.35),
		factor("GARAGE", factorrepo.DomainFallZone, 0.30, rules.Presence{Key: "structures_in_fall_zone"}),
	}}
	idx := index.NewMemory(3, index.LSHConfig{})
	_ = idx.Upsert(ctx, index.Record{DocumentType: index.DocumentTypeFactor, DocumentID: "POWER", Vector: []float32{1, 0, 0}})
	_ = idx.Upsert(ctx, index.Record{DocumentType: index.DocumentTypeFactor, DocumentID: "GARAGE", Vector: []float32{0, 1, 0}})
	ledger := ledgerservice.New(ledgerrepo.NewMemory(), nil, logger.Nop())

	engine := newEngine(t, source, fixedEmbedder([]float32{1, 0, 0}), idx, ledger)
	d, err := engine.Assess(ctx, Request{
		ProjectID:   "p-1",
		Description: "Oak touching power line above garage",
		Context:     rules.Context{"structures_in_fall_zone": "garage"},
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Degraded {
		t.Fatalf("did not expect a degraded decision")
	}
	if len(d.TriggeredFactors) != 2 {
		t.Fatalf("expected 2 triggered factors, got %+v", d.TriggeredFactors)
	}
	if math.Abs(d.DomainScores["interference"]-35) > 1e-9 || math.Abs(d.DomainScores["fall_zone"]-30) > 1e-9 {
		t.Fatalf("unexpected domain scores %v", d.DomainScores)
	}

	stored, err := ledger.Get(ctx, d.ID)
	if err != nil || len(stored.TriggeredFactors) != 2 {
		t.Fatalf("expected decision in ledger, got %+v, %v", stored, err)
	}
}

func TestAssess_EmbeddingFailureDegradesToRules(t *testing.T) {
	source := &flakySource{factors: []factorrepo.Factor{
		factor("POWER", factorrepo.DomainInterference, 0.35),
		factor("GARAGE", factorrepo.DomainFallZone, 0.30, rules.Presence{Key: "garage"}),
	}}
	ledger := ledgerservice.New(ledgerrepo.NewMemory(), nil, logger.Nop())
	engine := newEngine(t, source, embedder.Disabled{}, index.NewMemory(3, index.LSHConfig{}), ledger)

	d, err := engine.Assess(context.Background(), Request{ProjectID: "p", Description: "power line", Context: rules.Context{"garage": true}})
	if err != nil {
		t.Fatalf("embedding failure must not propagate: %v", err)
	}
	if !d.Degraded {
		t.Fatalf("expected degraded decision")
	}
	if len(d.TriggeredFactors) != 1 || d.TriggeredFactors[0].FactorCode != "GARAGE" {
		t.Fatalf("expected only the rule-triggered factor, got %+v", d.TriggeredFactors)
	}
}

func TestAssess_RegistryFailureUsesSnapshot(t *testing.T) {
	ctx := context.Background()
	source := &flakySource{factors: []factorrepo.Factor{
		factor("GARAGE", factorrepo.DomainFallZone, 0.30, rules.Presence{Key: "garage"}),
	}}
	ledger := ledgerservice.New(ledgerrepo.NewMemory(), nil, logger.Nop())
	engine := newEngine(t, source, fixedEmbedder([]float32{1, 0, 0}), index.NewMemory(3, index.LSHConfig{}), ledger)
	req := Request{ProjectID: "p", Description: "shed under canopy", Context: rules.Context{"garage": true}}

	if _, err := engine.Assess(ctx, req); err != nil {
		t.Fatalf("first assess: %v", err)
	}
	source.fail.Store(true)
	d, err := engine.Assess(ctx, req)
	if err != nil {
		t.Fatalf("expected snapshot fallback, got %v", err)
	}
	if !d.Degraded || len(d.TriggeredFactors) != 1 {
		t.Fatalf("expected degraded decision from snapshot, got %+v", d)
	}
}

func TestAssess_RegistryFailureWithoutSnapshotIsFatal(t *testing.T) {
	source := &flakySource{}
	source.fail.Store(true)
	ledger := ledgerservice.New(ledgerrepo.NewMemory(), nil, logger.Nop())
	engine := newEngine(t, source, fixedEmbedder([]float32{1, 0, 0}), index.NewMemory(3, index.LSHConfig{}), ledger)

	_, err := engine.Assess(context.Background(), Request{ProjectID: "p", Description: "x"})
	if !apperr.HasCode(err, apperr.CodeRegistryUnavailable) {
		t.Fatalf("expected REGISTRY_UNAVAILABLE, got %v", err)
	}
}

func TestAssess_LedgerFailureIsFatal(t *testing.T) {
	source := &flakySource{factors: []factorrepo.Factor{factor("A", factorrepo.DomainAccess, 0.2)}}
	engine := newEngine(t, source, fixedEmbedder([]float32{1, 0, 0}), index.NewMemory(3, index.LSHConfig{}), failingRecorder{})

	if _, err := engine.Assess(context.Background(), Request{ProjectID: "p", Description: "x"}); err == nil {
		t.Fatalf("expected ledger failure to propagate")
	}
}

func TestAssess_RelatedDecisions(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory(3, index.LSHConfig{})
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		_ = idx.Upsert(ctx, index.Record{DocumentType: index.DocumentTypeDecision, DocumentID: id, Vector: []float32{1, 0.1, 0}})
	}
	ledger := ledgerservice.New(ledgerrepo.NewMemory(), nil, logger.Nop())
	engine := newEngine(t, &flakySource{}, fixedEmbedder([]float32{1, 0.1, 0}), idx, ledger)

	d, err := engine.Assess(ctx, Request{ProjectID: "p", Description: "x"})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(d.RelatedDecisions) != 3 {
		t.Fatalf("expected 3 related decisions, got %v", d.RelatedDecisions)
	}
}
