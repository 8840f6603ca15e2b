package index

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"afiss_backend/platform/apperr"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestMemoryIndex_SelfMatchScoresOne(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(16, LSHConfig{})
	rng := rand.New(rand.NewPCG(1, 2))

	var target []float32
	for i := 0; i < 200; i++ {
		v := randomVector(rng, 16)
		if i == 137 {
			target = v
		}
		if err := idx.Upsert(ctx, Record{DocumentType: DocumentTypeFactor, DocumentID: fmt.Sprintf("F%03d", i), Vector: v}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := idx.Query(ctx, target, 5, Filter{DocumentType: DocumentTypeFactor})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 matches, got %d", len(got))
	}
	if got[0].DocumentID != "F137" || got[0].Score != 1.0 {
		t.Fatalf("expected F137 with score 1.0 first, got %+v", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("matches not in descending order: %+v", got)
		}
	}
}

func TestMemoryIndex_TieBreakByRecencyThenID(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(3, LSHConfig{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := []float32{1, 2, 3}

	records := []Record{
		{DocumentType: "factor", DocumentID: "B", Vector: v, UpdatedAt: base},
		{DocumentType: "factor", DocumentID: "A", Vector: v, UpdatedAt: base},
		{DocumentType: "factor", DocumentID: "C", Vector: v, UpdatedAt: base.Add(time.Hour)},
	}
	for _, r := range records {
		if err := idx.Upsert(ctx, r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := idx.Query(ctx, v, 3, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	order := []string{got[0].DocumentID, got[1].DocumentID, got[2].DocumentID}
	if order[0] != "C" || order[1] != "A" || order[2] != "B" {
		t.Fatalf("expected C, A, B; got %v", order)
	}
}

func TestMemoryIndex_RejectsBadVectors(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(4, LSHConfig{})

	err := idx.Upsert(ctx, Record{DocumentType: "factor", DocumentID: "X", Vector: []float32{1, 2, 3}})
	if !apperr.HasCode(err, apperr.CodeDimensionMismatch) {
		t.Fatalf("expected DIMENSION_MISMATCH on upsert, got %v", err)
	}
	if _, err := idx.Query(ctx, []float32{1}, 3, Filter{}); !apperr.HasCode(err, apperr.CodeDimensionMismatch) {
		t.Fatalf("expected DIMENSION_MISMATCH on query, got %v", err)
	}
	if err := idx.Upsert(ctx, Record{DocumentType: "factor", DocumentID: "Z", Vector: make([]float32, 4)}); apperr.GetKind(err) != apperr.KindValidation {
		t.Fatalf("expected zero vector to be rejected, got %v", err)
	}
	if _, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 0, Filter{}); apperr.GetKind(err) != apperr.KindValidation {
		t.Fatalf("expected k=0 to be rejected, got %v", err)
	}
}

func TestMemoryIndex_FilterAndReplace(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(2, LSHConfig{})
	_ = idx.Upsert(ctx, Record{DocumentType: "factor", DocumentID: "F1", Vector: []float32{1, 0}})
	_ = idx.Upsert(ctx, Record{DocumentType: "decision", DocumentID: "D1", Vector: []float32{1, 0}})

	got, _ := idx.Query(ctx, []float32{1, 0}, 10, Filter{DocumentType: "decision"})
	if len(got) != 1 || got[0].DocumentID != "D1" {
		t.Fatalf("expected only D1, got %+v", got)
	}

	_ = idx.Upsert(ctx, Record{DocumentType: "factor", DocumentID: "F1", Vector: []float32{0, 1}})
	got, _ = idx.Query(ctx, []float32{0, 1}, 10, Filter{DocumentType: "factor"})
	if len(got) != 1 || got[0].Score != 1.0 {
		t.Fatalf("expected replaced F1 to match exactly, got %+v", got)
	}
	if idx.Len() != 2 {
		t.Fatalf("expected 2 records after replace, got %d", idx.Len())
	}

	idx.Delete(ctx, "factor", "F1")
	if idx.Len() != 1 {
		t.Fatalf("expected delete to remove F1")
	}
}

func TestMemoryIndex_ReturnsKEvenWhenBucketsAreSparse(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(8, LSHConfig{Tables: 2, Bits: 16, Seed: 7})
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 30; i++ {
		_ = idx.Upsert(ctx, Record{DocumentType: "document", DocumentID: fmt.Sprintf("D%02d", i), Vector: randomVector(rng, 8)})
	}
	got, err := idx.Query(ctx, randomVector(rng, 8), 10, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 matches, got %d", len(got))
	}
}

func TestMemoryIndex_ConcurrentUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(8, LSHConfig{})
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 99))
			for i := 0; i < 100; i++ {
				docType := []string{"factor", "decision"}[i%2]
				if err := idx.Upsert(ctx, Record{DocumentType: docType, DocumentID: fmt.Sprintf("%d-%d", w, i), Vector: randomVector(rng, 8)}); err != nil {
					t.Errorf("upsert: %v", err)
				}
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for i := 0; i < 100; i++ {
				if _, err := idx.Query(ctx, randomVector(rng, 8), 5, Filter{}); err != nil {
					t.Errorf("query: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if idx.Len() != 400 {
		t.Fatalf("expected 400 records, got %d", idx.Len())
	}
}

func TestMemoryIndex_CopiesCallerVector(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(2, LSHConfig{})
	v := []float32{1, 0}
	_ = idx.Upsert(ctx, Record{DocumentType: "factor", DocumentID: "F", Vector: v})
	v[0], v[1] = 0, 1

	got, _ := idx.Query(ctx, []float32{1, 0}, 1, Filter{})
	if got[0].Score != 1.0 {
		t.Fatalf("expected stored vector to be unaffected by caller mutation, got %v", got[0].Score)
	}
}
