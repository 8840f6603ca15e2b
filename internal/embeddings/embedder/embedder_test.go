package embedder

import (
	"context"
	"testing"
	"time"

	"afiss_backend/platform/apperr"
)

func TestGuarded_PassesThroughValidVector(t *testing.T) {
	g := NewGuarded(Func(func(context.Context, string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}), time.Second, 3)

	v, err := g.Embed(context.Background(), "dead oak over garage")
	if err != nil || len(v) != 3 {
		t.Fatalf("expected vector, got %v, %v", v, err)
	}
}

func TestGuarded_MapsFailuresToUnavailable(t *testing.T) {
	cases := map[string]Embedder{
		"disabled": Disabled{},
		"wrong dimension": Func(func(context.Context, string) ([]float32, error) {
			return []float32{1}, nil
		}),
		"timeout": Func(func(ctx context.Context, _ string) ([]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	for name, inner := range cases {
		g := NewGuarded(inner, 10*time.Millisecond, 3)
		_, err := g.Embed(context.Background(), "x")
		if !apperr.HasCode(err, apperr.CodeEmbeddingUnavailable) {
			t.Fatalf("%s: expected EMBEDDING_UNAVAILABLE, got %v", name, err)
		}
		if apperr.GetKind(err) != apperr.KindUnavailable {
			t.Fatalf("%s: expected KindUnavailable", name)
		}
	}
}
