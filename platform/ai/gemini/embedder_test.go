package gemini

import (
	"context"
	"testing"
)

func TestNewEmbedderRequiresAPIKey(t *testing.T) {
	if _, err := NewEmbedder(context.Background(), Config{Dimension: 384}); err == nil {
		t.Fatal("expected an error without an api key")
	}
}

func TestNewEmbedderDefaultsModel(t *testing.T) {
	e, err := NewEmbedder(context.Background(), Config{APIKey: "test-key", Dimension: 384})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.model != "text-embedding-004" || e.dimension != 384 {
		t.Fatalf("unexpected embedder config: model=%q dimension=%d", e.model, e.dimension)
	}
}
