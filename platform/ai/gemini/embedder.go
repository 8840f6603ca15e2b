// Package gemini provides a Gemini-backed embedding producer.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Embedder produces text embeddings through the Gemini API.
type Embedder struct {
	client    *genai.Client
	model     string
	dimension int32
}

// Config configures the Gemini embedder.
type Config struct {
	APIKey    string
	Model     string
	Dimension int
}

// NewEmbedder creates a Gemini embedding client.
func NewEmbedder(ctx context.Context, cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	return &Embedder{client: client, model: model, dimension: int32(cfg.Dimension)}, nil
}

// Embed returns the embedding of text, truncated server-side to the
// configured output dimensionality.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedCfg := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if e.dimension > 0 {
		dim := e.dimension
		embedCfg.OutputDimensionality = &dim
	}

	res, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), embedCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed content: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil {
		return nil, fmt.Errorf("gemini returned no embeddings")
	}
	return res.Embeddings[0].Values, nil
}
