// Package embedder turns text into vectors for the embedding index.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"afiss_backend/platform/apperr"
)

// Embedder produces a vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a function to Embedder.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// ErrDisabled is returned when no embedding provider is configured.
var ErrDisabled = errors.New("embedding provider not configured")

// Disabled is an Embedder that always fails.
type Disabled struct{}

// Embed always returns ErrDisabled.
func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrDisabled
}

// Guarded bounds an Embedder with a timeout and a dimension check. Every
// failure is reported as EMBEDDING_UNAVAILABLE.
type Guarded struct {
	inner   Embedder
	timeout time.Duration
	dim     int
}

// NewGuarded wraps inner. A non-positive timeout disables the deadline.
func NewGuarded(inner Embedder, timeout time.Duration, dim int) *Guarded {
	if inner == nil {
		inner = Disabled{}
	}
	return &Guarded{inner: inner, timeout: timeout, dim: dim}
}

// Embed implements Embedder.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	vec, err := g.inner.Embed(ctx, text)
	if err != nil {
		return nil, unavailable("embedding request failed", err)
	}
	if len(vec) != g.dim {
		return nil, unavailable(fmt.Sprintf("embedding has %d dimensions, expected %d", len(vec), g.dim), nil)
	}
	return vec, nil
}

func unavailable(msg string, err error) error {
	e := apperr.Unavailable(msg).WithCode(apperr.CodeEmbeddingUnavailable)
	e.Err = err
	return e
}

var _ Embedder = (*Guarded)(nil)
