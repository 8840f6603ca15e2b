// Package index stores embedded documents and answers nearest-neighbour
// queries by cosine similarity.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"afiss_backend/platform/apperr"
)

// Document types known to the assessment flow. Other types may be indexed
// as domain documents.
const (
	DocumentTypeFactor   = "factor"
	DocumentTypeDecision = "decision"
	DocumentTypeDocument = "document"
)

// Record is one embedded document.
type Record struct {
	DocumentType string            `json:"documentType"`
	DocumentID   string            `json:"documentId"`
	Vector       []float32         `json:"-"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Match is a query hit.
type Match struct {
	DocumentType string            `json:"documentType"`
	DocumentID   string            `json:"documentId"`
	Score        float64           `json:"score"`
	Content      string            `json:"content,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Filter narrows a query. An empty DocumentType searches every type.
type Filter struct {
	DocumentType string
}

// Index is a nearest-neighbour store over fixed-dimension vectors.
type Index interface {
	// Upsert inserts or replaces the record keyed by (DocumentType, DocumentID).
	Upsert(ctx context.Context, rec Record) error
	// Query returns up to k matches ordered by descending similarity, then
	// most recent UpdatedAt, then DocumentID.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)
	// Dimension is the vector length every record must have.
	Dimension() int
}

func checkRecord(rec Record, dim int) error {
	if rec.DocumentType == "" || rec.DocumentID == "" {
		return apperr.Validation("document type and id are required")
	}
	return checkVector(rec.Vector, dim)
}

func checkVector(v []float32, dim int) error {
	if len(v) != dim {
		return apperr.Validation(fmt.Sprintf("vector has %d dimensions, index expects %d", len(v), dim)).
			WithCode(apperr.CodeDimensionMismatch)
	}
	var sq float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return apperr.Validation("vector contains non-finite values")
		}
		sq += f * f
	}
	if sq == 0 {
		return apperr.Validation("zero vector cannot be indexed")
	}
	return nil
}

func checkK(k int) error {
	if k <= 0 {
		return apperr.Validation("k must be positive")
	}
	return nil
}

// normalize returns v scaled to unit length in float64.
func normalize(v []float32) []float64 {
	out := make([]float64, len(v))
	var sq float64
	for i, x := range v {
		out[i] = float64(x)
		sq += out[i] * out[i]
	}
	norm := math.Sqrt(sq)
	for i := range out {
		out[i] /= norm
	}
	return out
}

// similarity is the cosine of two unit vectors. Bitwise-identical inputs
// score exactly 1.
func similarity(a, b []float64) float64 {
	identical := true
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
		if a[i] != b[i] {
			identical = false
		}
	}
	if identical {
		return 1
	}
	return math.Max(-1, math.Min(1, dot))
}

// sortMatches applies the result ordering shared by every implementation.
func sortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		if !ms[i].UpdatedAt.Equal(ms[j].UpdatedAt) {
			return ms[i].UpdatedAt.After(ms[j].UpdatedAt)
		}
		if ms[i].DocumentID != ms[j].DocumentID {
			return ms[i].DocumentID < ms[j].DocumentID
		}
		return ms[i].DocumentType < ms[j].DocumentType
	})
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
