package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"afiss_backend/platform/qdrant"
)

// pointNamespace derives stable Qdrant point ids from (type, id).
var pointNamespace = uuid.MustParse("6f0d3c2a-7a57-4d2b-9a0e-af155e1ec7ed")

const (
	payloadDocumentType = "document_type"
	payloadDocumentID   = "document_id"
	payloadContent      = "content"
	payloadMetadata     = "metadata"
	payloadUpdatedAt    = "updated_at"

	// Qdrant scores in float32; hits this close to 1 are exact matches.
	exactMatchEpsilon = 1e-6
)

// VectorStore is the subset of the Qdrant client used by QdrantIndex.
type VectorStore interface {
	Upsert(ctx context.Context, points []qdrant.Point) error
	SearchFiltered(ctx context.Context, vector []float32, limit int, matches []qdrant.FieldMatch) ([]qdrant.SearchResult, error)
}

// QdrantIndex stores records in a Qdrant collection.
type QdrantIndex struct {
	store VectorStore
	dim   int
	now   func() time.Time
}

// NewQdrant creates an index backed by store.
func NewQdrant(store VectorStore, dim int) *QdrantIndex {
	return &QdrantIndex{store: store, dim: dim, now: func() time.Time { return time.Now().UTC() }}
}

// PointID returns the deterministic point id for a record key.
func PointID(documentType, documentID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(documentType+"/"+documentID)).String()
}

// Dimension implements Index.
func (q *QdrantIndex) Dimension() int { return q.dim }

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, rec Record) error {
	if err := checkRecord(rec, q.dim); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = q.now()
	}
	metadata := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	point := qdrant.Point{
		ID:     PointID(rec.DocumentType, rec.DocumentID),
		Vector: rec.Vector,
		Payload: map[string]any{
			payloadDocumentType: rec.DocumentType,
			payloadDocumentID:   rec.DocumentID,
			payloadContent:      rec.Content,
			payloadMetadata:     metadata,
			payloadUpdatedAt:    rec.UpdatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := q.store.Upsert(ctx, []qdrant.Point{point}); err != nil {
		return fmt.Errorf("qdrant upsert %s/%s: %w", rec.DocumentType, rec.DocumentID, err)
	}
	return nil
}

// Query implements Index. Qdrant orders by score only, so the result is
// re-sorted locally for the tie-break policy.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	if err := checkVector(vector, q.dim); err != nil {
		return nil, err
	}

	var matches []qdrant.FieldMatch
	if filter.DocumentType != "" {
		matches = append(matches, qdrant.FieldMatch{Key: payloadDocumentType, Value: filter.DocumentType})
	}
	// Over-fetch so ties straddling the k boundary can be ordered correctly.
	results, err := q.store.SearchFiltered(ctx, vector, 2*k, matches)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{
			DocumentType: stringField(r.Payload, payloadDocumentType),
			DocumentID:   stringField(r.Payload, payloadDocumentID),
			Content:      stringField(r.Payload, payloadContent),
			Score:        r.Score,
		}
		if m.Score > 1-exactMatchEpsilon {
			m.Score = 1
		}
		if ts := stringField(r.Payload, payloadUpdatedAt); ts != "" {
			m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		if raw, ok := r.Payload[payloadMetadata].(map[string]any); ok && len(raw) > 0 {
			m.Metadata = make(map[string]string, len(raw))
			for k, v := range raw {
				if s, ok := v.(string); ok {
					m.Metadata[k] = s
				}
			}
		}
		out = append(out, m)
	}
	sortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

var _ Index = (*QdrantIndex)(nil)
