package index

import (
	"context"
	"encoding/json"
	"fmt"

	"afiss_backend/platform/db"
)

// PersistentIndex writes records through to Postgres and serves queries
// from an in-memory index rebuilt by Load.
type PersistentIndex struct {
	pool   db.Pool
	memory *MemoryIndex
}

// NewPersistent wraps memory with the embedding_records table.
func NewPersistent(pool db.Pool, memory *MemoryIndex) *PersistentIndex {
	return &PersistentIndex{pool: pool, memory: memory}
}

// Dimension implements Index.
func (p *PersistentIndex) Dimension() int { return p.memory.Dimension() }

// Load reads every stored record into memory. Rows whose dimension no
// longer matches are skipped and counted.
func (p *PersistentIndex) Load(ctx context.Context) (loaded, skipped int, err error) {
	rows, err := p.pool.Query(ctx, `
		SELECT document_type, document_id, vector, content, metadata, updated_at
		FROM embedding_records`)
	if err != nil {
		return 0, 0, fmt.Errorf("load embedding records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      Record
			metadata []byte
		)
		if err := rows.Scan(&rec.DocumentType, &rec.DocumentID, &rec.Vector, &rec.Content, &metadata, &rec.UpdatedAt); err != nil {
			return loaded, skipped, fmt.Errorf("scan embedding record: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return loaded, skipped, fmt.Errorf("decode metadata for %s/%s: %w", rec.DocumentType, rec.DocumentID, err)
			}
		}
		if err := p.memory.Upsert(ctx, rec); err != nil {
			skipped++
			continue
		}
		loaded++
	}
	return loaded, skipped, rows.Err()
}

// Upsert implements Index.
func (p *PersistentIndex) Upsert(ctx context.Context, rec Record) error {
	if err := checkRecord(rec, p.memory.Dimension()); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = p.memory.now()
	}
	metadata, err := json.Marshal(nonNilMetadata(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO embedding_records (document_type, document_id, vector, content, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_type, document_id) DO UPDATE SET
			vector = EXCLUDED.vector,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		rec.DocumentType, rec.DocumentID, rec.Vector, rec.Content, metadata, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert embedding record: %w", err)
	}
	return p.memory.Upsert(ctx, rec)
}

// Query implements Index.
func (p *PersistentIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	return p.memory.Query(ctx, vector, k, filter)
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Index = (*PersistentIndex)(nil)
