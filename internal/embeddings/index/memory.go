package index

import (
	"context"
	"sync"
	"time"
)

// MemoryIndex keeps records in per-document-type partitions. Each partition
// has its own lock, so writes to one type never block queries on another.
type MemoryIndex struct {
	dim int
	lsh *hyperplanes
	now func() time.Time

	mu         sync.RWMutex // guards the partitions map only
	partitions map[string]*partition
}

type partition struct {
	mu      sync.RWMutex
	entries map[string]*entry
	buckets []map[uint64]map[string]struct{}
}

type entry struct {
	rec  Record
	unit []float64
	keys []uint64
}

// NewMemory creates an in-memory index for vectors of length dim.
func NewMemory(dim int, cfg LSHConfig) *MemoryIndex {
	if cfg.Tables <= 0 || cfg.Bits <= 0 {
		cfg = DefaultLSHConfig
	}
	if cfg.Bits > 63 {
		cfg.Bits = 63
	}
	return &MemoryIndex{
		dim:        dim,
		lsh:        newHyperplanes(cfg, dim),
		now:        func() time.Time { return time.Now().UTC() },
		partitions: make(map[string]*partition),
	}
}

// Dimension implements Index.
func (m *MemoryIndex) Dimension() int { return m.dim }

// Len returns the number of records across all partitions.
func (m *MemoryIndex) Len() int {
	n := 0
	for _, p := range m.snapshotPartitions("") {
		p.mu.RLock()
		n += len(p.entries)
		p.mu.RUnlock()
	}
	return n
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(_ context.Context, rec Record) error {
	if err := checkRecord(rec, m.dim); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now()
	}
	rec.Vector = append([]float32(nil), rec.Vector...)
	rec.Metadata = cloneMetadata(rec.Metadata)

	unit := normalize(rec.Vector)
	e := &entry{rec: rec, unit: unit, keys: m.lsh.keys(unit)}

	p := m.partition(rec.DocumentType)
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.entries[rec.DocumentID]; ok {
		p.unbucket(old)
	}
	p.entries[rec.DocumentID] = e
	for t, key := range e.keys {
		bucket := p.buckets[t][key]
		if bucket == nil {
			bucket = make(map[string]struct{})
			p.buckets[t][key] = bucket
		}
		bucket[rec.DocumentID] = struct{}{}
	}
	return nil
}

// Delete removes a record. Missing records are ignored.
func (m *MemoryIndex) Delete(_ context.Context, documentType, documentID string) {
	m.mu.RLock()
	p := m.partitions[documentType]
	m.mu.RUnlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.entries[documentID]; ok {
		p.unbucket(old)
		delete(p.entries, documentID)
	}
}

// Query implements Index.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	if err := checkVector(vector, m.dim); err != nil {
		return nil, err
	}
	unit := normalize(vector)
	keys := m.lsh.keys(unit)

	var out []Match
	for _, p := range m.snapshotPartitions(filter.DocumentType) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, p.query(m.lsh, unit, keys, k)...)
	}
	sortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryIndex) partition(docType string) *partition {
	m.mu.RLock()
	p := m.partitions[docType]
	m.mu.RUnlock()
	if p != nil {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p = m.partitions[docType]; p != nil {
		return p
	}
	p = &partition{
		entries: make(map[string]*entry),
		buckets: make([]map[uint64]map[string]struct{}, len(m.lsh.planes)),
	}
	for t := range p.buckets {
		p.buckets[t] = make(map[uint64]map[string]struct{})
	}
	m.partitions[docType] = p
	return p
}

func (m *MemoryIndex) snapshotPartitions(docType string) []*partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if docType != "" {
		if p := m.partitions[docType]; p != nil {
			return []*partition{p}
		}
		return nil
	}
	out := make([]*partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	return out
}

func (p *partition) unbucket(e *entry) {
	for t, key := range e.keys {
		if bucket := p.buckets[t][key]; bucket != nil {
			delete(bucket, e.rec.DocumentID)
			if len(bucket) == 0 {
				delete(p.buckets[t], key)
			}
		}
	}
}

// query scores LSH candidates, falling back to a full scan when the probed
// buckets hold fewer than k records.
func (p *partition) query(h *hyperplanes, unit []float64, keys []uint64, k int) []Match {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := make(map[string]*entry)
	for t, key := range keys {
		for _, probe := range h.probes(key) {
			for id := range p.buckets[t][probe] {
				candidates[id] = p.entries[id]
			}
		}
	}
	if len(candidates) < k {
		candidates = p.entries
	}

	out := make([]Match, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, Match{
			DocumentType: e.rec.DocumentType,
			DocumentID:   e.rec.DocumentID,
			Score:        similarity(unit, e.unit),
			Content:      e.rec.Content,
			Metadata:     cloneMetadata(e.rec.Metadata),
			UpdatedAt:    e.rec.UpdatedAt,
		})
	}
	return out
}

var _ Index = (*MemoryIndex)(nil)
