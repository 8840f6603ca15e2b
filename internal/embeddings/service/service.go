// Package service keeps the embedding index in step with the registry and
// the ledger and exposes text search over it.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/index"
	"afiss_backend/internal/events"
	"afiss_backend/internal/factors/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/sanitize"
)

const defaultIndexConcurrency = 4

// FactorReader is the registry surface the indexer needs.
type FactorReader interface {
	Get(ctx context.Context, code string) (repository.Factor, error)
}

// Service indexes factors, decisions and domain documents.
type Service struct {
	idx         index.Index
	emb         embedder.Embedder
	factors     FactorReader
	log         *logger.Logger
	concurrency int
}

// New creates the indexer. emb should already be guarded.
func New(idx index.Index, emb embedder.Embedder, factors FactorReader, log *logger.Logger) *Service {
	return &Service{idx: idx, emb: emb, factors: factors, log: log, concurrency: defaultIndexConcurrency}
}

// Index exposes the underlying index for query-only collaborators.
func (s *Service) Index() index.Index {
	return s.idx
}

// FactorText renders the searchable text for a factor.
func FactorText(f repository.Factor) string {
	var b strings.Builder
	b.WriteString(f.Name)
	if f.Description != "" {
		b.WriteString(". ")
		b.WriteString(f.Description)
	}
	for _, r := range f.TriggerRules {
		b.WriteString(". ")
		b.WriteString(r.Describe())
	}
	b.WriteString(". Domain: ")
	b.WriteString(string(f.Domain))
	return b.String()
}

// IndexFactor embeds and upserts a factor document.
func (s *Service) IndexFactor(ctx context.Context, f repository.Factor) error {
	text := FactorText(f)
	vec, err := s.emb.Embed(ctx, text)
	if err != nil {
		return err
	}
	return s.idx.Upsert(ctx, index.Record{
		DocumentType: index.DocumentTypeFactor,
		DocumentID:   f.Code,
		Vector:       vec,
		Content:      text,
		Metadata:     map[string]string{"domain": string(f.Domain), "name": f.Name},
	})
}

// IndexFactors embeds factors concurrently and returns how many were indexed.
// The first failure cancels the remaining work.
func (s *Service) IndexFactors(ctx context.Context, factors []repository.Factor) (int, error) {
	var indexed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range factors {
		g.Go(func() error {
			if err := s.IndexFactor(gctx, f); err != nil {
				return fmt.Errorf("index factor %s: %w", f.Code, err)
			}
			indexed.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(indexed.Load()), err
}

// IndexDecision stores a decision's description vector. When vector is nil
// the description is embedded.
func (s *Service) IndexDecision(ctx context.Context, id, projectID, description string, vector []float32) error {
	if vector == nil {
		var err error
		if vector, err = s.emb.Embed(ctx, description); err != nil {
			return err
		}
	}
	return s.idx.Upsert(ctx, index.Record{
		DocumentType: index.DocumentTypeDecision,
		DocumentID:   id,
		Vector:       vector,
		Content:      description,
		Metadata:     map[string]string{"projectId": projectID},
	})
}

// IndexDocument embeds and stores an arbitrary domain document.
func (s *Service) IndexDocument(ctx context.Context, docType, id, content string, metadata map[string]string) error {
	if docType == index.DocumentTypeFactor || docType == index.DocumentTypeDecision {
		return apperr.Validation(fmt.Sprintf("document type %q is managed by the engine", docType))
	}
	content = sanitize.Text(content)
	if content == "" {
		return apperr.Validation("document content is required")
	}
	vec, err := s.emb.Embed(ctx, content)
	if err != nil {
		return err
	}
	return s.idx.Upsert(ctx, index.Record{
		DocumentType: docType,
		DocumentID:   id,
		Vector:       vec,
		Content:      content,
		Metadata:     metadata,
	})
}

// Search embeds text and queries the index.
func (s *Service) Search(ctx context.Context, text string, k int, filter index.Filter) ([]index.Match, error) {
	vec, err := s.emb.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.idx.Query(ctx, vec, k, filter)
}

// Handle keeps the index current as factors and decisions change.
func (s *Service) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.FactorDefinitionChanged:
		f, err := s.factors.Get(ctx, e.FactorCode)
		if err != nil {
			return err
		}
		if err := s.IndexFactor(ctx, f); err != nil {
			s.log.Warn("factor not indexed", "factor", e.FactorCode, "error", err)
			return nil
		}
		return nil
	case events.DecisionRecorded:
		if err := s.IndexDecision(ctx, e.DecisionID.String(), e.ProjectID, e.Description, e.Vector); err != nil {
			s.log.Warn("decision not indexed", "decisionId", e.DecisionID, "error", err)
		}
		return nil
	default:
		return nil
	}
}
