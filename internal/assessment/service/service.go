// Package service implements the assessment engine: it selects the factors
// that apply to a project, scores them per domain and records the decision.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/index"
	"afiss_backend/internal/events"
	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/rules"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/sanitize"
)

const relatedDecisionCount = 3

// FactorSource supplies the active factors.
type FactorSource interface {
	ActiveFactors(ctx context.Context) ([]factorrepo.Factor, error)
}

// Recorder appends decisions to the ledger.
type Recorder interface {
	Record(ctx context.Context, d ledgerrepo.Decision) (ledgerrepo.Decision, error)
}

// Config tunes the engine.
type Config struct {
	TriggerThreshold float64
	KCandidates      int
	EmbedTimeout     time.Duration
	RegistryTimeout  time.Duration
	DomainWeights    map[string]float64
}

// Request is an assessment input.
type Request struct {
	ProjectID   string
	Description string
	Context     rules.Context
}

// Service is the assessment engine.
type Service struct {
	factors  FactorSource
	emb      embedder.Embedder
	idx      index.Index
	recorder Recorder
	bus      events.Bus
	log      *logger.Logger
	cfg      Config

	snapshot atomic.Pointer[[]factorrepo.Factor]
}

// New creates the engine. bus may be nil.
func New(factors FactorSource, emb embedder.Embedder, idx index.Index, recorder Recorder, bus events.Bus, log *logger.Logger, cfg Config) *Service {
	return &Service{
		factors:  factors,
		emb:      emb,
		idx:      idx,
		recorder: recorder,
		bus:      bus,
		log:      log,
		cfg:      cfg,
	}
}

// Assess scores a project and appends the decision to the ledger. Embedding
// or index failures degrade the decision to rule-only triggering; a registry
// failure falls back to the last factor snapshot. Ledger failures are fatal.
func (s *Service) Assess(ctx context.Context, req Request) (ledgerrepo.Decision, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return ledgerrepo.Decision{}, apperr.Validation("project id is required")
	}
	req.Description = sanitize.Text(req.Description)
	if req.Description == "" {
		return ledgerrepo.Decision{}, apperr.Validation("description is required")
	}
	log := s.log.WithContext(ctx)

	factors, degraded, err := s.loadFactors(ctx)
	if err != nil {
		return ledgerrepo.Decision{}, err
	}
	if degraded {
		log.AssessmentDegraded(req.ProjectID, "registry", nil)
	}

	var (
		similarities map[string]float64
		related      []string
	)
	vector, err := s.emb.Embed(ctx, req.Description)
	if err != nil {
		degraded = true
		log.AssessmentDegraded(req.ProjectID, "embedding", err)
	} else {
		similarities, err = s.candidateSimilarities(ctx, vector)
		if err != nil {
			degraded = true
			log.AssessmentDegraded(req.ProjectID, "index", err)
		}
		related = s.relatedDecisions(ctx, vector)
	}

	triggered := TriggerFactors(factors, similarities, req.Context, s.cfg.TriggerThreshold)
	domainScores := DomainScores(triggered)
	composite := CompositeScore(domainScores, s.cfg.DomainWeights)
	level, multiplier := ClassifyComplexity(composite)

	if related == nil {
		related = []string{}
	}
	decision, err := s.recorder.Record(ctx, ledgerrepo.Decision{
		ProjectID:        req.ProjectID,
		Description:      req.Description,
		TriggeredFactors: triggered,
		DomainScores:     domainScores,
		CompositeScore:   composite,
		ComplexityLevel:  level,
		Multiplier:       multiplier,
		ModelTierUsed:    SelectModelTier(req.Description, level),
		Degraded:         degraded,
		RelatedDecisions: related,
	})
	if err != nil {
		return ledgerrepo.Decision{}, fmt.Errorf("record decision: %w", err)
	}

	log.Info("assessment recorded",
		"decisionId", decision.ID,
		"projectId", decision.ProjectID,
		"triggered", len(triggered),
		"composite", composite,
		"complexity", level,
		"degraded", degraded,
	)
	if s.bus != nil {
		s.bus.Publish(ctx, events.DecisionRecorded{
			BaseEvent:       events.NewBaseEvent(),
			DecisionID:      decision.ID,
			ProjectID:       decision.ProjectID,
			Description:     decision.Description,
			CompositeScore:  composite,
			ComplexityLevel: level,
			Degraded:        degraded,
			Vector:          vector,
		})
	}
	return decision, nil
}

// loadFactors reads the active factors within the registry timeout and
// refreshes the snapshot. On failure the snapshot is used and degraded is
// true; without a snapshot the failure is returned.
func (s *Service) loadFactors(ctx context.Context) ([]factorrepo.Factor, bool, error) {
	rctx, cancel := withOptionalTimeout(ctx, s.cfg.RegistryTimeout)
	defer cancel()

	factors, err := s.factors.ActiveFactors(rctx)
	if err == nil {
		s.snapshot.Store(&factors)
		return factors, false, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, false, ctx.Err()
	}
	if snap := s.snapshot.Load(); snap != nil {
		s.log.Warn("factor registry unavailable, using snapshot", "error", err, "factors", len(*snap))
		return *snap, true, nil
	}
	unavailable := apperr.Unavailable("factor registry unavailable").WithCode(apperr.CodeRegistryUnavailable)
	unavailable.Err = err
	return nil, false, unavailable
}

func (s *Service) candidateSimilarities(ctx context.Context, vector []float32) (map[string]float64, error) {
	qctx, cancel := withOptionalTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()

	matches, err := s.idx.Query(qctx, vector, s.cfg.KCandidates, index.Filter{DocumentType: index.DocumentTypeFactor})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(matches))
	for _, m := range matches {
		out[m.DocumentID] = m.Score
	}
	return out, nil
}

func (s *Service) relatedDecisions(ctx context.Context, vector []float32) []string {
	qctx, cancel := withOptionalTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()

	matches, err := s.idx.Query(qctx, vector, relatedDecisionCount, index.Filter{DocumentType: index.DocumentTypeDecision})
	if err != nil {
		s.log.Debug("related decisions unavailable", "error", err)
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.DocumentID)
	}
	return out
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
