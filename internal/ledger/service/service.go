// Package service exposes the decision ledger to the API and the engines.
package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"afiss_backend/internal/events"
	"afiss_backend/internal/ledger/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
)

// Service wraps the ledger repository.
type Service struct {
	repo repository.Repository
	bus  events.Bus
	log  *logger.Logger
	now  func() time.Time
}

// New creates the ledger service. bus may be nil.
func New(repo repository.Repository, bus events.Bus, log *logger.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends a decision, assigning an id and timestamp when missing.
func (s *Service) Record(ctx context.Context, d repository.Decision) (repository.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	if err := s.repo.Append(ctx, d); err != nil {
		return repository.Decision{}, err
	}
	return d, nil
}

// Get returns a decision.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (repository.Decision, error) {
	return s.repo.Get(ctx, id)
}

// Query lists decisions.
func (s *Service) Query(ctx context.Context, filter repository.Filter) ([]repository.Decision, error) {
	return s.repo.Query(ctx, filter)
}

// AttachOutcome records feedback for a decision exactly once.
func (s *Service) AttachOutcome(ctx context.Context, id uuid.UUID, outcome repository.Outcome) error {
	if math.IsNaN(outcome.ActualImpact) || math.IsInf(outcome.ActualImpact, 0) {
		return apperr.Validation("actual impact must be a finite number")
	}
	for code, v := range outcome.FactorImpacts {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.Validation("factor impact for " + code + " must be a finite number")
		}
	}
	outcome.AttachedAt = s.now()

	if err := s.repo.AttachOutcome(ctx, id, outcome); err != nil {
		return err
	}
	s.log.WithContext(ctx).Info("outcome attached", "decisionId", id, "wasAccurate", outcome.WasAccurate)
	if s.bus != nil {
		s.bus.Publish(ctx, events.OutcomeAttached{
			BaseEvent:    events.NewBaseEvent(),
			DecisionID:   id,
			WasAccurate:  outcome.WasAccurate,
			ActualImpact: outcome.ActualImpact,
		})
	}
	return nil
}
