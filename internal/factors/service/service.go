// Package service implements the factor registry: reads, guarded weight
// changes with optimistic concurrency, and catalogue maintenance.
package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"afiss_backend/internal/events"
	"afiss_backend/internal/factors/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
)

const (
	defaultMaxRetries = 5
	clampedSuffix     = "; clamped"
	overridePrefix    = "manual override: "
)

// UsageStats are folded into a factor's running statistics along with a
// weight change.
type UsageStats struct {
	Samples          int
	ObservedAccuracy float64
	ObservedImpact   float64
}

// WeightDelta requests a relative weight change.
type WeightDelta struct {
	Code        string
	Delta       float64
	Reason      string
	Confidence  float64
	Stats       *UsageStats
	CycleNumber *int
}

// WeightChange describes a committed weight change.
type WeightChange struct {
	Factor    repository.Factor `json:"factor"`
	OldWeight float64           `json:"oldWeight"`
	NewWeight float64           `json:"newWeight"`
	Requested float64           `json:"requestedDelta"`
	Applied   float64           `json:"appliedDelta"`
	Clamped   bool              `json:"clamped"`
}

// Performance summarizes how a factor has behaved since seeding.
type Performance struct {
	Code           string            `json:"code"`
	Domain         repository.Domain `json:"domain"`
	CurrentWeight  float64           `json:"currentWeight"`
	OriginalWeight float64           `json:"originalWeight"`
	Drift          float64           `json:"drift"`
	UsageCount     int64             `json:"usageCount"`
	AccuracyRate   float64           `json:"accuracyRate"`
	AverageImpact  float64           `json:"averageImpact"`
	Active         bool              `json:"active"`
}

// Service is the factor registry.
type Service struct {
	repo       repository.Repository
	bus        events.Bus
	log        *logger.Logger
	maxRetries int
	now        func() time.Time
}

// New creates the registry service. bus may be nil.
func New(repo repository.Repository, bus events.Bus, log *logger.Logger, maxRetries int) *Service {
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}
	return &Service{
		repo:       repo,
		bus:        bus,
		log:        log,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a factor by code.
func (s *Service) Get(ctx context.Context, code string) (repository.Factor, error) {
	return s.repo.Get(ctx, normalizeCode(code))
}

// List returns factors matching params, ordered by code.
func (s *Service) List(ctx context.Context, params repository.ListParams) ([]repository.Factor, error) {
	return s.repo.List(ctx, params)
}

// ActiveFactors returns every active factor.
func (s *Service) ActiveFactors(ctx context.Context) ([]repository.Factor, error) {
	return s.repo.List(ctx, repository.ListParams{ActiveOnly: true})
}

// History returns the calibration history of a factor.
func (s *Service) History(ctx context.Context, code string) ([]repository.CalibrationEntry, error) {
	return s.repo.History(ctx, normalizeCode(code))
}

// Performance returns per-factor analytics.
func (s *Service) Performance(ctx context.Context) ([]Performance, error) {
	factors, err := s.repo.List(ctx, repository.ListParams{})
	if err != nil {
		return nil, err
	}
	out := make([]Performance, 0, len(factors))
	for _, f := range factors {
		out = append(out, Performance{
			Code:           f.Code,
			Domain:         f.Domain,
			CurrentWeight:  f.CurrentWeight,
			OriginalWeight: f.OriginalWeight,
			Drift:          f.CurrentWeight - f.OriginalWeight,
			UsageCount:     f.UsageCount,
			AccuracyRate:   f.AccuracyRate,
			AverageImpact:  f.AverageImpact,
			Active:         f.Active,
		})
	}
	return out, nil
}

// ApplyWeightDelta moves a factor's weight by d.Delta, clamped into
// [MinWeight, MaxWeight]. When clamped, the applied delta is the distance
// to the boundary and the recorded reason is suffixed with "clamped".
// Concurrent modifications are retried; once retries are exhausted the
// error carries CALIBRATION_FAILED.
func (s *Service) ApplyWeightDelta(ctx context.Context, d WeightDelta) (WeightChange, error) {
	if math.IsNaN(d.Delta) || math.IsInf(d.Delta, 0) {
		return WeightChange{}, apperr.Validation("delta must be a finite number")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return WeightChange{}, apperr.Validation("confidence must be within [0, 1]")
	}
	if strings.TrimSpace(d.Reason) == "" {
		return WeightChange{}, apperr.Validation("reason is required")
	}

	return s.applyWithRetry(ctx, normalizeCode(d.Code), d.Reason, d.Confidence, d.Stats, d.CycleNumber,
		func(f repository.Factor) (float64, error) {
			return f.CurrentWeight + d.Delta, nil
		})
}

// OverrideWeight sets a factor's weight manually. The target must lie
// inside the factor's range.
func (s *Service) OverrideWeight(ctx context.Context, code string, weight float64, reason string) (WeightChange, error) {
	if strings.TrimSpace(reason) == "" {
		return WeightChange{}, apperr.Validation("reason is required")
	}
	return s.applyWithRetry(ctx, normalizeCode(code), overridePrefix+strings.TrimSpace(reason), 1, nil, nil,
		func(f repository.Factor) (float64, error) {
			if weight < f.MinWeight || weight > f.MaxWeight {
				return 0, apperr.Validation(fmt.Sprintf("weight %.4f outside [%.4f, %.4f]", weight, f.MinWeight, f.MaxWeight)).
					WithCode(apperr.CodeOutOfRange)
			}
			return weight, nil
		})
}

func (s *Service) applyWithRetry(
	ctx context.Context,
	code, reason string,
	confidence float64,
	stats *UsageStats,
	cycle *int,
	target func(repository.Factor) (float64, error),
) (WeightChange, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return WeightChange{}, err
		}

		f, err := s.repo.Get(ctx, code)
		if err != nil {
			return WeightChange{}, err
		}
		if f.MinWeight > f.MaxWeight {
			return WeightChange{}, apperr.Internal(fmt.Sprintf("factor %s has min weight %.4f above max weight %.4f", f.Code, f.MinWeight, f.MaxWeight)).
				WithCode(apperr.CodeOutOfRange)
		}

		desired, err := target(f)
		if err != nil {
			return WeightChange{}, err
		}
		newWeight := clamp(desired, f.MinWeight, f.MaxWeight)
		clamped := desired < f.MinWeight || desired > f.MaxWeight
		recordedReason := reason
		if clamped {
			recordedReason += clampedSuffix
		}

		usage, accuracy, impact := foldStats(f, stats)
		updated, err := s.repo.UpdateWeight(ctx, repository.WeightUpdate{
			Code:            f.Code,
			ExpectedVersion: f.Version,
			NewWeight:       newWeight,
			UsageCount:      usage,
			AccuracyRate:    accuracy,
			AverageImpact:   impact,
			Entry: repository.CalibrationEntry{
				Timestamp:   s.now(),
				OldWeight:   f.CurrentWeight,
				NewWeight:   newWeight,
				Reason:      recordedReason,
				Confidence:  confidence,
				CycleNumber: cycle,
			},
		})
		if apperr.HasCode(err, apperr.CodeConcurrentWeightChange) {
			lastErr = err
			s.log.Debug("factor weight conflict, retrying", "factor", f.Code, "attempt", attempt)
			continue
		}
		if err != nil {
			return WeightChange{}, err
		}

		change := WeightChange{
			Factor:    updated,
			OldWeight: f.CurrentWeight,
			NewWeight: newWeight,
			Requested: desired - f.CurrentWeight,
			Applied:   newWeight - f.CurrentWeight,
			Clamped:   clamped,
		}
		s.publishWeightChanged(ctx, change, recordedReason, confidence, cycle)
		return change, nil
	}

	failure := apperr.Internal(fmt.Sprintf("weight update for %s failed after %d attempts", code, s.maxRetries)).
		WithCode(apperr.CodeCalibrationFailed)
	failure.Err = lastErr
	return WeightChange{}, failure
}

// SetActive activates or deactivates a factor. Factors are never deleted.
func (s *Service) SetActive(ctx context.Context, code string, active bool) (repository.Factor, error) {
	f, err := s.repo.SetActive(ctx, normalizeCode(code), active)
	if err != nil {
		return repository.Factor{}, err
	}
	s.publishDefinitionChanged(ctx, f.Code)
	return f, nil
}

// Upsert creates or refreshes a factor definition.
func (s *Service) Upsert(ctx context.Context, def repository.FactorDefinition) (repository.Factor, error) {
	def.Code = normalizeCode(def.Code)
	if def.Code == "" {
		return repository.Factor{}, apperr.Validation("factor code is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return repository.Factor{}, apperr.Validation("factor name is required")
	}
	if _, err := repository.ParseDomain(string(def.Domain)); err != nil {
		return repository.Factor{}, apperr.Validation(err.Error())
	}
	if def.MinWeight > def.MaxWeight {
		return repository.Factor{}, apperr.Internal(fmt.Sprintf("factor %s: min weight %.4f above max weight %.4f", def.Code, def.MinWeight, def.MaxWeight)).
			WithCode(apperr.CodeOutOfRange)
	}
	if def.Weight < def.MinWeight || def.Weight > def.MaxWeight {
		return repository.Factor{}, apperr.Validation(fmt.Sprintf("factor %s: weight %.4f outside [%.4f, %.4f]", def.Code, def.Weight, def.MinWeight, def.MaxWeight)).
			WithCode(apperr.CodeOutOfRange)
	}
	if err := def.TriggerRules.Validate(); err != nil {
		return repository.Factor{}, apperr.Validation(fmt.Sprintf("factor %s: %v", def.Code, err))
	}

	f, err := s.repo.Upsert(ctx, def)
	if err != nil {
		return repository.Factor{}, err
	}
	s.publishDefinitionChanged(ctx, f.Code)
	return f, nil
}

func (s *Service) publishWeightChanged(ctx context.Context, change WeightChange, reason string, confidence float64, cycle *int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.FactorWeightChanged{
		BaseEvent:   events.NewBaseEvent(),
		FactorCode:  change.Factor.Code,
		OldWeight:   change.OldWeight,
		NewWeight:   change.NewWeight,
		Reason:      reason,
		Confidence:  confidence,
		Clamped:     change.Clamped,
		CycleNumber: cycle,
	})
}

func (s *Service) publishDefinitionChanged(ctx context.Context, code string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.FactorDefinitionChanged{BaseEvent: events.NewBaseEvent(), FactorCode: code})
}

func foldStats(f repository.Factor, stats *UsageStats) (int64, float64, float64) {
	if stats == nil || stats.Samples <= 0 {
		return f.UsageCount, f.AccuracyRate, f.AverageImpact
	}
	n := float64(f.UsageCount)
	m := float64(stats.Samples)
	total := n + m
	accuracy := (f.AccuracyRate*n + stats.ObservedAccuracy*m) / total
	impact := (f.AverageImpact*n + stats.ObservedImpact*m) / total
	return f.UsageCount + int64(stats.Samples), accuracy, impact
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
