package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Source records why a factor triggered.
type Source string

const (
	SourceRule       Source = "rule"
	SourceSimilarity Source = "similarity"
)

// MultiplierRange is the pricing multiplier band of a complexity level.
type MultiplierRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// TriggeredFactor is one factor applied to a decision.
type TriggeredFactor struct {
	FactorCode  string  `json:"factorCode"`
	Domain      string  `json:"domain"`
	Weight      float64 `json:"weight"`
	Confidence  float64 `json:"confidence"`
	ImpactScore float64 `json:"impactScore"`
	Source      Source  `json:"source"`
	Reasoning   string  `json:"reasoning"`
}

// Outcome is the feedback attached to a decision once the job is done.
type Outcome struct {
	WasAccurate   bool               `json:"wasAccurate"`
	ActualImpact  float64            `json:"actualImpact"`
	FactorImpacts map[string]float64 `json:"factorImpacts,omitempty"`
	FeedbackNotes string             `json:"feedbackNotes,omitempty"`
	AttachedAt    time.Time          `json:"attachedAt"`
}

// Decision is an immutable assessment record.
type Decision struct {
	ID               uuid.UUID          `json:"id"`
	ProjectID        string             `json:"projectId"`
	Description      string             `json:"description"`
	TriggeredFactors []TriggeredFactor  `json:"triggeredFactors"`
	DomainScores     map[string]float64 `json:"domainScores"`
	CompositeScore   float64            `json:"compositeScore"`
	ComplexityLevel  string             `json:"complexityLevel"`
	Multiplier       MultiplierRange    `json:"multiplierRange"`
	ModelTierUsed    string             `json:"modelTierUsed"`
	Degraded         bool               `json:"degraded"`
	RelatedDecisions []string           `json:"relatedDecisions"`
	Outcome          *Outcome           `json:"outcome,omitempty"`
	ConsumedAt       *time.Time         `json:"consumedAt,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// TotalImpact sums the impact scores of the triggered factors.
func (d Decision) TotalImpact() float64 {
	var total float64
	for _, tf := range d.TriggeredFactors {
		total += tf.ImpactScore
	}
	return total
}

// Sample pairs one triggered factor with its decision's outcome.
type Sample struct {
	DecisionID     uuid.UUID `json:"decisionId"`
	FactorCode     string    `json:"factorCode"`
	Confidence     float64   `json:"confidence"`
	ImpactScore    float64   `json:"impactScore"`
	WasAccurate    bool      `json:"wasAccurate"`
	ObservedImpact float64   `json:"observedImpact"`
}

// Filter narrows Query. Nil pointers mean "either".
type Filter struct {
	ProjectID  string
	HasOutcome *bool
	Consumed   *bool
	IDs        []uuid.UUID
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// Repository is the append-only decision ledger.
type Repository interface {
	// Append stores d once. A second append of the same id fails with DECISION_EXISTS.
	Append(ctx context.Context, d Decision) error
	Get(ctx context.Context, id uuid.UUID) (Decision, error)
	// Query returns decisions newest first.
	Query(ctx context.Context, filter Filter) ([]Decision, error)
	// AttachOutcome sets the outcome exactly once.
	AttachOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) error
	// PendingCounts returns labelled, unconsumed samples per factor code.
	PendingCounts(ctx context.Context) (map[string]int, error)
	// ClaimSamples marks the factor's labelled unconsumed rows, and rows
	// already claimed by cycle, as consumed by cycle and returns them.
	ClaimSamples(ctx context.Context, cycle int, factorCode string) ([]Sample, error)
	// ReleaseSamples undoes a claim.
	ReleaseSamples(ctx context.Context, cycle int, factorCode string) error
	// MarkConsumed stamps decisions whose every row for one of the active
	// factor codes has been claimed. Rows of inactive factors never hold a
	// decision back.
	MarkConsumed(ctx context.Context, at time.Time, activeFactors []string) (int, error)
}

// ObservedImpact is the impact attributed to factorCode by an outcome: the
// explicit per-factor figure when given, otherwise the decision's actual
// impact apportioned by the factor's share of the predicted impact.
func ObservedImpact(factorCode string, impactScore, totalImpact float64, factorCount int, outcome Outcome) float64 {
	if v, ok := outcome.FactorImpacts[factorCode]; ok {
		return v
	}
	if totalImpact > 0 {
		return outcome.ActualImpact * impactScore / totalImpact
	}
	if factorCount > 0 {
		return outcome.ActualImpact / float64(factorCount)
	}
	return 0
}
