// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"afiss_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Factor Registry Events
// =============================================================================

// FactorDefinitionChanged is published when a factor is created or its
// descriptive fields or rules change. Subscribers re-index the factor.
type FactorDefinitionChanged struct {
	BaseEvent
	FactorCode string `json:"factorCode"`
}

func (e FactorDefinitionChanged) EventName() string { return "factors.definition.changed" }

// FactorWeightChanged is published after every committed weight change.
type FactorWeightChanged struct {
	BaseEvent
	FactorCode  string  `json:"factorCode"`
	OldWeight   float64 `json:"oldWeight"`
	NewWeight   float64 `json:"newWeight"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
	Clamped     bool    `json:"clamped"`
	CycleNumber *int    `json:"cycleNumber,omitempty"`
}

func (e FactorWeightChanged) EventName() string { return "factors.weight.changed" }

// =============================================================================
// Assessment / Ledger Events
// =============================================================================

// DecisionRecorded is published once a decision is durably appended.
type DecisionRecorded struct {
	BaseEvent
	DecisionID      uuid.UUID `json:"decisionId"`
	ProjectID       string    `json:"projectId"`
	Description     string    `json:"description"`
	CompositeScore  float64   `json:"compositeScore"`
	ComplexityLevel string    `json:"complexityLevel"`
	Degraded        bool      `json:"degraded"`
	Vector          []float32 `json:"-"`
}

func (e DecisionRecorded) EventName() string { return "ledger.decision.recorded" }

// OutcomeAttached is published when an outcome is attached to a decision.
type OutcomeAttached struct {
	BaseEvent
	DecisionID   uuid.UUID `json:"decisionId"`
	WasAccurate  bool      `json:"wasAccurate"`
	ActualImpact float64   `json:"actualImpact"`
}

func (e OutcomeAttached) EventName() string { return "ledger.outcome.attached" }

// =============================================================================
// Calibration Events
// =============================================================================

// CalibrationCompleted is published when a cycle finishes successfully.
type CalibrationCompleted struct {
	BaseEvent
	CycleNumber       int      `json:"cycleNumber"`
	DecisionsAnalyzed int      `json:"decisionsAnalyzed"`
	FactorsAdjusted   []string `json:"factorsAdjusted"`
	AccuracyBefore    float64  `json:"accuracyBefore"`
	AccuracyAfter     float64  `json:"accuracyAfter"`
}

func (e CalibrationCompleted) EventName() string { return "calibration.cycle.completed" }
