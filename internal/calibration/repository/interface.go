// Package repository stores calibration cycles and their per-factor
// checkpoints.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a cycle. Only completed is terminal;
// every other state is resumed by the next run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// WeightDelta is the adjustment a cycle applied to one factor.
type WeightDelta struct {
	FactorCode       string  `json:"factorCode"`
	OldWeight        float64 `json:"oldWeight"`
	NewWeight        float64 `json:"newWeight"`
	RequestedDelta   float64 `json:"requestedDelta"`
	AppliedDelta     float64 `json:"appliedDelta"`
	Confidence       float64 `json:"confidence"`
	SampleSize       int     `json:"sampleSize"`
	ObservedAccuracy float64 `json:"observedAccuracy"`
	MeanImpactError  float64 `json:"meanImpactError"`
	Clamped          bool    `json:"clamped"`
}

// SkippedFactor is a factor with outcomes below the minimum sample size.
type SkippedFactor struct {
	FactorCode string `json:"factorCode"`
	Reason     string `json:"reason"`
	Samples    int    `json:"samples"`
}

// FactorFailure is a per-factor error recorded without failing the cycle.
type FactorFailure struct {
	FactorCode string `json:"factorCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Cycle is one calibration run.
type Cycle struct {
	Number            int             `json:"number"`
	Status            Status          `json:"status"`
	Trigger           string          `json:"trigger"`
	DecisionsAnalyzed []uuid.UUID     `json:"decisionsAnalyzed"`
	WeightDeltas      []WeightDelta   `json:"weightDeltas"`
	Skipped           []SkippedFactor `json:"skipped"`
	Failures          []FactorFailure `json:"failures"`
	AccuracyBefore    *float64        `json:"accuracyBefore"`
	AccuracyAfter     *float64        `json:"accuracyAfter"`
	WindowStart       *time.Time      `json:"windowStart,omitempty"`
	WindowEnd         *time.Time      `json:"windowEnd,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	HeartbeatAt       time.Time       `json:"heartbeatAt"`
	FinishedAt        *time.Time      `json:"finishedAt,omitempty"`
}

// Checkpoint records a factor finished within a cycle.
type Checkpoint struct {
	CycleNumber int         `json:"cycleNumber"`
	FactorCode  string      `json:"factorCode"`
	Delta       WeightDelta `json:"delta"`
	DecisionIDs []uuid.UUID `json:"decisionIds"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Repository persists cycles.
type Repository interface {
	// Start allocates the next cycle number and stores a running cycle.
	Start(ctx context.Context, trigger string, at time.Time) (Cycle, error)
	Get(ctx context.Context, number int) (Cycle, error)
	// List returns cycles newest first.
	List(ctx context.Context, limit int) ([]Cycle, error)
	// LatestUnfinished returns the highest numbered cycle that is not
	// completed, or false.
	LatestUnfinished(ctx context.Context) (Cycle, bool, error)
	// Resume moves an unfinished cycle back to running.
	Resume(ctx context.Context, number int, at time.Time) (Cycle, error)
	// SaveCheckpoint stores a finished factor and refreshes the heartbeat.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	Checkpoints(ctx context.Context, number int) ([]Checkpoint, error)
	// Heartbeat records that the owner of a cycle is still working on it.
	Heartbeat(ctx context.Context, number int, at time.Time) error
	// Finish stores the final state of a cycle.
	Finish(ctx context.Context, c Cycle) error
	// MarkStale moves running cycles whose heartbeat is older than before to
	// interrupted and returns their numbers.
	MarkStale(ctx context.Context, before time.Time) ([]int, error)
}
