package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"afiss_backend/internal/factors/rules"
)

// Domain is one of the five risk domains.
type Domain string

const (
	DomainAccess         Domain = "access"
	DomainFallZone       Domain = "fall_zone"
	DomainInterference   Domain = "interference"
	DomainSeverity       Domain = "severity"
	DomainSiteConditions Domain = "site_conditions"
)

// AllDomains lists the domains in canonical order.
var AllDomains = []Domain{DomainAccess, DomainFallZone, DomainInterference, DomainSeverity, DomainSiteConditions}

// ParseDomain validates a domain name.
func ParseDomain(raw string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllDomains {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown domain %q", raw)
}

// Factor is a named, weighted risk indicator.
type Factor struct {
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Domain         Domain    `json:"domain"`
	BasePercentage float64   `json:"basePercentage"`
	CurrentWeight  float64   `json:"currentWeight"`
	OriginalWeight float64   `json:"originalWeight"`
	MinWeight      float64   `json:"minWeight"`
	MaxWeight      float64   `json:"maxWeight"`
	UsageCount     int64     `json:"usageCount"`
	AccuracyRate   float64   `json:"accuracyRate"`
	AverageImpact  float64   `json:"averageImpact"`
	TriggerRules   rules.Set `json:"triggerRules"`
	Active         bool      `json:"active"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ImpactScale converts a weighted confidence into points on the 0-100
// domain scale.
const ImpactScale = 100.0

// Impact is the contribution of f at the given confidence, in points.
func (f Factor) Impact(confidence float64) float64 {
	return f.CurrentWeight * confidence * ImpactScale
}

// CalibrationEntry is one append-only weight change record.
type CalibrationEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	OldWeight   float64   `json:"oldWeight"`
	NewWeight   float64   `json:"newWeight"`
	Reason      string    `json:"reason"`
	Confidence  float64   `json:"confidence"`
	CycleNumber *int      `json:"cycleNumber,omitempty"`
}

// FactorDefinition is the seeding input for a factor.
type FactorDefinition struct {
	Code           string
	Name           string
	Description    string
	Domain         Domain
	BasePercentage float64
	Weight         float64
	MinWeight      float64
	MaxWeight      float64
	TriggerRules   rules.Set
}

// WeightUpdate is a conditional write of a factor's weight and running
// statistics. It succeeds only if the stored version equals ExpectedVersion.
type WeightUpdate struct {
	Code            string
	ExpectedVersion int64
	NewWeight       float64
	UsageCount      int64
	AccuracyRate    float64
	AverageImpact   float64
	Entry           CalibrationEntry
}

// ListParams filters List.
type ListParams struct {
	Domain     *Domain
	ActiveOnly bool
}

// Repository persists factors and their calibration history.
type Repository interface {
	Get(ctx context.Context, code string) (Factor, error)
	List(ctx context.Context, params ListParams) ([]Factor, error)
	History(ctx context.Context, code string) ([]CalibrationEntry, error)
	// UpdateWeight applies update and appends update.Entry atomically.
	// A stale ExpectedVersion yields a CONCURRENT_WEIGHT_CONFLICT error.
	UpdateWeight(ctx context.Context, update WeightUpdate) (Factor, error)
	SetActive(ctx context.Context, code string, active bool) (Factor, error)
	// Upsert creates a factor or refreshes its descriptive fields and rules.
	// Weights, statistics and history of an existing factor are untouched.
	Upsert(ctx context.Context, def FactorDefinition) (Factor, error)
}
