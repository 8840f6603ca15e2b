package transport

import "afiss_backend/internal/ledger/repository"

// ListDecisionsRequest filters GET /decisions.
type ListDecisionsRequest struct {
	ProjectID  string `form:"projectId" validate:"omitempty,max=200"`
	HasOutcome *bool  `form:"hasOutcome"`
	Consumed   *bool  `form:"consumed"`
	Limit      int    `form:"limit" validate:"omitempty,min=1,max=500"`
}

// AttachOutcomeRequest is the body of POST /decisions/:id/outcome.
type AttachOutcomeRequest struct {
	WasAccurate   *bool              `json:"wasAccurate" validate:"required"`
	ActualImpact  *float64           `json:"actualImpact" validate:"required"`
	FactorImpacts map[string]float64 `json:"factorImpacts"`
	FeedbackNotes string             `json:"feedbackNotes" validate:"max=5000"`
}

// ListDecisionsResponse wraps a decision listing.
type ListDecisionsResponse struct {
	Items []repository.Decision `json:"items"`
	Total int                   `json:"total"`
}
