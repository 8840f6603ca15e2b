package transport

import "afiss_backend/internal/factors/repository"

// ListFactorsRequest filters GET /factors.
type ListFactorsRequest struct {
	Domain     string `form:"domain" validate:"omitempty,oneof=access fall_zone interference severity site_conditions"`
	ActiveOnly bool   `form:"activeOnly"`
}

// OverrideWeightRequest is the body of POST /factors/:code/override.
type OverrideWeightRequest struct {
	Weight *float64 `json:"weight" validate:"required,gte=0"`
	Reason string   `json:"reason" validate:"required,notblank,max=500"`
}

// SetActiveRequest is the body of POST /factors/:code/active.
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// ListFactorsResponse wraps a factor listing.
type ListFactorsResponse struct {
	Items []repository.Factor `json:"items"`
	Total int                 `json:"total"`
}

// HistoryResponse wraps a factor's calibration history.
type HistoryResponse struct {
	Code    string                        `json:"code"`
	Entries []repository.CalibrationEntry `json:"entries"`
}
