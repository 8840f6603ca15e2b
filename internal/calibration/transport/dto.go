package transport

import "afiss_backend/internal/calibration/repository"

// RunCycleRequest is the optional body of POST /calibration/cycles.
type RunCycleRequest struct {
	ResumeCycle *int `json:"resumeCycle" validate:"omitempty,min=1"`
}

// RunCycleQuery carries the query flags of POST /calibration/cycles.
type RunCycleQuery struct {
	Async bool `form:"async"`
}

// ListCyclesRequest filters GET /calibration/cycles.
type ListCyclesRequest struct {
	Limit int `form:"limit" validate:"omitempty,min=1,max=200"`
}

// ListCyclesResponse wraps a cycle listing.
type ListCyclesResponse struct {
	Items []repository.Cycle `json:"items"`
	Total int                `json:"total"`
}

// EnqueuedResponse acknowledges an asynchronous run.
type EnqueuedResponse struct {
	TaskID string `json:"taskId"`
	Queue  string `json:"queue"`
}
