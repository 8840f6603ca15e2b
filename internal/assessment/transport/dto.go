package transport

// AssessRequest is the body of POST /assessments.
type AssessRequest struct {
	ProjectID   string         `json:"projectId" validate:"required,notblank,max=200"`
	Description string         `json:"description" validate:"required,notblank,max=20000"`
	Context     map[string]any `json:"context"`
}
