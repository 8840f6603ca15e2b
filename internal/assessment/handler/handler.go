package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/assessment/service"
	"afiss_backend/internal/assessment/transport"
	"afiss_backend/internal/factors/rules"
	"afiss_backend/platform/httpkit"
	"afiss_backend/platform/validator"
)

// Handler handles HTTP requests for assessments.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// New creates a new assessment handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// Assess scores a project and returns the recorded decision.
// POST /api/v1/assessments
func (h *Handler) Assess(c *gin.Context) {
	var req transport.AssessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	decision, err := h.svc.Assess(c.Request.Context(), service.Request{
		ProjectID:   req.ProjectID,
		Description: req.Description,
		Context:     rules.Context(req.Context),
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, decision)
}
