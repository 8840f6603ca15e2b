package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"afiss_backend/internal/ledger/repository"
	"afiss_backend/internal/ledger/service"
	"afiss_backend/internal/ledger/transport"
	"afiss_backend/platform/httpkit"
	"afiss_backend/platform/validator"
)

// Handler handles HTTP requests for the decision ledger.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidID        = "invalid decision id"
)

// New creates a new ledger handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// Get returns a decision.
// GET /api/v1/decisions/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	d, err := h.svc.Get(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, d)
}

// List returns decisions newest first.
// GET /api/v1/decisions
func (h *Handler) List(c *gin.Context) {
	var req transport.ListDecisionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	items, err := h.svc.Query(c.Request.Context(), repository.Filter{
		ProjectID:  req.ProjectID,
		HasOutcome: req.HasOutcome,
		Consumed:   req.Consumed,
		Limit:      req.Limit,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	if items == nil {
		items = []repository.Decision{}
	}
	httpkit.OK(c, transport.ListDecisionsResponse{Items: items, Total: len(items)})
}

// AttachOutcome records outcome feedback.
// POST /api/v1/decisions/:id/outcome
func (h *Handler) AttachOutcome(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	var req transport.AttachOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	err = h.svc.AttachOutcome(c.Request.Context(), id, repository.Outcome{
		WasAccurate:   *req.WasAccurate,
		ActualImpact:  *req.ActualImpact,
		FactorImpacts: req.FactorImpacts,
		FeedbackNotes: req.FeedbackNotes,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.NoContent(c)
}
