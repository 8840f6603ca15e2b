package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/service"
	"afiss_backend/internal/factors/transport"
	"afiss_backend/platform/httpkit"
	"afiss_backend/platform/validator"
)

// Handler handles HTTP requests for the factor registry.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// New creates a new factor handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// List returns factors, optionally filtered by domain.
// GET /api/v1/factors
func (h *Handler) List(c *gin.Context) {
	var req transport.ListFactorsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	params := repository.ListParams{ActiveOnly: req.ActiveOnly}
	if req.Domain != "" {
		domain := repository.Domain(req.Domain)
		params.Domain = &domain
	}
	items, err := h.svc.List(c.Request.Context(), params)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ListFactorsResponse{Items: items, Total: len(items)})
}

// Get returns a single factor.
// GET /api/v1/factors/:code
func (h *Handler) Get(c *gin.Context) {
	f, err := h.svc.Get(c.Request.Context(), c.Param("code"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, f)
}

// History returns the calibration history of a factor.
// GET /api/v1/factors/:code/history
func (h *Handler) History(c *gin.Context) {
	entries, err := h.svc.History(c.Request.Context(), c.Param("code"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.HistoryResponse{Code: c.Param("code"), Entries: entries})
}

// Override sets a factor weight manually.
// POST /api/v1/admin/factors/:code/override
func (h *Handler) Override(c *gin.Context) {
	var req transport.OverrideWeightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	reason := req.Reason
	if p := httpkit.GetPrincipal(c); p.Authenticated() {
		reason += " (by " + p.ServiceID + ")"
	}
	change, err := h.svc.OverrideWeight(c.Request.Context(), c.Param("code"), *req.Weight, reason)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, change)
}

// SetActive activates or deactivates a factor.
// POST /api/v1/admin/factors/:code/active
func (h *Handler) SetActive(c *gin.Context) {
	var req transport.SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	f, err := h.svc.SetActive(c.Request.Context(), c.Param("code"), *req.Active)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, f)
}
