package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/calibration/service"
	"afiss_backend/internal/calibration/transport"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/httpkit"
	"afiss_backend/platform/validator"
)

// Enqueuer schedules a cycle on the background worker.
type Enqueuer interface {
	EnqueueCycle(ctx context.Context, trigger string, resumeCycle *int) (taskID, queue string, err error)
}

// Handler handles HTTP requests for calibration.
type Handler struct {
	svc      *service.Service
	enqueuer Enqueuer
	val      *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidNumber    = "invalid cycle number"
)

// New creates a new calibration handler. enqueuer may be nil, in which case
// asynchronous runs are rejected.
func New(svc *service.Service, enqueuer Enqueuer, val *validator.Validator) *Handler {
	return &Handler{svc: svc, enqueuer: enqueuer, val: val}
}

// Run runs a cycle synchronously, or enqueues it with ?async=true.
// POST /api/v1/calibration/cycles
func (h *Handler) Run(c *gin.Context) {
	var query transport.RunCycleQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	var req transport.RunCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	if query.Async {
		if h.enqueuer == nil {
			httpkit.HandleError(c, apperr.Unavailable("background worker is not configured"))
			return
		}
		taskID, queue, err := h.enqueuer.EnqueueCycle(c.Request.Context(), repository.TriggerManual, req.ResumeCycle)
		if httpkit.HandleError(c, err) {
			return
		}
		httpkit.JSON(c, http.StatusAccepted, transport.EnqueuedResponse{TaskID: taskID, Queue: queue})
		return
	}

	cycle, err := h.svc.RunCycle(c.Request.Context(), service.RunOptions{
		ResumeCycle: req.ResumeCycle,
		Trigger:     repository.TriggerManual,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, cycle)
}

// List returns recent cycles.
// GET /api/v1/calibration/cycles
func (h *Handler) List(c *gin.Context) {
	var req transport.ListCyclesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	items, err := h.svc.List(c.Request.Context(), req.Limit)
	if httpkit.HandleError(c, err) {
		return
	}
	if items == nil {
		items = []repository.Cycle{}
	}
	httpkit.OK(c, transport.ListCyclesResponse{Items: items, Total: len(items)})
}

// Get returns one cycle.
// GET /api/v1/calibration/cycles/:number
func (h *Handler) Get(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidNumber, nil)
		return
	}
	cycle, err := h.svc.Get(c.Request.Context(), number)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, cycle)
}

// Metrics returns factor performance and the accuracy trend.
// GET /api/v1/calibration/metrics
func (h *Handler) Metrics(c *gin.Context) {
	m, err := h.svc.Metrics(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, m)
}
