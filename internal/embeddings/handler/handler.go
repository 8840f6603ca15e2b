package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/embeddings/index"
	"afiss_backend/internal/embeddings/service"
	"afiss_backend/internal/embeddings/transport"
	"afiss_backend/platform/httpkit"
	"afiss_backend/platform/validator"
)

// Handler handles HTTP requests for the embedding index.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// New creates a new index handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// IndexDocument embeds and stores a domain document.
// POST /api/v1/index/documents
func (h *Handler) IndexDocument(c *gin.Context) {
	var req transport.IndexDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	err := h.svc.IndexDocument(c.Request.Context(), req.DocumentType, req.DocumentID, req.Content, req.Metadata)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.NoContent(c)
}

// Query searches the index by text.
// POST /api/v1/index/query
func (h *Handler) Query(c *gin.Context) {
	var req transport.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	matches, err := h.svc.Search(c.Request.Context(), req.Text, req.K, index.Filter{DocumentType: req.DocumentType})
	if httpkit.HandleError(c, err) {
		return
	}
	if matches == nil {
		matches = []index.Match{}
	}
	httpkit.OK(c, transport.QueryResponse{Matches: matches})
}
