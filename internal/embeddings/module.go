// Package embeddings provides the embedding index bounded context module.
package embeddings

import (
	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/handler"
	"afiss_backend/internal/embeddings/index"
	"afiss_backend/internal/embeddings/service"
	"afiss_backend/internal/events"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

// Module is the embedding index module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates the module over an already constructed index and embedder.
func NewModule(idx index.Index, emb embedder.Embedder, factors service.FactorReader, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(idx, emb, factors, log)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "embeddings"
}

// Service returns the indexer for other modules.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts index routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.POST("/index/query", m.handler.Query)
	ctx.Admin.POST("/index/documents", m.handler.IndexDocument)
}

// RegisterHandlers subscribes the indexer to registry and ledger events.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.FactorDefinitionChanged{}.EventName(), m.service)
	bus.Subscribe(events.DecisionRecorded{}.EventName(), m.service)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
