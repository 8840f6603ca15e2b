// Package assessment provides the assessment engine bounded context module.
package assessment

import (
	"afiss_backend/internal/assessment/handler"
	"afiss_backend/internal/assessment/service"
	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/index"
	"afiss_backend/internal/events"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

// Module is the assessment module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule wires the engine over the registry, index and ledger.
func NewModule(
	factors service.FactorSource,
	emb embedder.Embedder,
	idx index.Index,
	recorder service.Recorder,
	bus events.Bus,
	val *validator.Validator,
	log *logger.Logger,
	cfg service.Config,
) *Module {
	svc := service.New(factors, emb, idx, recorder, bus, log, cfg)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "assessment"
}

// Service returns the engine.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts assessment routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.POST("/assessments", m.handler.Assess)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
