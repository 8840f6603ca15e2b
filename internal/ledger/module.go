// Package ledger provides the decision ledger bounded context module.
package ledger

import (
	"afiss_backend/internal/events"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/internal/ledger/handler"
	"afiss_backend/internal/ledger/repository"
	"afiss_backend/internal/ledger/service"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

// Module is the decision ledger module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	repo    repository.Repository
}

// NewModule creates and initializes the ledger module.
func NewModule(repo repository.Repository, bus events.Bus, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(repo, bus, log)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
		repo:    repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "ledger"
}

// Service returns the ledger service for other modules.
func (m *Module) Service() *service.Service {
	return m.service
}

// Repository returns the repository for the calibration engine.
func (m *Module) Repository() repository.Repository {
	return m.repo
}

// RegisterRoutes mounts decision routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/decisions", m.handler.List)
	ctx.Protected.GET("/decisions/:id", m.handler.Get)
	ctx.Protected.POST("/decisions/:id/outcome", m.handler.AttachOutcome)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
