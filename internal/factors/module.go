// Package factors provides the factor registry bounded context module.
package factors

import (
	"afiss_backend/internal/events"
	"afiss_backend/internal/factors/handler"
	"afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/service"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

// Module is the factor registry module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	repo    repository.Repository
}

// NewModule creates and initializes the factor registry module.
func NewModule(repo repository.Repository, bus events.Bus, val *validator.Validator, log *logger.Logger, maxRetries int) *Module {
	svc := service.New(repo, bus, log, maxRetries)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
		repo:    repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "factors"
}

// Service returns the registry service for other modules.
func (m *Module) Service() *service.Service {
	return m.service
}

// Repository returns the repository for direct access if needed.
func (m *Module) Repository() repository.Repository {
	return m.repo
}

// RegisterRoutes mounts factor routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/factors", m.handler.List)
	ctx.Protected.GET("/factors/:code", m.handler.Get)
	ctx.Protected.GET("/factors/:code/history", m.handler.History)

	adminGroup := ctx.Admin.Group("/factors")
	adminGroup.POST("/:code/override", m.handler.Override)
	adminGroup.POST("/:code/active", m.handler.SetActive)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
