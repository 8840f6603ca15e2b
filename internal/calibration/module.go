// Package calibration provides the calibration engine bounded context module.
package calibration

import (
	"afiss_backend/internal/calibration/handler"
	"afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/calibration/service"
	"afiss_backend/internal/events"
	apphttp "afiss_backend/internal/http"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	"afiss_backend/platform/lock"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

// Module is the calibration module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates the calibration module. enqueuer may be nil when no
// background worker is configured.
func NewModule(
	cycles repository.Repository,
	ledger ledgerrepo.Repository,
	registry service.Registry,
	locker lock.Locker,
	enqueuer handler.Enqueuer,
	bus events.Bus,
	val *validator.Validator,
	log *logger.Logger,
	cfg service.Config,
) *Module {
	svc := service.New(cycles, ledger, registry, locker, bus, log, cfg)
	return &Module{
		handler: handler.New(svc, enqueuer, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "calibration"
}

// Service returns the engine for the scheduler.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts calibration routes. Running a cycle needs the
// calibration admin role; reads are open to any authenticated service.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Admin.POST("/calibration/cycles", m.handler.Run)
	ctx.Protected.GET("/calibration/cycles", m.handler.List)
	ctx.Protected.GET("/calibration/cycles/:number", m.handler.Get)
	ctx.Protected.GET("/calibration/metrics", m.handler.Metrics)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
