package archive

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/events"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/platform/httpkit"
)

// Module exposes archived snapshots and subscribes the archiver.
type Module struct {
	archiver *Archiver
}

// NewModule wraps an archiver.
func NewModule(archiver *Archiver) *Module {
	return &Module{archiver: archiver}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "archive"
}

// RegisterRoutes mounts snapshot routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/calibration/cycles/:number/snapshot", m.getSnapshot)
}

// RegisterHandlers subscribes to completed cycles.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.CalibrationCompleted{}.EventName(), m.archiver)
}

// GET /api/v1/calibration/cycles/:number/snapshot
func (m *Module) getSnapshot(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		httpkit.Error(c, http.StatusBadRequest, "invalid cycle number", nil)
		return
	}
	snap, err := m.archiver.Load(c.Request.Context(), number)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, snap)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
