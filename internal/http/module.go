// Package http provides HTTP server infrastructure including the Module interface
// that all domain modules must implement for route registration.
package http

import (
	"afiss_backend/internal/events"
	"afiss_backend/platform/config"

	"github.com/gin-gonic/gin"
)

// Module is a bounded context that mounts its own HTTP routes.
type Module interface {
	// Name returns the module's identifier for logging purposes.
	Name() string
	// RegisterRoutes mounts the module's routes on the provided router group.
	RegisterRoutes(ctx *RouterContext)
}

// EventSubscriber is implemented by modules that also react to domain
// events, such as the indexer re-embedding changed factors or the archive
// storing completed calibration cycles.
type EventSubscriber interface {
	RegisterHandlers(bus events.Bus)
}

// RouterContext provides shared dependencies for module route registration.
type RouterContext struct {
	// Engine is the root Gin engine.
	Engine *gin.Engine
	// V1 is the unauthenticated /api/v1 route group.
	V1 *gin.RouterGroup
	// Protected requires a valid service token.
	Protected *gin.RouterGroup
	// Admin additionally requires the calibration_admin role.
	Admin *gin.RouterGroup
	// Config is the JWT configuration for modules that need scoped auth.
	Config config.JWTConfig
	// AuthMiddleware is the service token middleware used by Protected.
	AuthMiddleware gin.HandlerFunc
}
