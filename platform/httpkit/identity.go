package httpkit

import (
	"slices"

	"github.com/gin-gonic/gin"
)

// Principal is the authenticated calling service.
type Principal struct {
	ServiceID string
	Roles     []string
}

// Authenticated reports whether a service token was validated.
func (p Principal) Authenticated() bool {
	return p.ServiceID != ""
}

// HasRole checks whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// GetPrincipal extracts the principal set by ServiceAuth.
// Returns the zero Principal when the request is unauthenticated.
func GetPrincipal(c *gin.Context) Principal {
	var p Principal
	if id, ok := c.Get(ContextServiceIDKey); ok {
		p.ServiceID, _ = id.(string)
	}
	if roles, ok := c.Get(ContextRolesKey); ok {
		p.Roles, _ = roles.([]string)
	}
	return p
}
