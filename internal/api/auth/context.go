package auth

import (
	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	PrincipalContextKey ContextKey = "principal"
)

// GetPrincipal returns the authenticated principal set by RequireAuth
func GetPrincipal(c echo.Context) (string, bool) {
	principal, ok := c.Get(string(PrincipalContextKey)).(string)
	return principal, ok && principal != ""
}

// MustGetPrincipal returns the principal or panics if RequireAuth did not run
func MustGetPrincipal(c echo.Context) string {
	principal, ok := GetPrincipal(c)
	if !ok {
		panic("principal not found in context - ensure RequireAuth middleware is applied")
	}
	return principal
}
