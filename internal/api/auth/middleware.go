package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// RequireAuth validates the bearer token on every request and stores the principal in the context
func RequireAuth(verifier *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, err := VerifyRequest(verifier, c.Request(), false)
			if err != nil {
				log.Debug().Err(err).Str("path", c.Path()).Msg("Rejected unauthenticated request")
				return c.JSON(http.StatusUnauthorized, Rejection(err))
			}

			c.Set(string(PrincipalContextKey), principal)
			return next(c)
		}
	}
}

// VerifyRequest authenticates r using its Authorization header. When allowQuery is set,
// a token query parameter is accepted as well since browsers cannot set headers on WebSocket upgrades.
func VerifyRequest(verifier *Verifier, r *http.Request, allowQuery bool) (string, error) {
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}
	if token == "" && allowQuery {
		token = r.URL.Query().Get("token")
	}
	return verifier.Verify(token)
}

// Rejection builds the response body for a rejected credential
func Rejection(err error) map[string]string {
	reason := ReasonOf(err)
	message := "Invalid or expired token"
	if reason == ReasonMissing {
		message = "Authorization token required"
	}
	return map[string]string{
		"error":  message,
		"reason": string(reason),
	}
}
