package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/identity"
)

const claimsContextKey = "macaw.claims"

// RequireAuth verifies the Bearer token and stores the caller's claims in the
// request context. When no verifier is configured the middleware is a no-op,
// which is the local development mode.
func (h *Handler) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.verifier == nil {
			return next(c)
		}

		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}

		claims, err := h.verifier.Verify(c.Request().Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrTokenExpired) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "token expired"})
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "token invalid"})
		}

		c.Set(claimsContextKey, claims)
		return next(c)
	}
}

// claimsFrom returns the verified claims for the request, nil when running
// without authentication.
func claimsFrom(c echo.Context) *identity.Claims {
	claims, _ := c.Get(claimsContextKey).(*identity.Claims)
	return claims
}
