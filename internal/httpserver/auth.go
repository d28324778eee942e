package httpserver

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// authOK accepts the shared token from the Authorization bearer header, the
// X-Auth-Token header, or the token query parameter (websocket clients cannot
// set headers). An empty expected token disables auth.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q == expected
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" {
		return x == expected
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[7:]) == expected
	}
	return false
}

func tokenAuth(expected string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !authOK(c.Request(), expected) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
