package web

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// BasicAuthConfig configures the dashboard's HTTP basic authentication.
// Either Password (compared constant-time) or PasswordHash (bcrypt) must be
// set; the hash wins when both are present.
type BasicAuthConfig struct {
	Username     string
	Password     string
	PasswordHash string
	Realm        string
	// Skipper exempts requests (health checks) from authentication.
	Skipper func(c echo.Context) bool
}

// BasicAuthMiddleware enforces HTTP basic auth on the hub API.
func BasicAuthMiddleware(config BasicAuthConfig) echo.MiddlewareFunc {
	if config.Realm == "" {
		config.Realm = "codex-autorunner"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper != nil && config.Skipper(c) {
				return next(c)
			}
			auth := c.Request().Header.Get("Authorization")
			username, password, ok := parseBasicAuth(auth)
			if !ok || !validateCredentials(username, password, config) {
				c.Response().Header().Set("WWW-Authenticate", `Basic realm="`+config.Realm+`"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			c.Set("username", username)
			return next(c)
		}
	}
}

func parseBasicAuth(auth string) (string, string, bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func validateCredentials(username, password string, config BasicAuthConfig) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(config.Username)) != 1 {
		return false
	}
	if config.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(config.PasswordHash), []byte(password)) == nil
	}
	if config.Password != "" {
		return subtle.ConstantTimeCompare([]byte(password), []byte(config.Password)) == 1
	}
	return false
}
