// Package auth implements bearer-token authentication for a gateway.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"model-gateway/internal/metrics"
	"model-gateway/internal/model"
)

// unauthorizedMessage is the single message for every rejection, so callers
// cannot tell a missing header from a wrong token.
const unauthorizedMessage = "Invalid or missing API key"

// Gate holds the credential set of one service.
type Gate struct {
	keys [][]byte
}

// NewGate returns a Gate accepting exactly the given keys. Empty strings are ignored.
// A Gate without keys accepts every request.
func NewGate(keys []string) *Gate {
	g := &Gate{}
	for _, k := range keys {
		if k != "" {
			g.keys = append(g.keys, []byte(k))
		}
	}
	return g
}

// Enabled reports whether the gate checks credentials at all.
func (g *Gate) Enabled() bool {
	return len(g.keys) > 0
}

// Check reports whether token is one of the configured keys. The comparison
// is case-sensitive and every key is compared, so timing does not depend on
// which key matched.
func (g *Gate) Check(token string) bool {
	if !g.Enabled() {
		return true
	}
	t := []byte(token)
	match := 0
	for _, k := range g.keys {
		match |= subtle.ConstantTimeCompare(t, k)
	}
	return match == 1
}

// Middleware returns an Echo middleware that enforces the gate on every
// request reaching the Echo instance. It reads "Authorization: Bearer <token>";
// any failure yields the same 401 JSON body. With an empty gate the
// middleware passes everything through.
func Middleware(gate *Gate, service string, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	if !gate.Enabled() {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	logger = logger.With("component", "auth")

	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return gate.Check(key), nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			if m != nil {
				m.AuthFailures.WithLabelValues(service).Inc()
			}
			logger.Debug("rejected request",
				"reason", err.Error(),
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"remote_ip", c.RealIP(),
			)
			return Reject(c)
		},
	})
}

// Reject writes the 401 response.
func Reject(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
	return c.JSON(http.StatusUnauthorized, model.NewError(model.ErrTypeUnauthorized, unauthorizedMessage))
}
