package middleware

import (
	"github.com/labstack/echo/v4"
)

// backendIdentityHeaders reveal the software behind the gateway.
var backendIdentityHeaders = []string{
	"Server",
	"X-Powered-By",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// every response and removes headers identifying the backend. The headers
// are applied just before the status line is written, so relayed upstream
// headers are covered too.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for _, name := range backendIdentityHeaders {
					h.Del(name)
				}
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "DENY")
				h.Set("Referrer-Policy", "no-referrer")
			})
			return next(c)
		}
	}
}
