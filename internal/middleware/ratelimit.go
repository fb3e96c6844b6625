package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"model-gateway/internal/model"
)

// RateLimiter returns a per-client-IP token bucket limiter allowing rps
// requests per second. Rejected requests get 429 with the gateway error body.
func RateLimiter(rps float64) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStore(rate.Limit(rps)),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden,
				model.NewError(model.ErrTypeRateLimited, "Could not identify client"))
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests,
				model.NewError(model.ErrTypeRateLimited, "Rate limit exceeded"))
		},
	})
}
