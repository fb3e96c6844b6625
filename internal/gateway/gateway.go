// Package gateway assembles one authenticating reverse proxy per configured
// service and runs them as a group.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"model-gateway/internal/auth"
	"model-gateway/internal/client"
	"model-gateway/internal/config"
	"model-gateway/internal/handler"
	"model-gateway/internal/metrics"
	"model-gateway/internal/middleware"
	"model-gateway/internal/model"
	"model-gateway/internal/service"
)

// Gateway is the HTTP server of a single service. It owns its
// ServiceConfig for its whole lifetime.
type Gateway struct {
	svc    *config.ServiceConfig
	addr   string
	echo   *echo.Echo
	logger *slog.Logger
	ln     net.Listener
}

// New builds the gateway for svc. The metrics parameter may be nil.
func New(svc *config.ServiceConfig, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, v handler.Version) *Gateway {
	logger = logger.With("service", svc.Name)

	e := newEcho(svc, cfg, logger, m)

	uc := client.NewUpstreamClient(svc, cfg, logger, m)
	ps := service.NewProxyService(uc, svc, logger)
	handler.RegisterRoutes(e,
		handler.NewProxyHandler(ps, svc, cfg, logger, m),
		handler.NewHealthHandler(svc, ps.Upstream(), v),
	)

	return &Gateway{
		svc:    svc,
		addr:   cfg.Server.Addr(svc),
		echo:   e,
		logger: logger.With("component", "gateway"),
	}
}

func newEcho(svc *config.ServiceConfig, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long streamed completions are not cut
	// off. The upstream idle timeout bounds silent responses instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m, svc.Name))
	}
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	// Authentication runs before the body limit so an unauthenticated
	// caller always sees 401, whatever it sends.
	e.Use(auth.Middleware(auth.NewGate(svc.APIKeys), svc.Name, logger, m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	return e
}

// errorHandler renders errors returned by handlers and middleware with the
// gateway's JSON error body.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				message = s
			}
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed", "err", err, "path", c.Request().URL.Path)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, model.NewError(errorType(code), message))
		}
		if err != nil {
			logger.Debug("write error response", "err", err)
		}
	}
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return model.ErrTypeUnauthorized
	case code == http.StatusRequestEntityTooLarge:
		return model.ErrTypeRequestTooLarge
	case code == http.StatusTooManyRequests:
		return model.ErrTypeRateLimited
	case code >= 400 && code < 500:
		return model.ErrTypeInvalidRequest
	default:
		return model.ErrTypeInternal
	}
}

// Name returns the service name.
func (g *Gateway) Name() string {
	return g.svc.Name
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.echo
}

// Addr returns the bound address once Listen has succeeded, or the
// configured address before that.
func (g *Gateway) Addr() string {
	if g.ln != nil {
		return g.ln.Addr().String()
	}
	return g.addr
}

// Listen binds the gateway's port. It is separate from Serve so a group
// can fail before any server starts accepting.
func (g *Gateway) Listen() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("bind %s for service %s: %w", g.addr, g.svc.Name, err)
	}
	g.ln = ln
	return nil
}

// Serve accepts connections on the bound listener until Shutdown.
func (g *Gateway) Serve() {
	if !g.svc.AuthEnabled() {
		g.logger.Warn("authentication disabled: no api_keys configured, every request is accepted")
	}
	g.logger.Info("starting gateway",
		"addr", g.Addr(),
		"backend_port", g.svc.BackendPort,
		"filter_reasoning", g.svc.FilterReasoning,
		"disable_thinking_tags", g.svc.DisableThinkingTags,
	)
	if err := g.echo.Server.Serve(g.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		g.logger.Error("server error", "err", err)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including open streams, until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	if g.ln == nil {
		return nil
	}
	return g.echo.Shutdown(ctx)
}

// close releases a listener that was bound but never served.
func (g *Gateway) close() {
	if g.ln != nil {
		_ = g.ln.Close()
		g.ln = nil
	}
}
