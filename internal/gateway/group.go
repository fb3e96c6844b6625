package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"model-gateway/internal/config"
	"model-gateway/internal/handler"
	"model-gateway/internal/metrics"
)

// Group runs the gateways of every service selected for this process,
// plus the optional metrics listener.
type Group struct {
	gateways []*Gateway
	metrics  *echo.Echo
	mcfg     config.MetricsConfig
	mln      net.Listener
	logger   *slog.Logger
}

// NewGroup builds one Gateway per active service.
func NewGroup(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, v handler.Version) *Group {
	g := &Group{
		mcfg:   cfg.Metrics,
		logger: logger.With("component", "gateway_group"),
	}
	for _, svc := range cfg.Active() {
		g.gateways = append(g.gateways, New(svc, cfg, logger, m, v))
	}
	if cfg.Metrics.Enabled && m != nil {
		g.metrics = newMetricsEcho(cfg.Metrics.Path, m)
	}
	return g
}

// newMetricsEcho serves the Prometheus registry. It listens apart from the
// gateways because their every path requires a bearer token.
func newMetricsEcho(path string, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	return e
}

// Gateways returns the gateways in service name order.
func (g *Group) Gateways() []*Gateway {
	return g.gateways
}

// Start binds every listener and then starts serving. If any port cannot
// be bound, listeners already bound are released and nothing is served.
func (g *Group) Start() error {
	for i, gw := range g.gateways {
		if err := gw.Listen(); err != nil {
			for _, prev := range g.gateways[:i] {
				prev.close()
			}
			return err
		}
	}

	if g.metrics != nil {
		ln, err := net.Listen("tcp", g.mcfg.Addr)
		if err != nil {
			for _, gw := range g.gateways {
				gw.close()
			}
			return fmt.Errorf("bind metrics %s: %w", g.mcfg.Addr, err)
		}
		g.mln = ln
		g.logger.Info("serving metrics", "addr", ln.Addr().String(), "path", g.mcfg.Path)
		go func() {
			if err := g.metrics.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("metrics server error", "err", err)
			}
		}()
	}

	for _, gw := range g.gateways {
		go gw.Serve()
	}
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (g *Group) MetricsAddr() string {
	if g.mln == nil {
		return ""
	}
	return g.mln.Addr().String()
}

// Shutdown stops all servers concurrently and returns the first error.
func (g *Group) Shutdown(ctx context.Context) error {
	var eg errgroup.Group
	for _, gw := range g.gateways {
		eg.Go(func() error {
			if err := gw.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", gw.Name(), err)
			}
			return nil
		})
	}
	if g.mln != nil {
		eg.Go(func() error {
			return g.metrics.Shutdown(ctx)
		})
	}
	return eg.Wait()
}
