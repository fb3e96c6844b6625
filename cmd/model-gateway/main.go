package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"model-gateway/internal/config"
	"model-gateway/internal/gateway"
	"model-gateway/internal/handler"
	"model-gateway/internal/metrics"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A .env file next to the binary may supply CONFIG_PATH, GATEWAY_SERVICES
	// and friends. Variables already set in the environment take precedence.
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("model-gateway"),
		kong.Description("Authenticating, reasoning-filtering reverse proxy for local model backends."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			gateway.NewGroup,
		),
		fx.Invoke(warnConfigPermissions, startGateways),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startGateways(lc fx.Lifecycle, g *gateway.Group, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			names := make([]string, 0, len(g.Gateways()))
			for _, gw := range g.Gateways() {
				names = append(names, gw.Name())
			}
			logger.Info("starting gateways", "version", version, "services", names)
			return g.Start()
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down gateways")
			return g.Shutdown(ctx)
		},
	})
}
