// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/model-gateway/config.toml",
	"config/settings.toml",
}

// placeholderKey is the value shipped in the example settings file.
const placeholderKey = "YOUR_API_KEY_HERE"

// Stream timeout policies.
const (
	// PolicyTruncate drops any filter-held bytes when the upstream goes silent mid-stream.
	PolicyTruncate = "truncate"
	// PolicyFlush emits filter-held bytes before terminating the client stream.
	PolicyFlush = "flush"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Service  []string `kong:"short='s',help='Run only the named service (repeatable). Default: all services.',env='GATEWAY_SERVICES'"`
	Host     string   `kong:"help='Listen host for every gateway (overrides config).',env='HOST'"`
	LogLevel string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig              `toml:"server"`
	Upstream UpstreamConfig            `toml:"upstream"`
	Log      LogConfig                 `toml:"log"`
	Metrics  MetricsConfig             `toml:"metrics"`
	Services map[string]*ServiceConfig `toml:"services"`

	filePath string           // resolved config file path (unexported)
	active   []*ServiceConfig // services selected for this process
}

// ServerConfig holds settings shared by every gateway listener.
type ServerConfig struct {
	Host         string          `toml:"host"`
	APIKey       string          `toml:"api_key"`  // legacy single key
	APIKeys      []string        `toml:"api_keys"` // default credential set for all services
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds connection settings for the loopback backends.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`      // wait for response headers
	IdleTimeoutSeconds    int    `toml:"idle_timeout_seconds"` // max upstream stall on either body
	IdleConnections       int    `toml:"idle_connections"`
	StreamTimeoutPolicy   string `toml:"stream_timeout_policy"`
}

// ConnectTimeout returns the dial timeout.
func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSeconds) * time.Second
}

// ResponseTimeout returns the time allowed for the upstream to send response headers.
func (u UpstreamConfig) ResponseTimeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the longest tolerated gap between body reads.
func (u UpstreamConfig) IdleTimeout() time.Duration {
	return time.Duration(u.IdleTimeoutSeconds) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings. Metrics are served on
// their own listener so that every path on a gateway stays authenticated.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// ServiceConfig describes one gateway: where it listens, which loopback
// backend it fronts, who may call it and how responses are filtered.
// It is built once by Load and must not be modified afterwards.
type ServiceConfig struct {
	Name                string   `toml:"-"`
	Model               string   `toml:"model"`
	Port                int      `toml:"port"`
	BackendPort         int      `toml:"backend_port"`
	APIKeys             []string `toml:"api_keys"`
	FilterReasoning     bool     `toml:"filter_reasoning"`
	DisableThinkingTags bool     `toml:"disable_thinking_tags"`
}

// AuthEnabled reports whether the service has at least one credential.
func (s *ServiceConfig) AuthEnabled() bool {
	return len(s.APIKeys) > 0
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/model-gateway/config.toml then config/settings.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	active, err := cfg.selectServices(cli.Service)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.active = active
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one [services.<name>] section is required")
	}

	if err := checkKeys("server.api_key", []string{c.Server.APIKey}, true); err != nil {
		return err
	}
	if err := checkKeys("server.api_keys", c.Server.APIKeys, false); err != nil {
		return err
	}

	// Ports: range, port != backend_port, no collisions across services.
	portsSeen := make(map[int]string)
	for _, name := range c.serviceNames() {
		svc := c.Services[name]
		if svc == nil {
			return fmt.Errorf("services.%s is empty", name)
		}
		for _, p := range []struct {
			key  string
			port int
		}{{"port", svc.Port}, {"backend_port", svc.BackendPort}} {
			field := fmt.Sprintf("services.%s.%s", name, p.key)
			if p.port < 1 || p.port > 65535 {
				return fmt.Errorf("%s must be 1–65535; got %d", field, p.port)
			}
			if prev, ok := portsSeen[p.port]; ok {
				return fmt.Errorf("port collision: %d used by %s and %s", p.port, prev, field)
			}
			portsSeen[p.port] = field
		}
		if err := checkKeys(fmt.Sprintf("services.%s.api_keys", name), svc.APIKeys, false); err != nil {
			return err
		}
	}

	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for _, f := range []struct {
		key string
		val int
	}{
		{"upstream.connect_timeout_seconds", c.Upstream.ConnectTimeoutSeconds},
		{"upstream.timeout_seconds", c.Upstream.TimeoutSeconds},
		{"upstream.idle_timeout_seconds", c.Upstream.IdleTimeoutSeconds},
		{"upstream.idle_connections", c.Upstream.IdleConnections},
	} {
		if f.val < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", f.key, f.val)
		}
	}
	switch strings.ToLower(c.Upstream.StreamTimeoutPolicy) {
	case PolicyTruncate, PolicyFlush, "":
	default:
		return fmt.Errorf("upstream.stream_timeout_policy must be one of: truncate, flush; got %q", c.Upstream.StreamTimeoutPolicy)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}

	return nil
}

// checkKeys rejects placeholder keys and, unless allowBlank, empty entries.
func checkKeys(field string, keys []string, allowBlank bool) error {
	for _, k := range keys {
		if k == placeholderKey {
			return fmt.Errorf("%s contains placeholder value; set a real key or leave empty to disable authentication", field)
		}
		if k == "" && !allowBlank {
			return fmt.Errorf("%s contains an empty key", field)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults and resolves
// each service's credential set. A service without its own api_keys
// inherits server.api_key plus server.api_keys.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB, room for audio uploads
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Upstream.StreamTimeoutPolicy = strings.ToLower(c.Upstream.StreamTimeoutPolicy)
	if c.Upstream.StreamTimeoutPolicy == "" {
		c.Upstream.StreamTimeoutPolicy = PolicyTruncate
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	var shared []string
	if c.Server.APIKey != "" {
		shared = append(shared, c.Server.APIKey)
	}
	shared = append(shared, c.Server.APIKeys...)

	for name, svc := range c.Services {
		svc.Name = name
		if len(svc.APIKeys) == 0 {
			svc.APIKeys = slices.Clone(shared)
		}
	}
}

// selectServices returns the services this process runs, sorted by name.
// An empty selection means every configured service.
func (c *Config) selectServices(names []string) ([]*ServiceConfig, error) {
	if len(names) == 0 {
		names = c.serviceNames()
	}
	out := make([]*ServiceConfig, 0, len(names))
	for _, name := range names {
		svc, ok := c.Services[name]
		if !ok {
			return nil, fmt.Errorf("unknown service %q (configured: %s)", name, strings.Join(c.serviceNames(), ", "))
		}
		out = append(out, svc)
	}
	return out, nil
}

func (c *Config) serviceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the services selected for this process.
func (c *Config) Active() []*ServiceConfig {
	return c.active
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the listen address for svc as host:port.
func (c *ServerConfig) Addr(svc *ServiceConfig) string {
	return fmt.Sprintf("%s:%d", c.Host, svc.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file carries API keys.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
