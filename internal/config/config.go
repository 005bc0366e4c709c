// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"miniproxy-go/internal/guard"
	"miniproxy-go/internal/urls"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/miniproxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot be reused for the
// proxy mount point or the metrics endpoint.
var reservedRoutes = []string{"/healthz", "/proxy/status", "/robots.txt"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicURL string `kong:"help='Externally visible base URL of the proxy (overrides config).',env='PUBLIC_URL'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Policy   PolicyConfig   `toml:"policy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting. With a Redis URL the
// counters are shared between replicas; otherwise they live in memory.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	RedisURL          string  `toml:"redis_url"`
	WindowSeconds     int     `toml:"window_seconds"`
}

// ProxyConfig describes how clients reach the proxy.
type ProxyConfig struct {
	// Path is the mount point of the proxy endpoint; targets follow it.
	Path string `toml:"path"`
	// PublicURL is the externally visible base URL. When empty it is derived
	// from each request.
	PublicURL         string `toml:"public_url"`
	StartURL          string `toml:"start_url"`
	LandingExampleURL string `toml:"landing_example_url"`
}

// PolicyConfig holds the access policy. Booleans are pointers so an explicit
// false can be told apart from an omitted key.
type PolicyConfig struct {
	Allow                []string `toml:"allow"`
	Deny                 []string `toml:"deny"`
	BlockPrivateNetworks *bool    `toml:"block_private_networks"`
	Anonymize            *bool    `toml:"anonymize"`
	ForceCORS            bool     `toml:"force_cors"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	UserAgent       string   `toml:"user_agent"`
	Nameservers     []string `toml:"nameservers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/miniproxy/config.toml then configs/config.toml.
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
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	for _, ns := range c.Upstream.Nameservers {
		host := ns
		if h, _, err := net.SplitHostPort(ns); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("upstream.nameservers entries must be IP addresses; got %q", ns)
		}
	}

	rl := c.Server.RateLimit
	if rl.Enabled && rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", rl.RequestsPerSecond)
	}
	if rl.Burst < 0 || rl.WindowSeconds < 0 {
		return fmt.Errorf("server.rate_limit burst and window_seconds must be non-negative")
	}
	if rl.RedisURL != "" {
		u, err := url.Parse(rl.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("server.rate_limit.redis_url must be a redis:// or rediss:// URL")
		}
	}

	// Proxy mount point and public URL.
	if p := c.Proxy.Path; p != "" {
		if p[0] != '/' || strings.TrimRight(p, "/") == "" {
			return fmt.Errorf("proxy.path must start with '/' and not be the root; got %q", p)
		}
		if conflictsWithReserved(p) {
			return fmt.Errorf("proxy.path %q conflicts with a reserved route", p)
		}
	}
	if c.Proxy.PublicURL != "" {
		u, err := url.Parse(c.Proxy.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_url must be an absolute http(s) URL; got %q", c.Proxy.PublicURL)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("proxy.public_url must not carry a query or fragment; got %q", c.Proxy.PublicURL)
		}
	}
	for key, raw := range map[string]string{
		"proxy.start_url":           c.Proxy.StartURL,
		"proxy.landing_example_url": c.Proxy.LandingExampleURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := urls.Classify(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	// Patterns are compiled here so a bad expression fails at startup.
	if _, err := guard.NewPolicy(c.PolicyOptions()); err != nil {
		return fmt.Errorf("policy.%w", err)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if conflictsWithReserved(p) || hasPathPrefix(p, c.proxyPath()) {
			return fmt.Errorf("metrics.path %q conflicts with a reserved route", p)
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]; got %v", c.Tracing.SampleRatio)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RequestsPerSecond) + 1
	}
	if c.Server.RateLimit.WindowSeconds == 0 {
		c.Server.RateLimit.WindowSeconds = 60
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/p"
	}
	c.Proxy.Path = strings.TrimRight(c.Proxy.Path, "/")
	c.Proxy.PublicURL = strings.TrimRight(c.Proxy.PublicURL, "/")
	if c.Proxy.LandingExampleURL == "" {
		c.Proxy.LandingExampleURL = "https://example.net/"
	}
	if c.Policy.BlockPrivateNetworks == nil {
		c.Policy.BlockPrivateNetworks = boolPtr(true)
	}
	if c.Policy.Anonymize == nil {
		c.Policy.Anonymize = boolPtr(true)
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 8
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 20 * 1024 * 1024 // 20 MB
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "Mozilla/5.0 (compatible; miniproxy-go/1.0)"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "miniproxy"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// PolicyOptions returns the raw policy settings. Unset booleans read as true.
func (c *Config) PolicyOptions() guard.PolicyOptions {
	return guard.PolicyOptions{
		Allow:                c.Policy.Allow,
		Deny:                 c.Policy.Deny,
		BlockPrivateNetworks: boolValue(c.Policy.BlockPrivateNetworks, true),
		Anonymize:            boolValue(c.Policy.Anonymize, true),
		ForceCORS:            c.Policy.ForceCORS,
	}
}

// Timeout returns the upstream fetch timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) proxyPath() string {
	if c.Proxy.Path == "" {
		return "/p"
	}
	return strings.TrimRight(c.Proxy.Path, "/")
}

func conflictsWithReserved(p string) bool {
	for _, reserved := range reservedRoutes {
		if hasPathPrefix(p, reserved) || hasPathPrefix(reserved, p) {
			return true
		}
	}
	return false
}

func hasPathPrefix(p, prefix string) bool {
	p = strings.TrimRight(p, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func boolPtr(b bool) *bool { return &b }

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
