// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"slug-proxy-go/internal/router"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/slug-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot be slugs.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// fontNamePattern restricts Google Font names to characters that are safe in
// a URL query and a CSS string.
var fontNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 \-]*$`)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Domain   string `kong:"short='d',help='Custom domain (overrides config).',env='SITE_DOMAIN'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Site     SiteConfig     `toml:"site"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	Compress     bool            `toml:"compress"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	// Host is the upstream service's canonical host name. It is sent as the
	// Host header and rewritten to the custom domain in script assets.
	Host            string `toml:"host"`
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// SiteConfig describes the site presented under the custom domain.
type SiteConfig struct {
	Domain      string      `toml:"domain"`
	GoogleFonts []string    `toml:"google_fonts"`
	SlugFile    string      `toml:"slug_file"`
	Slugs       []SlugEntry `toml:"slugs"`
}

// SlugEntry maps one slug to an upstream page id.
type SlugEntry struct {
	Slug string `toml:"slug"`
	Page string `toml:"page"`
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

// Load reads the TOML config file, appends entries from the slug file and
// applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/slug-proxy/config.toml then configs/config.toml.
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

	if cfg.Site.SlugFile != "" {
		slugPath := cfg.Site.SlugFile
		if !filepath.IsAbs(slugPath) {
			slugPath = filepath.Join(filepath.Dir(path), slugPath)
		}
		entries, err := LoadSlugFile(slugPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.Site.Slugs = append(cfg.Site.Slugs, entries...)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

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
	if cli.Domain != "" {
		c.Site.Domain = cli.Domain
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := validateHost("site.domain", c.Site.Domain); err != nil {
		return err
	}
	if err := validateHost("upstream.host", c.Upstream.Host); err != nil {
		return err
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}

	for _, f := range c.Site.GoogleFonts {
		if !fontNamePattern.MatchString(f) {
			return fmt.Errorf("site.google_fonts: invalid font name %q", f)
		}
	}

	seen := make(map[string]bool, len(c.Site.Slugs))
	for _, e := range c.Site.Slugs {
		if seen[e.Slug] {
			return fmt.Errorf("site.slugs: duplicate slug %q", e.Slug)
		}
		seen[e.Slug] = true
		if e.Page == "" {
			return fmt.Errorf("site.slugs: slug %q has no page", e.Slug)
		}
		if strings.HasPrefix(e.Slug, "/") {
			return fmt.Errorf("site.slugs: slug %q must not start with '/'", e.Slug)
		}
		for _, reserved := range c.reservedRoutes() {
			if "/"+e.Slug == reserved {
				return fmt.Errorf("site.slugs: slug %q conflicts with reserved route %q", e.Slug, reserved)
			}
		}
		if kind, ok := router.Claims("/" + e.Slug); ok {
			return fmt.Errorf("site.slugs: slug %q is shadowed by the %s route and would never redirect", e.Slug, kind)
		}
	}

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
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append([]string{"/api", "/app"}, reservedRoutes...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// reservedRoutes returns the routes answered locally, including the
// metrics path when metrics are enabled.
func (c *Config) reservedRoutes() []string {
	if !c.Metrics.Enabled {
		return reservedRoutes
	}
	return append(append([]string(nil), reservedRoutes...), c.Metrics.Path)
}

// validateHost checks that v is a bare host name without scheme, path or port.
func validateHost(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if strings.ContainsAny(v, "/:?#@ ") {
		return fmt.Errorf("%s must be a bare host name; got %q", field, v)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
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
	if c.Upstream.Host == "" {
		c.Upstream.Host = "www.notion.so"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://" + c.Upstream.Host
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
// A writable config lets another user redirect every slug.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
