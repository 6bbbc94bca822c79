// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"

	"ua-rewrite-proxy/internal/origdst"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ua-rewrite-proxy/config.toml",
	"configs/config.toml",
}

// defaultKeepValues are client identities that are never rewritten.
var defaultKeepValues = []string{
	"MicroMessenger Client",
	"ByteDancePcdn",
	"Go-http-client/1.1",
	"Bilibili Freedoooooom/MarkII",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"short='b',help='Listen host (overrides config).',env='HOST'"`
	Port      []int  `kong:"short='p',help='Listen port, repeatable (overrides config).',env='PORT'"`
	Header    string `kong:"help='Header to rewrite (overrides config).',env='REWRITE_HEADER'"`
	Value     string `kong:"short='f',name='user-agent',help='Replacement header value (overrides config).',env='REWRITE_VALUE'"`
	LogLevel  string `kong:"short='l',help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	NoFileLog bool   `kong:"help='Disable the log file even if configured.'"`

	Version kong.VersionFlag `kong:"short='V',help='Print version and exit.'"`
}

// Config is the top-level application configuration. It is read-only once
// Load returns and may be shared between connections without locking.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Limits   LimitsConfig   `toml:"limits"`
	Upstream UpstreamConfig `toml:"upstream"`
	Relay    RelayConfig    `toml:"relay"`
	Resolver ResolverConfig `toml:"resolver"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host           string  `toml:"host"`
	Ports          []int   `toml:"ports"`
	MaxConnections int     `toml:"max_connections"`
	AcceptRate     float64 `toml:"accept_rate"` // connections per second; 0 disables throttling
	AcceptBurst    int     `toml:"accept_burst"`
}

// RewriteConfig selects the header to rewrite and its replacement.
type RewriteConfig struct {
	Header        string   `toml:"header"`
	Value         string   `toml:"value"`
	KeepValues    []string `toml:"keep_values"`
	MaxValueBytes int      `toml:"max_value_bytes"`
}

// LimitsConfig bounds per-connection header accumulation.
type LimitsConfig struct {
	HeaderMaxBytes       int `toml:"header_max_bytes"`
	HeaderTimeoutSeconds int `toml:"header_timeout_seconds"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int   `toml:"connect_timeout_seconds"`
	NoDelay               *bool `toml:"no_delay"`
	KeepAliveSeconds      int   `toml:"keepalive_seconds"`
}

// RelayConfig holds duplex pump settings.
type RelayConfig struct {
	BufferBytes         int  `toml:"buffer_bytes"`
	IdleTimeoutSeconds  *int `toml:"idle_timeout_seconds"` // explicit 0 disables
	WriteTimeoutSeconds int  `toml:"write_timeout_seconds"`
}

// ResolverConfig selects how original destinations are recovered.
type ResolverConfig struct {
	Mode         string `toml:"mode"`
	StaticTarget string `toml:"static_target"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// AdminConfig holds the optional status/metrics HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ua-rewrite-proxy/config.toml then configs/config.toml and falls back
// to built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
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
	if len(cli.Port) > 0 {
		c.Server.Ports = slices.Clone(cli.Port)
	}
	if cli.Header != "" {
		c.Rewrite.Header = cli.Header
	}
	if cli.Value != "" {
		c.Rewrite.Value = cli.Value
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.NoFileLog {
		c.Log.File = ""
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish an
// explicit 0 from an omitted key; fields where 0 is meaningful are pointers.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if len(c.Server.Ports) == 0 {
		c.Server.Ports = []int{10080}
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst == 0 {
		c.Server.AcceptBurst = max(1, int(c.Server.AcceptRate))
	}
	if c.Rewrite.Header == "" {
		c.Rewrite.Header = "User-Agent"
	}
	if c.Rewrite.Value == "" {
		c.Rewrite.Value = "FFFF"
	}
	if c.Rewrite.KeepValues == nil {
		c.Rewrite.KeepValues = slices.Clone(defaultKeepValues)
	}
	if c.Rewrite.MaxValueBytes == 0 {
		c.Rewrite.MaxValueBytes = 1024
	}
	if c.Limits.HeaderMaxBytes == 0 {
		c.Limits.HeaderMaxBytes = 16 << 10
	}
	if c.Limits.HeaderTimeoutSeconds == 0 {
		c.Limits.HeaderTimeoutSeconds = 10
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 30
	}
	if c.Upstream.NoDelay == nil {
		v := true
		c.Upstream.NoDelay = &v
	}
	if c.Upstream.KeepAliveSeconds == 0 {
		c.Upstream.KeepAliveSeconds = 30
	}
	if c.Relay.BufferBytes == 0 {
		c.Relay.BufferBytes = 16 << 10
	}
	if c.Relay.IdleTimeoutSeconds == nil {
		v := 300
		c.Relay.IdleTimeoutSeconds = &v
	}
	if c.Relay.WriteTimeoutSeconds == 0 {
		c.Relay.WriteTimeoutSeconds = 30
	}
	if c.Resolver.Mode == "" {
		c.Resolver.Mode = string(origdst.ModeRedirect)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 5
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	for _, p := range c.Server.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("server.ports entries must be 1-65535; got %d", p)
		}
	}
	if dup := firstDuplicate(c.Server.Ports); dup != 0 {
		return fmt.Errorf("server.ports contains %d more than once", dup)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be positive; got %d", c.Server.MaxConnections)
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server.accept_rate must be non-negative; got %v", c.Server.AcceptRate)
	}

	// Rewrite target.
	if !isToken(c.Rewrite.Header) {
		return fmt.Errorf("rewrite.header must be a valid header name; got %q", c.Rewrite.Header)
	}
	if strings.ContainsAny(c.Rewrite.Value, "\r\n\x00") {
		return fmt.Errorf("rewrite.value must not contain CR, LF or NUL")
	}

	// Numeric bounds.
	if c.Limits.HeaderMaxBytes < 64 {
		return fmt.Errorf("limits.header_max_bytes must be at least 64; got %d", c.Limits.HeaderMaxBytes)
	}
	if c.Limits.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("limits.header_timeout_seconds must be non-negative; got %d", c.Limits.HeaderTimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Relay.BufferBytes < 512 {
		return fmt.Errorf("relay.buffer_bytes must be at least 512; got %d", c.Relay.BufferBytes)
	}
	if *c.Relay.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("relay.idle_timeout_seconds must be non-negative; got %d", *c.Relay.IdleTimeoutSeconds)
	}
	if c.Relay.WriteTimeoutSeconds < 0 {
		return fmt.Errorf("relay.write_timeout_seconds must be non-negative; got %d", c.Relay.WriteTimeoutSeconds)
	}

	// Resolver.
	mode, err := origdst.ParseMode(c.Resolver.Mode)
	if err != nil {
		return fmt.Errorf("resolver.mode: %w", err)
	}
	if mode == origdst.ModeStatic && c.Resolver.StaticTarget == "" {
		return fmt.Errorf("resolver.static_target is required when resolver.mode is static")
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Admin server.
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 1-65535; got %d", c.Admin.Port)
	}
	if c.Admin.Enabled && slices.Contains(c.Server.Ports, c.Admin.Port) {
		return fmt.Errorf("admin.port %d collides with server.ports", c.Admin.Port)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}
	if c.Metrics.Enabled && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}
	for _, reserved := range []string{"/healthz", "/proxy/status"} {
		if c.Metrics.Enabled && c.Metrics.Path == reserved {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", c.Metrics.Path, reserved)
		}
	}

	return nil
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

// Addrs returns every proxy listen address as host:port.
func (c *ServerConfig) Addrs() []string {
	addrs := make([]string, 0, len(c.Ports))
	for _, p := range c.Ports {
		addrs = append(addrs, net.JoinHostPort(c.Host, strconv.Itoa(p)))
	}
	return addrs
}

// Addr returns the admin server listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HeaderTimeout bounds how long a client may take to send its header block.
func (c *LimitsConfig) HeaderTimeout() time.Duration {
	return time.Duration(c.HeaderTimeoutSeconds) * time.Second
}

// ConnectTimeout bounds an upstream connect attempt.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// KeepAlive is the TCP keep-alive period for both sockets of a connection.
func (c *UpstreamConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// IdleTimeout ends a relay after this long without traffic in either direction.
func (c *RelayConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutSeconds == nil {
		return 0
	}
	return time.Duration(*c.IdleTimeoutSeconds) * time.Second
}

// WriteTimeout bounds a single write to a slow peer.
func (c *RelayConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or others.
// The proxy usually runs as root on the gateway, so a writable config is a
// path to changing what it forwards.
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

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string { return c.filePath }

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func firstDuplicate(ports []int) int {
	seen := make(map[int]bool, len(ports))
	for _, p := range ports {
		if seen[p] {
			return p
		}
		seen[p] = true
	}
	return 0
}
