// Package config provides configuration loading, validation, and hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Referrers ReferrerConfig   `yaml:"referrers"`
	Resources []ResourceConfig `yaml:"resources"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// ProxyConfig configures the proxy surface.
type ProxyConfig struct {
	// ListenPrefixes are the paths whose tails name the destination.
	ListenPrefixes []string `yaml:"listen_prefixes"`
	PingPath       string   `yaml:"ping_path"`
	StatusPath     string   `yaml:"status_path"`
	// StaticDir serves files for paths outside the listen prefixes.
	StaticDir string `yaml:"static_dir"`
	// MustMatch rejects requests that select no configured resource.
	MustMatch bool `yaml:"must_match"`
}

// UpstreamConfig configures the outbound HTTP client.
type UpstreamConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// ReferrerConfig configures the allow-list.
type ReferrerConfig struct {
	// Allowed lists accepted referrers; "*" accepts everything.
	Allowed []string `yaml:"allowed"`
	// MatchAll selects exact path comparison for allow-list entries.
	MatchAll bool `yaml:"match_all"`
}

// ResourceConfig configures one upstream destination.
type ResourceConfig struct {
	URL          string `yaml:"url"`
	MatchAll     bool   `yaml:"match_all"`
	HostRedirect string `yaml:"host_redirect"`

	AccessToken  string `yaml:"access_token"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	OAuth2Endpoint string `yaml:"oauth2_endpoint"`
	TokenParam     string `yaml:"token_param"`

	RateLimit       int `yaml:"rate_limit"`
	RateLimitPeriod int `yaml:"rate_limit_period"`
}

// DatabaseConfig configures the meter store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets GEOGATE_* environment variables override file
// values, which keeps container deployments free of config edits.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEOGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GEOGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GEOGATE_TLS_CERT"); v != "" {
		cfg.Server.TLSCert = v
	}
	if v := os.Getenv("GEOGATE_TLS_KEY"); v != "" {
		cfg.Server.TLSKey = v
	}
	if v := os.Getenv("GEOGATE_MUST_MATCH"); v != "" {
		cfg.Proxy.MustMatch = parseBool(v)
	}
	if v := os.Getenv("GEOGATE_STATIC_DIR"); v != "" {
		cfg.Proxy.StaticDir = v
	}
	if v := os.Getenv("GEOGATE_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}
	if v := os.Getenv("GEOGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GEOGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GEOGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GEOGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GEOGATE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if len(cfg.Proxy.ListenPrefixes) == 0 {
		cfg.Proxy.ListenPrefixes = []string{"/proxy"}
	}
	if cfg.Proxy.PingPath == "" {
		cfg.Proxy.PingPath = "/ping"
	}
	if cfg.Proxy.StatusPath == "" {
		cfg.Proxy.StatusPath = "/status"
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}

	if len(cfg.Referrers.Allowed) == 0 {
		cfg.Referrers.Allowed = []string{"*"}
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "geogate.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", cfg.Logging.Level)
	}

	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must both be set")
	}

	for _, p := range cfg.Proxy.ListenPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("listen prefix %q must start with /", p)
		}
	}

	for i, r := range cfg.Resources {
		if r.URL == "" {
			return fmt.Errorf("resources[%d].url is required", i)
		}
		if err := credentialModes(r); err != nil {
			return fmt.Errorf("resources[%d] (%s): %w", i, r.URL, err)
		}
		if (r.RateLimit > 0) != (r.RateLimitPeriod > 0) {
			return fmt.Errorf("resources[%d] (%s): rate_limit and rate_limit_period must both be positive", i, r.URL)
		}
	}

	return nil
}

func credentialModes(r ResourceConfig) error {
	modes := 0
	if r.AccessToken != "" {
		modes++
	}
	if r.Username != "" || r.Password != "" {
		modes++
	}
	if r.ClientID != "" || r.ClientSecret != "" {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("at most one credential mode per resource (found %d)", modes)
	}
	return nil
}
