// ABOUTME: Configuration loading and parsing for bodhi-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, BODHI_* env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// MinSecretLength is the shortest accepted auth.secret, in bytes.
const MinSecretLength = 32

// Config represents the complete bodhi-gateway configuration
type Config struct {
	Server         ServerConfig         `yaml:"server" toml:"server"`
	Tailscale      TailscaleConfig      `yaml:"tailscale" toml:"tailscale"`
	Database       DatabaseConfig       `yaml:"database" toml:"database"`
	Auth           AuthConfig           `yaml:"auth" toml:"auth"`
	IdP            IdPConfig            `yaml:"idp" toml:"idp"`
	Cache          CacheConfig          `yaml:"cache" toml:"cache"`
	AccessRequests AccessRequestsConfig `yaml:"access_requests" toml:"access_requests"`
	Logging        LoggingConfig        `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses and the public frontend URL
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"BODHI_HTTP_ADDR"`
	// GRPCAddr is optional; the gRPC surface is off when empty.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"BODHI_GRPC_ADDR"`
	// FrontendURL is where review pages are served, used to build review URLs.
	FrontendURL string `yaml:"frontend_url" toml:"frontend_url" env:"BODHI_FRONTEND_URL"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"BODHI_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"BODHI_TAILSCALE_HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver" env:"BODHI_DATABASE_DRIVER"`
	Path   string `yaml:"path" toml:"path" env:"BODHI_DATABASE_PATH"`
}

// AuthConfig holds local authentication settings
type AuthConfig struct {
	// Secret signs resource tokens and derives the API token pepper.
	Secret        string `yaml:"secret" toml:"secret" env:"BODHI_AUTH_SECRET"`
	SessionCookie string `yaml:"session_cookie" toml:"session_cookie"`

	APITokenIdleTimeout time.Duration `yaml:"-" toml:"-"`
	APITokenCacheTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	APITokenIdleTimeoutRaw string `yaml:"api_token_idle_timeout" toml:"api_token_idle_timeout" env:"BODHI_API_TOKEN_IDLE_TIMEOUT"`
	APITokenCacheTTLRaw    string `yaml:"api_token_cache_ttl" toml:"api_token_cache_ttl"`
}

// IdPConfig holds identity provider settings
type IdPConfig struct {
	Issuer string `yaml:"issuer" toml:"issuer" env:"BODHI_IDP_ISSUER"`
	// JWKSURL skips OIDC discovery when set.
	JWKSURL      string `yaml:"jwks_url" toml:"jwks_url" env:"BODHI_IDP_JWKS_URL"`
	TokenURL     string `yaml:"token_url" toml:"token_url" env:"BODHI_IDP_TOKEN_URL"`
	APIURL       string `yaml:"api_url" toml:"api_url" env:"BODHI_IDP_API_URL"`
	ClientID     string `yaml:"client_id" toml:"client_id" env:"BODHI_IDP_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret" env:"BODHI_IDP_CLIENT_SECRET"`
	// Audience defaults to ClientID.
	Audience string `yaml:"audience" toml:"audience" env:"BODHI_IDP_AUDIENCE"`

	Timeout time.Duration `yaml:"-" toml:"-"`
	Leeway  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
	LeewayRaw  string `yaml:"leeway" toml:"leeway"`
}

// CacheConfig selects and sizes the token cache
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend    string      `yaml:"backend" toml:"backend" env:"BODHI_CACHE_BACKEND"`
	MaxEntries int         `yaml:"max_entries" toml:"max_entries"`
	Redis      RedisConfig `yaml:"redis" toml:"redis"`

	MaxTTL    time.Duration `yaml:"-" toml:"-"`
	MaxTTLRaw string        `yaml:"max_ttl" toml:"max_ttl"`
}

// RedisConfig holds the shared cache connection
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr" env:"BODHI_REDIS_ADDR"`
	Password  string `yaml:"password" toml:"password" env:"BODHI_REDIS_PASSWORD"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// AccessRequestsConfig holds access request lifetimes
type AccessRequestsConfig struct {
	DraftTTL time.Duration `yaml:"-" toml:"-"`
	GrantTTL time.Duration `yaml:"-" toml:"-"`

	DraftTTLRaw string `yaml:"draft_ttl" toml:"draft_ttl"`
	GrantTTLRaw string `yaml:"grant_ttl" toml:"grant_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"BODHI_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"BODHI_LOG_FORMAT"`
}

// DefaultPath returns the config file location: $BODHI_CONFIG, then
// $XDG_CONFIG_HOME/bodhi/gateway.yaml, then ~/.config/bodhi/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("BODHI_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bodhi", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "bodhi", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// ${VAR_NAME} references are expanded before decoding, and BODHI_* environment
// variables override file values afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes. See Load.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Auth.SessionCookie == "" {
		cfg.Auth.SessionCookie = "bodhiapp_session_id"
	}
	if cfg.Auth.APITokenIdleTimeout == 0 {
		cfg.Auth.APITokenIdleTimeout = 30 * 24 * time.Hour
	}
	if cfg.Auth.APITokenCacheTTL == 0 {
		cfg.Auth.APITokenCacheTTL = 5 * time.Minute
	}
	if cfg.IdP.Audience == "" {
		cfg.IdP.Audience = cfg.IdP.ClientID
	}
	if cfg.IdP.Timeout == 0 {
		cfg.IdP.Timeout = 10 * time.Second
	}
	if cfg.IdP.Leeway == 0 {
		cfg.IdP.Leeway = 30 * time.Second
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Cache.MaxTTL == 0 {
		cfg.Cache.MaxTTL = time.Hour
	}
	if cfg.Cache.Redis.KeyPrefix == "" {
		cfg.Cache.Redis.KeyPrefix = "bodhi:"
	}
	if cfg.AccessRequests.DraftTTL == 0 {
		cfg.AccessRequests.DraftTTL = 10 * time.Minute
	}
	if cfg.AccessRequests.GrantTTL == 0 {
		cfg.AccessRequests.GrantTTL = 365 * 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Server.FrontendURL != "" {
		if u, err := url.Parse(c.Server.FrontendURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.frontend_url %q is not an absolute URL", c.Server.FrontendURL)
		}
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.Secret) < MinSecretLength {
		return fmt.Errorf("auth.secret must be at least %d bytes", MinSecretLength)
	}

	if c.IdP.Issuer == "" {
		return errors.New("idp.issuer is required")
	}
	if c.IdP.ClientID == "" || c.IdP.ClientSecret == "" {
		return errors.New("idp.client_id and idp.client_secret are required")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.api_token_idle_timeout", cfg.Auth.APITokenIdleTimeoutRaw, &cfg.Auth.APITokenIdleTimeout},
		{"auth.api_token_cache_ttl", cfg.Auth.APITokenCacheTTLRaw, &cfg.Auth.APITokenCacheTTL},
		{"idp.timeout", cfg.IdP.TimeoutRaw, &cfg.IdP.Timeout},
		{"idp.leeway", cfg.IdP.LeewayRaw, &cfg.IdP.Leeway},
		{"cache.max_ttl", cfg.Cache.MaxTTLRaw, &cfg.Cache.MaxTTL},
		{"access_requests.draft_ttl", cfg.AccessRequests.DraftTTLRaw, &cfg.AccessRequests.DraftTTL},
		{"access_requests.grant_ttl", cfg.AccessRequests.GrantTTLRaw, &cfg.AccessRequests.GrantTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
