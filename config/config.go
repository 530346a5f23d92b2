// Package config loads tollgate's configuration from an optional YAML file
// and TOLLGATE_* environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bbolt"
	StorePostgres = "postgres"
)

// Administrator gate strategies.
const (
	AdminByRole  = "role"
	AdminByEmail = "email"
)

const envPrefix = "TOLLGATE_"

// Config holds the gateway configuration.
type Config struct {
	Addr           string   `yaml:"addr"`
	Debug          bool     `yaml:"debug"`
	LoginPath      string   `yaml:"login_path"`
	CORSOrigins    []string `yaml:"cors_origins"`
	TrustedProxies []string `yaml:"trusted_proxies"`

	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Roles   RoleConfig    `yaml:"roles"`
	Admin   AdminConfig   `yaml:"admin"`
	Token   TokenConfig   `yaml:"token"`
	Audit   AuditConfig   `yaml:"audit"`
}

// BackendConfig locates the identity backend.
type BackendConfig struct {
	URL          string        `yaml:"url"`
	ServiceToken string        `yaml:"service_token"`
	Timeout      time.Duration `yaml:"timeout"`
	Tracing      bool          `yaml:"tracing"`
}

// SessionConfig controls server-side sessions.
type SessionConfig struct {
	Store           string        `yaml:"store"`
	DataDir         string        `yaml:"data_dir"`
	DatabaseURL     string        `yaml:"database_url"`
	Secret          string        `yaml:"secret"`
	TTL             time.Duration `yaml:"ttl"`
	Idle            time.Duration `yaml:"idle"`
	ChallengeMaxAge time.Duration `yaml:"challenge_max_age"`
}

// RoleConfig sizes the role cache.
type RoleConfig struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// AdminConfig selects the administrator gate.
type AdminConfig struct {
	Mode         string `yaml:"mode"`
	Role         string `yaml:"role"`
	Email        string `yaml:"email"`
	SeedEmail    string `yaml:"seed_email"`
	SeedPassword string `yaml:"seed_password"`
}

// TokenConfig holds the parameters verified tokens must satisfy.
type TokenConfig struct {
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	JWKSURL  string        `yaml:"jwks_url"`
	Leeway   time.Duration `yaml:"leeway"`
}

// AuditConfig configures audit event forwarding.
type AuditConfig struct {
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		LoginPath: "/login",
		Backend: BackendConfig{
			URL:     "http://localhost:5000",
			Timeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Store:           StoreMemory,
			DataDir:         "./data",
			TTL:             8 * time.Hour,
			Idle:            30 * time.Minute,
			ChallengeMaxAge: 5 * time.Minute,
		},
		Roles: RoleConfig{
			CacheTTL:  2 * time.Minute,
			CacheSize: 4096,
		},
		Admin: AdminConfig{
			Mode: AdminByRole,
			Role: "Admin",
		},
		Token: TokenConfig{
			Leeway: 30 * time.Second,
		},
	}
}

// Load reads the file named by TOLLGATE_CONFIG, if any, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(envPrefix + "CONFIG"))
}

// LoadFrom is Load with an explicit config file path. An empty path skips
// the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	dur := func(key string, cur time.Duration) time.Duration {
		d, err := getEnvDuration(key, cur)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	c.Addr = getEnv("ADDR", c.Addr)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LoginPath = getEnv("LOGIN_PATH", c.LoginPath)
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)
	c.TrustedProxies = getEnvList("TRUSTED_PROXIES", c.TrustedProxies)

	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.ServiceToken = getEnv("BACKEND_SERVICE_TOKEN", c.Backend.ServiceToken)
	c.Backend.Timeout = dur("BACKEND_TIMEOUT", c.Backend.Timeout)
	c.Backend.Tracing = getEnvBool("BACKEND_TRACING", c.Backend.Tracing)

	c.Session.Store = getEnv("SESSION_STORE", c.Session.Store)
	c.Session.DataDir = getEnv("DATA_DIR", c.Session.DataDir)
	c.Session.DatabaseURL = getEnv("DATABASE_URL", c.Session.DatabaseURL)
	c.Session.Secret = getEnv("SESSION_SECRET", c.Session.Secret)
	c.Session.TTL = dur("SESSION_TTL", c.Session.TTL)
	c.Session.Idle = dur("SESSION_IDLE", c.Session.Idle)
	c.Session.ChallengeMaxAge = dur("CHALLENGE_MAX_AGE", c.Session.ChallengeMaxAge)

	c.Roles.CacheTTL = dur("ROLE_CACHE_TTL", c.Roles.CacheTTL)
	c.Roles.CacheSize = getEnvInt("ROLE_CACHE_SIZE", c.Roles.CacheSize)

	c.Admin.Mode = getEnv("ADMIN_MODE", c.Admin.Mode)
	c.Admin.Role = getEnv("ADMIN_ROLE", c.Admin.Role)
	c.Admin.Email = getEnv("ADMIN_EMAIL", c.Admin.Email)
	c.Admin.SeedEmail = getEnv("SEED_ADMIN_EMAIL", c.Admin.SeedEmail)
	c.Admin.SeedPassword = getEnv("SEED_ADMIN_PASSWORD", c.Admin.SeedPassword)

	c.Token.Issuer = getEnv("TOKEN_ISSUER", c.Token.Issuer)
	c.Token.Audience = getEnv("TOKEN_AUDIENCE", c.Token.Audience)
	c.Token.JWKSURL = getEnv("TOKEN_JWKS_URL", c.Token.JWKSURL)
	c.Token.Leeway = dur("TOKEN_LEEWAY", c.Token.Leeway)

	c.Audit.WebhookURL = getEnv("AUDIT_WEBHOOK_URL", c.Audit.WebhookURL)

	return errors.Join(errs...)
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Session.Store {
	case StoreMemory:
	case StoreBolt, StorePostgres:
		if c.Session.Secret == "" {
			errs = append(errs, fmt.Errorf("%sSESSION_SECRET is required for the %s session store", envPrefix, c.Session.Store))
		}
		if c.Session.Store == StorePostgres && c.Session.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%sDATABASE_URL is required for the %s session store", envPrefix, StorePostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session store %q", c.Session.Store))
	}
	switch c.Admin.Mode {
	case AdminByRole:
		if c.Admin.Role == "" {
			errs = append(errs, fmt.Errorf("%sADMIN_ROLE is required for role admin mode", envPrefix))
		}
	case AdminByEmail:
		if c.Admin.Email == "" {
			errs = append(errs, fmt.Errorf("%sADMIN_EMAIL is required for email admin mode", envPrefix))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown admin mode %q", c.Admin.Mode))
	}
	if c.Backend.URL == "" {
		errs = append(errs, fmt.Errorf("%sBACKEND_URL is required", envPrefix))
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		errs = append(errs, fmt.Errorf("login path %q must be absolute", c.LoginPath))
	}
	if c.Session.ChallengeMaxAge <= 0 {
		errs = append(errs, errors.New("challenge max age must be positive"))
	}
	if c.Token.JWKSURL != "" && c.Token.Issuer == "" && c.Token.Audience == "" {
		errs = append(errs, fmt.Errorf("%sTOKEN_JWKS_URL needs an issuer or audience to check", envPrefix))
	}
	return errors.Join(errs...)
}

// ExternalLoginEnabled reports whether verified token exchange is configured.
func (c *Config) ExternalLoginEnabled() bool {
	return c.Token.JWKSURL != "" || c.Token.Issuer != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
