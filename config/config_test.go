package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/login", cfg.LoginPath)
	assert.Equal(t, StoreMemory, cfg.Session.Store)
	assert.Equal(t, 5*time.Minute, cfg.Session.ChallengeMaxAge)
	assert.Equal(t, 2*time.Minute, cfg.Roles.CacheTTL)
	assert.Equal(t, AdminByRole, cfg.Admin.Mode)
	assert.Equal(t, "Admin", cfg.Admin.Role)
	assert.False(t, cfg.ExternalLoginEnabled())
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("TOLLGATE_ADDR", "127.0.0.1:9000")
	t.Setenv("TOLLGATE_DEBUG", "true")
	t.Setenv("TOLLGATE_BACKEND_URL", "https://id.internal")
	t.Setenv("TOLLGATE_SESSION_STORE", "bbolt")
	t.Setenv("TOLLGATE_SESSION_SECRET", "s3cret")
	t.Setenv("TOLLGATE_CHALLENGE_MAX_AGE", "90s")
	t.Setenv("TOLLGATE_ROLE_CACHE_SIZE", "10")
	t.Setenv("TOLLGATE_ADMIN_MODE", "email")
	t.Setenv("TOLLGATE_ADMIN_EMAIL", "root@example.com")
	t.Setenv("TOLLGATE_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("TOLLGATE_TOKEN_ISSUER", "https://id.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "https://id.internal", cfg.Backend.URL)
	assert.Equal(t, StoreBolt, cfg.Session.Store)
	assert.Equal(t, 90*time.Second, cfg.Session.ChallengeMaxAge)
	assert.Equal(t, 10, cfg.Roles.CacheSize)
	assert.Equal(t, AdminByEmail, cfg.Admin.Mode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.ExternalLoginEnabled())
}

func TestLoad_WithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	content := `
addr: "127.0.0.1:8888"
backend:
  url: "http://file-backend:5000"
  timeout: 3s
session:
  idle: 10m
admin:
  role: Operators
audit:
  webhook_url: "https://siem.example/hook"
  webhook_headers:
    Authorization: "Bearer x"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TOLLGATE_CONFIG", path)
	t.Setenv("TOLLGATE_ADDR", ":7000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr, "environment overrides file")
	assert.Equal(t, "http://file-backend:5000", cfg.Backend.URL)
	assert.Equal(t, 3*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Session.Idle)
	assert.Equal(t, 8*time.Hour, cfg.Session.TTL, "unset keys keep defaults")
	assert.Equal(t, "Operators", cfg.Admin.Role)
	assert.Equal(t, "https://siem.example/hook", cfg.Audit.WebhookURL)
	assert.Equal(t, "Bearer x", cfg.Audit.WebhookHeaders["Authorization"])
}

func TestLoad_UnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adress: typo\n"), 0o600))
	t.Setenv("TOLLGATE_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"UnknownStore":      {"TOLLGATE_SESSION_STORE": "redis"},
		"BoltWithoutSecret": {"TOLLGATE_SESSION_STORE": "bbolt"},
		"PostgresNoURL":     {"TOLLGATE_SESSION_STORE": "postgres", "TOLLGATE_SESSION_SECRET": "s"},
		"UnknownAdminMode":  {"TOLLGATE_ADMIN_MODE": "everyone"},
		"EmailModeNoEmail":  {"TOLLGATE_ADMIN_MODE": "email"},
		"BadDuration":       {"TOLLGATE_SESSION_TTL": "forever"},
		"RelativeLoginPath": {"TOLLGATE_LOGIN_PATH": "login"},
		"JWKSWithoutChecks": {"TOLLGATE_TOKEN_JWKS_URL": "https://id/jwks"},
		"NonPositiveMaxAge": {"TOLLGATE_CHALLENGE_MAX_AGE": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_PostgresStore(t *testing.T) {
	t.Setenv("TOLLGATE_SESSION_STORE", "postgres")
	t.Setenv("TOLLGATE_SESSION_SECRET", "s3cret")
	t.Setenv("TOLLGATE_DATABASE_URL", "postgres://tollgate@db/tollgate")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Session.Store)
	assert.Equal(t, "postgres://tollgate@db/tollgate", cfg.Session.DatabaseURL)
}
