package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("VAULT_PBKDF2_ITERATIONS", "")
	t.Setenv("METADATA_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "./data/execution.db", cfg.DBPath)
	assert.Equal(t, 1_000_000, cfg.VaultIterations)
	assert.Equal(t, time.Hour, cfg.MetadataTTL)
	assert.Equal(t, 10, cfg.RateLimitRequests)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "2s")
	t.Setenv("VAULT_MAX_PROFILES", "3")
	t.Setenv("PROXY_URL", "http://localhost:8787/")
	t.Setenv("CORS_ORIGINS", "a.example, b.example ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 3, cfg.VaultMaxProfiles)
	assert.Equal(t, "http://localhost:8787", cfg.ProxyURL)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.CORSOrigins)
}

func TestReadKey(t *testing.T) {
	assert.Equal(t, "", readKey(""))
	assert.Equal(t, "-----BEGIN X-----\nabc", readKey(`-----BEGIN X-----\nabc`))

	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN PUBLIC KEY-----"), 0o600))
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----", readKey(path))
}
