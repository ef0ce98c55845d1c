package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8888", cfg.ListenAddr)
	assert.Equal(t, ":8080", cfg.OpsAddr)
	assert.Equal(t, 1000, cfg.HistoryLimit)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
listen_addr: ":9999"
ops_addr: ""
allowed_origins:
  - "http://localhost:3000"
history_limit: 50
rate_limit:
  burst: 5
  refill_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "", cfg.OpsAddr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHATWIRE_LISTEN_ADDR", ":7000")
	t.Setenv("CHATWIRE_ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("CHATWIRE_HISTORY_LIMIT", "25")
	t.Setenv("CHATWIRE_RATE_LIMIT_BURST", "3")
	t.Setenv("CHATWIRE_RATE_LIMIT_REFILL_SECONDS", "4")

	cfg := DefaultConfig().FromEnv()
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 25, cfg.HistoryLimit)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, 4*time.Second, cfg.RateLimit.RefillInterval)
}

func TestFromEnvIgnoresUnparseable(t *testing.T) {
	t.Setenv("CHATWIRE_HISTORY_LIMIT", "not-a-number")
	t.Setenv("CHATWIRE_RATE_LIMIT_BURST", "-2")

	cfg := DefaultConfig().FromEnv()
	assert.Equal(t, 1000, cfg.HistoryLimit)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
}
