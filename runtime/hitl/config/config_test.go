package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, ":8000", cfg.Server.Addr)
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, FormatTerminal, cfg.Log.Format)
	require.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
}

func TestParse(t *testing.T) {
	t.Setenv("HITL_REDIS_PASSWORD", "s3cret")
	cfg, err := Parse([]byte(`
server:
  addr: ":9000"
  model: gpt-test
  wait_timeout: 90s
  rate_limit: 5
backend: redis
redis:
  addr: redis:6379
  password: ${HITL_REDIS_PASSWORD}
  ttl: 1h
log:
  format: json
  debug: true
`))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "gpt-test", cfg.Server.Model)
	require.Equal(t, 90*time.Second, cfg.Server.WaitTimeout)
	require.Equal(t, 5.0, cfg.Server.RateLimit)
	require.Equal(t, 1, cfg.Server.RateBurst)
	require.Equal(t, BackendRedis, cfg.Backend)
	require.Equal(t, "s3cret", cfg.Redis.Password)
	require.Equal(t, time.Hour, cfg.Redis.TTL)
	require.Equal(t, "hitl", cfg.Redis.KeyPrefix)
	require.True(t, cfg.Log.Debug)
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"backend":       "backend: mongo",
		"log format":    "log: {format: xml}",
		"wait timeout":  "server: {wait_timeout: -1s}",
		"rate limit":    "server: {rate_limit: -2}",
		"redis ttl":     "redis: {ttl: -5m}",
		"max body size": "server: {max_body_bytes: -1}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("sever:\n  addr: :1\n"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalid))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hitl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  model: from-file\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Server.Model)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
