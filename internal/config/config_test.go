// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers duration parsing, defaults, and rejection of invalid knobs.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9090"
database:
  path: "/tmp/test-gateway.db"
upstream:
  backend: websocket
  connect_timeout: 10s
  call_timeout: 60s
  ping_timeout: 5s
  sweep_interval: 30s
  reconnect_min_backoff: 500ms
  reconnect_max_backoff: 20s
breaker:
  failure_threshold: 5
  half_open_successes: 2
  reset_timeout: 45s
  send_timeout: 8s
status:
  metrics_every: 10
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.Upstream.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Upstream.PingTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Upstream.ReconnectMinBackoff)
	assert.Equal(t, 45*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10, cfg.Status.MetricsEvery)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/test-gateway.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "websocket", cfg.Upstream.Backend)
	assert.Equal(t, DefaultCallTimeout, cfg.Upstream.CallTimeout)
	assert.Equal(t, DefaultPingTimeout, cfg.Upstream.PingTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Upstream.SweepInterval)
	assert.Equal(t, DefaultFailureThreshold, cfg.Breaker.FailureThreshold)
	assert.Equal(t, DefaultMetricsEvery, cfg.Status.MetricsEvery)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_DB", "/tmp/env-gateway.db")
	path := writeConfig(t, `
database:
  path: "${TEST_GATEWAY_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-gateway.db", cfg.Database.Path)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/test.db"
upstream:
  call_timeout: "sixty seconds"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call_timeout")
}

func TestLoad_InvalidBackend(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/test.db"
upstream:
  backend: carrier-pigeon
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.backend")
}

func TestLoad_BackoffOrdering(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/test.db"
upstream:
  reconnect_min_backoff: 1m
  reconnect_max_backoff: 10s
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect_min_backoff")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault_Validates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
