package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "carrier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "carrier.db", cfg.Database.Path)
	assert.Equal(t, ModeProbe, cfg.Connectivity.Mode)
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 2*time.Second, cfg.Connectivity.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Remote.RequestTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxRejectionsOrDefault())
	assert.Equal(t, 4, cfg.Sync.SendWorkers)
	assert.True(t, cfg.Sync.CatchUpEnabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:8484", cfg.Relay.ListenAddr)
	assert.Zero(t, cfg.Relay.InsertRate)
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
database:
  path: ./phone.db
session:
  owner_id: alice
remote:
  base_url: http://relay.local:8484
  request_timeout: 3s
connectivity:
  mode: probe
  probe_interval: 1m
  probe_timeout: 5s
sync:
  max_rejections: 0
  send_workers: 2
  send_timeout: 1500ms
  catch_up_on_reconnect: false
logging:
  level: debug
  format: json
relay:
  listen_addr: ":9000"
  database_path: /var/lib/carrier/relay.db
  allowed_origins:
    - https://app.example.com
  insert_rate: 2.5
  insert_burst: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./phone.db", cfg.Database.Path)
	assert.Equal(t, "alice", cfg.Session.OwnerID)
	assert.Equal(t, "http://relay.local:8484", cfg.Remote.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Remote.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeTimeout)

	// Explicit zero and false survive defaulting
	assert.Equal(t, 0, cfg.Sync.MaxRejectionsOrDefault())
	assert.False(t, cfg.Sync.CatchUpEnabled())
	assert.Equal(t, 2, cfg.Sync.SendWorkers)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sync.SendTimeout)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":9000", cfg.Relay.ListenAddr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Relay.AllowedOrigins)
	assert.Equal(t, 2.5, cfg.Relay.InsertRate)
	assert.Equal(t, 4, cfg.Relay.InsertBurst)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CARRIER_TEST_OWNER", "bob")
	t.Setenv("CARRIER_TEST_URL", "http://10.0.0.2:8484")

	path := writeConfig(t, t.TempDir(), `
session:
  owner_id: ${CARRIER_TEST_OWNER}
remote:
  base_url: ${CARRIER_TEST_URL}
relay:
  listen_addr: "${CARRIER_TEST_UNSET}:7000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Session.OwnerID)
	assert.Equal(t, "http://10.0.0.2:8484", cfg.Remote.BaseURL)
	assert.Equal(t, ":7000", cfg.Relay.ListenAddr)
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	const key = "CARRIER_DOTENV_OWNER"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=carol\n"), 0o644))
	path := writeConfig(t, dir, "session:\n  owner_id: ${"+key+"}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Session.OwnerID)
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	const key = "CARRIER_DOTENV_KEEP"
	t.Setenv(key, "from-env")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=from-file\n"), 0o644))
	path := writeConfig(t, dir, "session:\n  owner_id: ${"+key+"}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Session.OwnerID)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		path string
	}{
		{"unknown section", "metrics:\n  enabled: true\n", "metrics"},
		{"unknown field", "sync:\n  workers: 3\n", "workers"},
		{"bad mode", "connectivity:\n  mode: sometimes\n", "mode"},
		{"bad level", "logging:\n  level: trace\n", "level"},
		{"duration without unit", "remote:\n  request_timeout: \"10\"\n", "request_timeout"},
		{"negative rejections", "sync:\n  max_rejections: -1\n", "max_rejections"},
		{"zero workers", "sync:\n  send_workers: 0\n", "send_workers"},
		{"wrong type", "sync:\n  catch_up_on_reconnect: yes please\n", "catch_up_on_reconnect"},
		{"empty database path", "database:\n  path: \"\"\n", "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, IsSchemaError(err), "expected schema error, got %v", err)
			assert.Contains(t, err.Error(), tt.path)
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unclosed"))
	require.Error(t, err)
	assert.False(t, IsSchemaError(err))
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestParse_ProbeTimeoutExceedsInterval(t *testing.T) {
	_, err := Parse([]byte("connectivity:\n  probe_interval: 1s\n  probe_timeout: 3s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_timeout")

	// Always mode never probes
	cfg, err := Parse([]byte("connectivity:\n  mode: always\n  probe_interval: 1s\n  probe_timeout: 3s\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeAlways, cfg.Connectivity.Mode)
}

func TestParse_ShortIntervalClampsDefaultTimeout(t *testing.T) {
	cfg, err := Parse([]byte("connectivity:\n  probe_interval: 500ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Connectivity.ProbeTimeout)
}

func TestParse_InsertBurstDefaultsWithRate(t *testing.T) {
	cfg, err := Parse([]byte("relay:\n  insert_rate: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.Relay.InsertRate)
	assert.Equal(t, 10, cfg.Relay.InsertBurst)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, LoggingConfig{Level: "warn", Format: "text"}, false)
	logger.Info("hidden")
	logger.Warn("shown", "component", "engine")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "component=engine")

	buf.Reset()
	logger = NewLogger(&buf, LoggingConfig{Level: "error", Format: "json"}, true)
	logger.Debug("verbose wins")
	assert.Contains(t, buf.String(), `"msg":"verbose wins"`)
}
