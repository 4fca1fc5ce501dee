package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/o2relay/internal/config"
	"codeberg.org/mutker/o2relay/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Load parses os.Args itself, so the test binary's -test.* flags must not be
// left in os.Args when the tests call it.
func TestMain(m *testing.M) {
	flag.Parse()
	os.Args = os.Args[:1]
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "o2relay.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
collector_url = "http://collector.local:8080"
device_id = "bedroom-pi"
device_mac = "AA:BB:CC:DD:EE:FF"
scan_timeout = 20
connect_timeout = 8
check_interval = 30
reading_interval = 4
retry_interval = 15
queue_db = "/tmp/o2relay-queue.db"
batch_size = 50
log_level = "debug"
`)
	t.Setenv("O2RELAY_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "http://collector.local:8080", cfg.CollectorURL)
	assert.Equal(t, "bedroom-pi", cfg.DeviceID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.DeviceMAC)
	assert.Equal(t, 20, cfg.ScanTimeout)
	assert.Equal(t, 8, cfg.ConnectTimeout)
	assert.Equal(t, 30, cfg.CheckInterval)
	assert.Equal(t, 4, cfg.ReadingInterval)
	assert.Equal(t, 15, cfg.RetryInterval)
	assert.Equal(t, "/tmp/o2relay-queue.db", cfg.QueueDB)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadDefaults(t *testing.T) {
	configPath := writeConfig(t, `
device_mac = "AA:BB:CC:DD:EE:FF"
`)
	t.Setenv("O2RELAY_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.CollectorURL)
	assert.Equal(t, "o2relay", cfg.DeviceID)
	assert.Equal(t, "O2Ring", cfg.DeviceNamePrefix)
	assert.Equal(t, 30, cfg.ScanTimeout)
	assert.Equal(t, 10, cfg.ConnectTimeout)
	assert.Equal(t, 60, cfg.CheckInterval)
	assert.Equal(t, 5, cfg.ReadingInterval)
	assert.Equal(t, 10, cfg.RetryInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.True(t, cfg.AlertsEnabled)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("O2RELAY_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Equal(t, errors.ErrReadConfig, errors.CodeOf(err))
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
device_mac = "AA:BB:CC:DD:EE:FF"
log_level = "loud"
`)
	t.Setenv("O2RELAY_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidLogLevel, errors.CodeOf(err))
}

func TestMissingDeviceIdentity(t *testing.T) {
	configPath := writeConfig(t, `
device_name_prefix = ""
`)
	t.Setenv("O2RELAY_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Equal(t, errors.ErrMissingConfig, errors.CodeOf(err))
}

func TestLogLevelFlag(t *testing.T) {
	configPath := writeConfig(t, `
device_mac = "AA:BB:CC:DD:EE:FF"
log_level = "error"
`)
	t.Setenv("O2RELAY_CONFIG", configPath)

	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"o2relay", "--log-level", "debug"}

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "flag should win over the config file")
}

func TestDurationHelpers(t *testing.T) {
	cfg := &config.Config{ScanTimeout: 30, ConnectTimeout: 10, CheckInterval: 60}

	assert.Equal(t, "30s", cfg.ScanTimeoutDuration().String())
	assert.Equal(t, "10s", cfg.ConnectTimeoutDuration().String())
	assert.Equal(t, "1m0s", cfg.CheckIntervalDuration().String())
}
