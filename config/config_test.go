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
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.APIListenAddr)
	assert.Equal(t, ":8888", cfg.WSListenAddr)

	d, err := cfg.ParseSendTimeout()
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestLoadYamlFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"api_listen_addr: \":9090\"\nws_listen_addr: \":9999\"\nlog_level: info\nsend_timeout: 250ms\n",
	), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.APIListenAddr)
	assert.Equal(t, ":9999", cfg.WSListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)

	d, err := cfg.ParseSendTimeout()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o600))

	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvWSListenAddr, ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":7777", cfg.WSListenAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestInvalidSendTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("send_timeout: banana\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrConfig)
}
