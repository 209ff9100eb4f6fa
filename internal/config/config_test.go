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
	path := filepath.Join(t.TempDir(), "messenger.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7*24*time.Hour, cfg.Timeline.Window)
	assert.Equal(t, 10*time.Second, cfg.Send.EchoTimeout)
	assert.True(t, cfg.Send.Optimistic)
	assert.True(t, cfg.Channel.Reconnect)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().API.BaseURL, cfg.API.BaseURL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("TEST_GATEWAY_HOST", "gateway.internal")

	path := writeConfig(t, `
[api]
base_url = "https://${TEST_GATEWAY_HOST}/api"

[channel]
reconnect = false
backoff_max = "1m"

[timeline]
window = "24h"

[send]
optimistic = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://gateway.internal/api", cfg.API.BaseURL)
	assert.False(t, cfg.Channel.Reconnect)
	assert.Equal(t, time.Minute, cfg.Channel.BackoffMax)
	assert.Equal(t, time.Second, cfg.Channel.BackoffMin, "unset keys keep defaults")
	assert.Equal(t, 24*time.Hour, cfg.Timeline.Window)
	assert.False(t, cfg.Send.Optimistic)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "warn"
`)
	t.Setenv("MESSENGER_LOGGING_LEVEL", "debug")
	t.Setenv("MESSENGER_SEND_ECHO_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3*time.Second, cfg.Send.EchoTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "[api\nbase_url ="))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.API.BaseURL = "not a url" }},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"backoff inverted", func(c *Config) { c.Channel.BackoffMax = c.Channel.BackoffMin / 2 }},
		{"zero window", func(c *Config) { c.Timeline.Window = 0 }},
		{"no db path", func(c *Config) { c.Storage.DBPath = "" }},
		{"concurrency", func(c *Config) { c.Directory.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND", "value")
	assert.Equal(t, "a=value b=", expandEnvVars("a=${TEST_EXPAND} b=${TEST_UNSET_VARIABLE}"))
}
