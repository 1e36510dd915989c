package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://api.airthin.gs/v1", cfg.APIBaseURL)
	assert.Equal(t, "https://accounts-api.airthings.com/v1", cfg.AccountsBaseURL)
	assert.Equal(t, 60, cfg.PollInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.FeedEnabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
username: user@example.com
password: hunter2
poll_interval: 30
log_level: debug
feed_enabled: true
feed_listen_addr: "127.0.0.1:9900"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.Username)
	assert.Equal(t, 30, cfg.PollInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.FeedEnabled)
	assert.Equal(t, "127.0.0.1:9900", cfg.FeedListenAddr)

	// Defaults survive partial files
	assert.Equal(t, "https://api.airthin.gs/v1", cfg.APIBaseURL)
}

func TestLoad_EnvOnly(t *testing.T) {
	// Credentials supplied purely through the environment, no config file
	t.Setenv("AIRTHINGS_USERNAME", "env@example.com")
	t.Setenv("AIRTHINGS_PASSWORD", "env-secret")
	t.Setenv("AIRTHINGS_POLL_INTERVAL", "15")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env@example.com", cfg.Username)
	assert.Equal(t, "env-secret", cfg.Password)
	assert.Equal(t, 15, cfg.PollInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
username: file@example.com
password: from-file
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	t.Setenv("AIRTHINGS_PASSWORD", "from-env")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "file@example.com", cfg.Username)
	assert.Equal(t, "from-env", cfg.Password)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Username = "user@example.com"
		cfg.Password = "hunter2"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing username",
			mutate:  func(c *Config) { c.Username = "" },
			wantErr: "username is required",
		},
		{
			name:    "missing password",
			mutate:  func(c *Config) { c.Password = "" },
			wantErr: "password is required",
		},
		{
			name:    "non-positive poll interval",
			mutate:  func(c *Config) { c.PollInterval = 0 },
			wantErr: "poll_interval must be positive",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "chatty" },
			wantErr: "invalid log_level",
		},
		{
			name:    "feed enabled without address",
			mutate:  func(c *Config) { c.FeedEnabled = true; c.FeedListenAddr = "" },
			wantErr: "feed_listen_addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
