package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the bridge configuration
type Config struct {
	// Account credentials
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// API endpoints
	APIBaseURL      string `mapstructure:"api_base_url"`
	AccountsBaseURL string `mapstructure:"accounts_base_url"`

	// Polling configuration
	PollInterval int `mapstructure:"poll_interval"` // seconds

	// Event feed configuration
	FeedEnabled    bool   `mapstructure:"feed_enabled"`
	FeedListenAddr string `mapstructure:"feed_listen_addr"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:      "https://api.airthin.gs/v1",
		AccountsBaseURL: "https://accounts-api.airthings.com/v1",
		PollInterval:    60,
		FeedEnabled:     false,
		FeedListenAddr:  "127.0.0.1:8765",
		LogLevel:        "info",
		LogFile:         "",
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Look for config in current directory and common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/airthings-bridge")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".airthings-bridge"))
		}
	}

	// Environment variable configuration
	v.SetEnvPrefix("AIRTHINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults plus env
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values with viper. Every key must be
// registered here, even credential keys whose default is empty, because
// AutomaticEnv only surfaces env values for keys viper already knows about.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("username", cfg.Username)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("api_base_url", cfg.APIBaseURL)
	v.SetDefault("accounts_base_url", cfg.AccountsBaseURL)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("feed_enabled", cfg.FeedEnabled)
	v.SetDefault("feed_listen_addr", cfg.FeedListenAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.AccountsBaseURL == "" {
		return fmt.Errorf("accounts_base_url is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %d", c.PollInterval)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	if c.FeedEnabled && c.FeedListenAddr == "" {
		return fmt.Errorf("feed_listen_addr is required when feed_enabled is set")
	}

	return nil
}
