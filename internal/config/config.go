package config

import (
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string `mapstructure:"ENV"`
	APIBaseURL     string `mapstructure:"API_BASE_URL"`
	StorageDir     string `mapstructure:"STORAGE_DIR"`
	CacheTTLSec    int    `mapstructure:"CACHE_TTL_SECONDS"`
	PollSec        int    `mapstructure:"POLL_INTERVAL_SECONDS"`
	RequestTimeout int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	SandboxPort    string `mapstructure:"SANDBOX_PORT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_DIR", ".hms-console")
	v.SetDefault("CACHE_TTL_SECONDS", 30)
	v.SetDefault("POLL_INTERVAL_SECONDS", 5)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 15)
	v.SetDefault("SANDBOX_PORT", "8900")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("API_BASE_URL")
	v.BindEnv("STORAGE_DIR")
	v.BindEnv("CACHE_TTL_SECONDS")
	v.BindEnv("POLL_INTERVAL_SECONDS")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("SANDBOX_PORT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() && cfg.APIBaseURL == "" {
		log.Println("WARNING: API_BASE_URL is not set; only the embedded sandbox backend will work.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the client is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CacheTTL returns the master-data cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// PollInterval returns the out-of-band selection poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSec) * time.Second
}

// Timeout returns the per-request deadline for backend calls.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a backend URL is required — the sandbox is a dev-only convenience — and
// production must not point at a loopback backend.
func (c *Config) Validate() error {
	if !c.IsDev() && c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required when ENV=%q", c.Env)
	}
	if c.IsProduction() {
		if u, err := url.Parse(c.APIBaseURL); err != nil || isLoopback(u.Hostname()) {
			return fmt.Errorf("API_BASE_URL %q is not a valid production backend", c.APIBaseURL)
		}
	}
	if c.CacheTTLSec <= 0 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be positive, got %d", c.CacheTTLSec)
	}
	if c.PollSec <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive, got %d", c.PollSec)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeout)
	}
	return nil
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
