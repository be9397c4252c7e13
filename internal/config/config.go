package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for portal-sync.
type Config struct {
	// Portal REST API base URL, e.g. https://portal.example.com/api.
	APIBaseURL string `env:"PORTAL_API_URL"`

	// Host the push gateway listens on, e.g. portal.example.com. The
	// connection manager dials wss://<host>/push.
	PushHost string `env:"PORTAL_PUSH_HOST"`

	// Bearer token and user identity for the portal session.
	AuthToken string `env:"PORTAL_AUTH_TOKEN"`
	UserID    string `env:"PORTAL_USER_ID"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Background unread-count refresh cadence.
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"45s"`

	// Polling cadence used when push degrades after repeated
	// reconnection failures.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`

	// Reconnection backoff bounds and the attempt ceiling before the
	// client falls back to polling.
	ReconnectMin      time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"60s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"8"`

	// Path of the bbolt file backing the notification log. Defaults to
	// ~/.portal-sync/notifications.db.
	NotifyDBPath string `env:"NOTIFY_DB_PATH"`

	// Address the Prometheus metrics endpoint listens on. Empty
	// disables the endpoint.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR" envDefault:":9190"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "portal-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.NotifyDBPath == "" {
		path, err := defaultNotifyDBPath()
		if err != nil {
			return nil, err
		}

		cfg.NotifyDBPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("PORTAL_API_URL is required")
	}

	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("PORTAL_API_URL must start with http:// or https://")
	}

	if c.PushHost == "" {
		return fmt.Errorf("PORTAL_PUSH_HOST is required")
	}

	if strings.Contains(c.PushHost, "://") {
		return fmt.Errorf("PORTAL_PUSH_HOST must be a bare host, not a URL")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("PORTAL_AUTH_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("PORTAL_USER_ID is required")
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be positive and RECONNECT_MAX must be >= RECONNECT_MIN")
	}

	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}

	return nil
}

// defaultNotifyDBPath returns the default notification log location:
// ~/.portal-sync/notifications.db
func defaultNotifyDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".portal-sync", "notifications.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
