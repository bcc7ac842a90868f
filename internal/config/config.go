package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"handoff.db"`
	LockPath          string        `envconfig:"LOCK_PATH"`
	RulesFile         string        `envconfig:"RULES_FILE"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DecisionRetention time.Duration `envconfig:"DECISION_RETENTION" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	Relay struct {
		URL       string        `split_words:"true" default:"http://127.0.0.1:5000/api"`
		Timeout   time.Duration `split_words:"true" default:"15s"`
		UserAgent string        `split_words:"true"`
	}

	Intercept struct {
		SecondaryDelay    time.Duration `split_words:"true" default:"300ms"`
		StaleAfter        time.Duration `split_words:"true" default:"20s"`
		TombstoneTTL      time.Duration `split_words:"true" default:"30s"`
		SweepInterval     time.Duration `split_words:"true" default:"5s"`
		ConfirmPageClicks bool          `split_words:"true" default:"true"`
	}

	Extension struct {
		Version           string        `split_words:"true" default:"1.0.0"`
		HeartbeatInterval time.Duration `split_words:"true" default:"5s"`
		CommandTimeout    time.Duration `split_words:"true" default:"10s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"handoff"`
		OTLPEndpoint string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:5055"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks values that envconfig cannot express with tags.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return fmt.Errorf("RELAY_URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("RELAY_URL must be an http(s) URL, got %q", c.Relay.URL)
	}

	if c.Relay.Timeout <= 0 {
		return fmt.Errorf("RELAY_TIMEOUT must be positive")
	}

	if c.Intercept.SecondaryDelay < 0 || c.Intercept.SecondaryDelay > 10*time.Second {
		return fmt.Errorf("INTERCEPT_SECONDARY_DELAY must be between 0 and 10s")
	}

	// A stale entry must outlive the relay call it is waiting on.
	if c.Intercept.StaleAfter <= c.Relay.Timeout {
		return fmt.Errorf("INTERCEPT_STALE_AFTER (%s) must exceed RELAY_TIMEOUT (%s)", c.Intercept.StaleAfter, c.Relay.Timeout)
	}

	if c.Intercept.SweepInterval <= 0 || c.Extension.HeartbeatInterval <= 0 || c.Extension.CommandTimeout <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
