package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds server configuration.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"INFO"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"data/airest.db"`
	RedisURL     string `env:"REDIS_URL"`
	ProfilesPath string `env:"TENANT_PROFILES"`

	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	WebhookWindow time.Duration `env:"WEBHOOK_WINDOW" envDefault:"5m"`
	WebhookRPM    int           `env:"MAX_WEBHOOK_EVENTS_PER_MINUTE" envDefault:"120"`
	APIRPM        int           `env:"API_REQUESTS_PER_MINUTE" envDefault:"600"`

	JWTSecret    string `env:"JWT_SECRET"`
	AuthDisabled bool   `env:"AUTH_DISABLED" envDefault:"false"`

	DefaultTenantID     string `env:"DEFAULT_TENANT_ID" envDefault:"tenant_default"`
	DefaultRestaurantID string `env:"DEFAULT_RESTAURANT_ID" envDefault:"1"`
	DefaultTimezone     string `env:"DEFAULT_TIMEZONE" envDefault:"America/Toronto"`
	TransferPhoneNumber string `env:"TRANSFER_PHONE_NUMBER" envDefault:"+15550000000"`

	ClarifyThreshold   float64       `env:"CLARIFY_THRESHOLD" envDefault:"0.75"`
	AutoApplyThreshold float64       `env:"AUTO_APPLY_THRESHOLD" envDefault:"0.9"`
	ConfirmationTTL    time.Duration `env:"CONFIRMATION_TTL" envDefault:"15m"`
	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects threshold combinations that would break the disposition order.
func (c *Config) Validate() error {
	if c.ClarifyThreshold < 0 || c.ClarifyThreshold > 1 {
		return fmt.Errorf("config: CLARIFY_THRESHOLD must be within [0,1], got %v", c.ClarifyThreshold)
	}
	if c.AutoApplyThreshold < c.ClarifyThreshold || c.AutoApplyThreshold > 1 {
		return fmt.Errorf("config: AUTO_APPLY_THRESHOLD must be within [%v,1], got %v", c.ClarifyThreshold, c.AutoApplyThreshold)
	}
	if c.ConfirmationTTL <= 0 {
		return fmt.Errorf("config: CONFIRMATION_TTL must be positive")
	}
	return nil
}

// LiteMode reports whether the embedded SQLite store should be used.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// BaseProfile is the tenant profile applied when no YAML entry matches.
func (c *Config) BaseProfile() Profile {
	return Profile{
		Timezone:    c.DefaultTimezone,
		Locale:      "en-CA",
		PhoneRegion: "CA",
		Currency:    "CAD",
		Thresholds: Thresholds{
			Clarify:   c.ClarifyThreshold,
			AutoApply: c.AutoApplyThreshold,
		},
		ConfirmationTTL: c.ConfirmationTTL,
		Defaults:        DefaultRuntime(c.DefaultTimezone, c.TransferPhoneNumber),
	}
}
