package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/triage/internal/domain/triage"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	NATSURL        string        `mapstructure:"NATS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimit      int           `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateWindow     time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	WebhookURLs   []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents []string `mapstructure:"WEBHOOK_EVENTS"`

	MLServiceURL     string        `mapstructure:"ML_SERVICE_URL"`
	MLHealthInterval time.Duration `mapstructure:"ML_HEALTH_INTERVAL"`
	MLTimeout        time.Duration `mapstructure:"ML_TIMEOUT"`

	ScanInterval         time.Duration `mapstructure:"ESCALATION_SCAN_INTERVAL"`
	CriticalWaitMinutes  int           `mapstructure:"CRITICAL_WAIT_TIME_MINUTES"`
	HighWaitMinutes      int           `mapstructure:"HIGH_WAIT_TIME_MINUTES"`
	MediumWaitMinutes    int           `mapstructure:"MEDIUM_WAIT_TIME_MINUTES"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NATS_URL", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
	"ML_SERVICE_URL", "ML_HEALTH_INTERVAL", "ML_TIMEOUT",
	"ESCALATION_SCAN_INTERVAL", "CRITICAL_WAIT_TIME_MINUTES",
	"HIGH_WAIT_TIME_MINUTES", "MEDIUM_WAIT_TIME_MINUTES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_ISSUER", "triage-server")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_REQUESTS", 300)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("WEBHOOK_EVENTS", "patient:escalated,escalation:alert")
	v.SetDefault("ML_SERVICE_URL", "http://localhost:8001")
	v.SetDefault("ML_HEALTH_INTERVAL", "30s")
	v.SetDefault("ML_TIMEOUT", "5s")
	v.SetDefault("ESCALATION_SCAN_INTERVAL", "5m")
	v.SetDefault("CRITICAL_WAIT_TIME_MINUTES", 15)
	v.SetDefault("HIGH_WAIT_TIME_MINUTES", 60)
	v.SetDefault("MEDIUM_WAIT_TIME_MINUTES", 120)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.WebhookEvents = splitList(cfg.WebhookEvents)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: running with development auth; every request is treated as admin.")
		log.Println("WARNING: set ENV=production and AUTH_SIGNING_KEY before exposing this server.")
	}

	return cfg, nil
}

// splitList accepts either a decoded slice or a single comma-separated
// value and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" under
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Thresholds maps the wait-time settings onto the escalation policy tiers.
func (c *Config) Thresholds() triage.Thresholds {
	return triage.Thresholds{
		Yellow: c.CriticalWaitMinutes,
		Green:  c.HighWaitMinutes,
		Blue:   c.MediumWaitMinutes,
	}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
	}
	if mode == "development" && c.IsProduction() {
		return fmt.Errorf("development auth cannot be used with ENV=production")
	}

	if c.CriticalWaitMinutes <= 0 || c.HighWaitMinutes <= 0 || c.MediumWaitMinutes <= 0 {
		return fmt.Errorf("wait time thresholds must be positive, got %d/%d/%d",
			c.CriticalWaitMinutes, c.HighWaitMinutes, c.MediumWaitMinutes)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("ESCALATION_SCAN_INTERVAL must be positive, got %s", c.ScanInterval)
	}
	if c.MLHealthInterval <= 0 {
		return fmt.Errorf("ML_HEALTH_INTERVAL must be positive, got %s", c.MLHealthInterval)
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
