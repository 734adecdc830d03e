// Package engine assembles the subscription lifecycle service: webhook
// verification, state synchronization, entitlement resolution, dunning,
// and the admin override surface.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine.
type Config struct {
	DataDir       string
	BindAddress   string
	Port          int
	AdminKey      string
	PublicStatus  bool
	PublicMetrics bool

	StripeWebhookSecret string
	StripeAPIKey        string

	ResendAPIKey string // optional; emails are logged when empty
	EmailFrom    string

	OpenAIAPIKey  string // optional; dunning copy falls back to static text
	OpenAIModel   string
	OpenAIBaseURL string

	GraceDays          int
	AuditRetentionDays int
}

// EngineDir returns the directory for the engine's own data (org DB,
// audit DB, signing key).
func (c *Config) EngineDir() string {
	return filepath.Join(c.DataDir, "engine")
}

// LoadConfig loads engine configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SUBSENTRY_PORT", 8880)
	if err != nil {
		return nil, err
	}
	graceDays, err := envOrDefaultInt("SUBSENTRY_GRACE_DAYS", 14)
	if err != nil {
		return nil, err
	}
	auditRetention, err := envOrDefaultInt("SUBSENTRY_AUDIT_RETENTION_DAYS", 365)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("SUBSENTRY_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("SUBSENTRY_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("SUBSENTRY_ADMIN_KEY")),
		PublicStatus:        envBool("SUBSENTRY_PUBLIC_STATUS"),
		PublicMetrics:       envBool("SUBSENTRY_PUBLIC_METRICS"),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		ResendAPIKey:        strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		EmailFrom:           envOrDefault("SUBSENTRY_EMAIL_FROM", "billing@subsentry.io"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:         envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:       strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		GraceDays:           graceDays,
		AuditRetentionDays:  auditRetention,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate engine config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "SUBSENTRY_ADMIN_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SUBSENTRY_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.GraceDays < 1 {
		return fmt.Errorf("SUBSENTRY_GRACE_DAYS must be at least 1, got %d", c.GraceDays)
	}
	if c.AuditRetentionDays < 1 {
		return fmt.Errorf("SUBSENTRY_AUDIT_RETENTION_DAYS must be at least 1, got %d", c.AuditRetentionDays)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
