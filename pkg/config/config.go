// Package config holds server configuration. The MAGIC_LINK_* environment
// maps 1:1 to Config fields; constructors accept the struct and tests build
// it directly. An optional YAML profile (MAGIC_LINK_CONFIG_FILE) is layered
// under the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeliveryMode selects how outbox entries are delivered.
type DeliveryMode string

const (
	// DeliveryRecord writes a JSON row to the record directory instead of
	// performing HTTP. Used for deterministic tests.
	DeliveryRecord DeliveryMode = "record"
	// DeliveryWebhook performs a signed HTTP POST.
	DeliveryWebhook DeliveryMode = "webhook"
	// DeliveryEmail writes to the outbox directory for an external mailer.
	DeliveryEmail DeliveryMode = "email"
)

// Config holds server configuration.
type Config struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"`
	DataDir       string `yaml:"data_dir"`

	// AdminAPIKey guards admin-scoped endpoints (tenant create, replay, exports).
	AdminAPIKey string `yaml:"api_key"`
	// SettingsKeyHex is the 32-byte master key for secret sealing and the
	// public-summary HMAC, hex encoded.
	SettingsKeyHex string `yaml:"settings_key_hex"`

	PublicSignupEnabled bool `yaml:"public_signup_enabled"`

	VerifyTimeout  time.Duration `yaml:"verify_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	// RateLimitUploadsPerMinute feeds the global per-IP limiter. Per-tenant
	// sliding-window limits live in tenant settings.
	RateLimitUploadsPerMinute int `yaml:"rate_limit_uploads_per_minute"`

	WebhookDeliveryMode     DeliveryMode  `yaml:"webhook_delivery_mode"`
	WebhookTimeout          time.Duration `yaml:"webhook_timeout"`
	WebhookRetryInterval    time.Duration `yaml:"webhook_retry_interval"`
	WebhookRetryBackoff     time.Duration `yaml:"webhook_retry_backoff"`
	WebhookMaxAttempts      int           `yaml:"webhook_max_attempts"`
	DeadLetterAlertURL      string        `yaml:"webhook_dead_letter_alert_url"`
	DeadLetterAlertSecret   string        `yaml:"webhook_dead_letter_alert_secret"`
	PaymentTriggerMode      DeliveryMode  `yaml:"payment_trigger_mode"`
	PaymentTriggerTimeout   time.Duration `yaml:"payment_trigger_timeout"`
	DefaultEventRelayURL    string        `yaml:"default_event_relay_url"`
	DefaultEventRelaySecret string        `yaml:"default_event_relay_secret"`

	BillingStripeSecretKey     string `yaml:"billing_stripe_secret_key"`
	BillingStripeWebhookSecret string `yaml:"billing_stripe_webhook_secret"`

	SettldAPIBaseURL string `yaml:"settld_api_base_url"`
	SettldOpsToken   string `yaml:"settld_ops_token"`
	SettldProtocol   string `yaml:"settld_protocol"`
	PaidToolsBaseURL string `yaml:"paid_tools_base_url"`

	TrustedGovernanceRootKeysJSON string `yaml:"trusted_governance_root_keys_json"`
	TrustedPricingSignerKeysJSON  string `yaml:"trusted_pricing_signer_keys_json"`

	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`
	ArchiveExportInterval  time.Duration `yaml:"archive_export_interval"`
}

// Load loads configuration from the environment, layered over the optional
// YAML profile named by MAGIC_LINK_CONFIG_FILE.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MAGIC_LINK_CONFIG_FILE"); path != "" {
		if err := loadProfile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.SettingsKeyHex == "" {
		return nil, fmt.Errorf("config: MAGIC_LINK_SETTINGS_KEY_HEX is required")
	}
	if len(strings.TrimSpace(cfg.SettingsKeyHex)) != 64 {
		return nil, fmt.Errorf("config: MAGIC_LINK_SETTINGS_KEY_HEX must be 32 bytes of hex")
	}
	switch cfg.WebhookDeliveryMode {
	case DeliveryRecord, DeliveryWebhook, DeliveryEmail:
	default:
		return nil, fmt.Errorf("config: unknown webhook delivery mode %q", cfg.WebhookDeliveryMode)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:                      "0.0.0.0",
		Port:                      "8787",
		DataDir:                   "./data",
		VerifyTimeout:             30 * time.Second,
		MaxUploadBytes:            25 << 20,
		RateLimitUploadsPerMinute: 120,
		WebhookDeliveryMode:       DeliveryWebhook,
		WebhookTimeout:            10 * time.Second,
		WebhookRetryInterval:      15 * time.Second,
		WebhookRetryBackoff:       2 * time.Second,
		WebhookMaxAttempts:        8,
		PaymentTriggerMode:        DeliveryWebhook,
		PaymentTriggerTimeout:     10 * time.Second,
		SettldProtocol:            "1.0",
		RetentionSweepInterval:    time.Hour,
		ArchiveExportInterval:     6 * time.Hour,
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Host, "MAGIC_LINK_HOST")
	setString(&cfg.Port, "MAGIC_LINK_PORT")
	setString(&cfg.PublicBaseURL, "MAGIC_LINK_PUBLIC_BASE_URL")
	setString(&cfg.DataDir, "MAGIC_LINK_DATA_DIR")
	setString(&cfg.AdminAPIKey, "MAGIC_LINK_API_KEY")
	setString(&cfg.SettingsKeyHex, "MAGIC_LINK_SETTINGS_KEY_HEX")
	setBool(&cfg.PublicSignupEnabled, "MAGIC_LINK_PUBLIC_SIGNUP_ENABLED")

	setMillis(&cfg.VerifyTimeout, "MAGIC_LINK_VERIFY_TIMEOUT_MS")
	setInt64(&cfg.MaxUploadBytes, "MAGIC_LINK_MAX_UPLOAD_BYTES")
	setInt(&cfg.RateLimitUploadsPerMinute, "MAGIC_LINK_RATE_LIMIT_UPLOADS_PER_MINUTE")

	if v := os.Getenv("MAGIC_LINK_WEBHOOK_DELIVERY_MODE"); v != "" {
		cfg.WebhookDeliveryMode = DeliveryMode(v)
	}
	setMillis(&cfg.WebhookTimeout, "MAGIC_LINK_WEBHOOK_TIMEOUT_MS")
	setMillis(&cfg.WebhookRetryInterval, "MAGIC_LINK_WEBHOOK_RETRY_INTERVAL_MS")
	setMillis(&cfg.WebhookRetryBackoff, "MAGIC_LINK_WEBHOOK_RETRY_BACKOFF_MS")
	setInt(&cfg.WebhookMaxAttempts, "MAGIC_LINK_WEBHOOK_MAX_ATTEMPTS")
	setString(&cfg.DeadLetterAlertURL, "MAGIC_LINK_WEBHOOK_DEAD_LETTER_ALERT_URL")
	setString(&cfg.DeadLetterAlertSecret, "MAGIC_LINK_WEBHOOK_DEAD_LETTER_ALERT_SECRET")
	if v := os.Getenv("MAGIC_LINK_PAYMENT_TRIGGER_MODE"); v != "" {
		cfg.PaymentTriggerMode = DeliveryMode(v)
	}
	setMillis(&cfg.PaymentTriggerTimeout, "MAGIC_LINK_PAYMENT_TRIGGER_TIMEOUT_MS")
	setString(&cfg.DefaultEventRelayURL, "MAGIC_LINK_DEFAULT_EVENT_RELAY_URL")
	setString(&cfg.DefaultEventRelaySecret, "MAGIC_LINK_DEFAULT_EVENT_RELAY_SECRET")

	setString(&cfg.BillingStripeSecretKey, "MAGIC_LINK_BILLING_STRIPE_SECRET_KEY")
	setString(&cfg.BillingStripeWebhookSecret, "MAGIC_LINK_BILLING_STRIPE_WEBHOOK_SECRET")

	setString(&cfg.SettldAPIBaseURL, "MAGIC_LINK_SETTLD_API_BASE_URL")
	setString(&cfg.SettldOpsToken, "MAGIC_LINK_SETTLD_OPS_TOKEN")
	setString(&cfg.SettldProtocol, "MAGIC_LINK_SETTLD_PROTOCOL")
	setString(&cfg.PaidToolsBaseURL, "MAGIC_LINK_PAID_TOOLS_BASE_URL")

	setString(&cfg.TrustedGovernanceRootKeysJSON, "SETTLD_TRUSTED_GOVERNANCE_ROOT_KEYS_JSON")
	setString(&cfg.TrustedPricingSignerKeysJSON, "SETTLD_TRUSTED_PRICING_SIGNER_KEYS_JSON")

	setMillis(&cfg.RetentionSweepInterval, "MAGIC_LINK_RETENTION_SWEEP_INTERVAL_MS")
	setMillis(&cfg.ArchiveExportInterval, "MAGIC_LINK_ARCHIVE_EXPORT_INTERVAL_MS")
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
