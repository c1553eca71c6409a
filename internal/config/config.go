package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimit is a named fixed-window policy: at most Max requests per Window.
type RateLimit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	Development bool
	// API configuration
	APIPort       int
	PublicBaseURL string
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Calendar configuration
	ServiceTimezone string

	// Signing configuration
	TokenIssuer string
	// SigningKeySeed is a base64 encoded 32 byte Ed25519 seed.
	SigningKeySeed string

	// Issuance configuration
	SchedulerSecret             string
	IssuanceConcurrency         int
	IssuanceErrorAlertThreshold int
	BillingWebhookSecret        string

	// Session configuration
	OperatorEmails          []string
	SessionFailClosed       bool
	DeviceSessionTTL        time.Duration
	OperatorSessionTTL      time.Duration
	LoginLinkTTL            time.Duration
	TelegramLinkCodeTTL     time.Duration
	SessionReverifyInterval time.Duration

	// Retry queue configuration
	RetryMaxAttempts  int
	RetrySchedule     []time.Duration
	RetryPollInterval time.Duration
	RetryBatchSize    int
	RetryLease        time.Duration

	RateLimitPruneInterval time.Duration
	RateLimitRetention     time.Duration
	ShutdownGracePeriod    time.Duration

	// Rate limit policies
	RedeemRateLimit   RateLimit
	RedeemIPRateLimit RateLimit
	WebhookRateLimit  RateLimit
	LoginRateLimit    RateLimit
	TelegramRateLimit RateLimit
	CheckoutRateLimit RateLimit

	// SMTP configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string

	// Notification configuration
	TelegramBotToken      string
	TelegramBotUsername   string
	TelegramWebhookURL    string
	TelegramWebhookSecret string
	AlertTelegramChatID   string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		APIPort:          getEnvAsInt("API_PORT", 6532),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:6532"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "mealpass"),

		ServiceTimezone: getEnv("SERVICE_TIMEZONE", "America/New_York"),
		TokenIssuer:     getEnv("TOKEN_ISSUER", "mealpass"),
		SigningKeySeed:  getEnv("SIGNING_KEY_SEED", ""),

		SchedulerSecret:             getEnv("SCHEDULER_SECRET", ""),
		IssuanceConcurrency:         getEnvAsInt("ISSUANCE_CONCURRENCY", 8),
		IssuanceErrorAlertThreshold: getEnvAsInt("ISSUANCE_ERROR_ALERT_THRESHOLD", 5),
		BillingWebhookSecret:        getEnv("BILLING_WEBHOOK_SECRET", ""),
		RateLimitPruneInterval:      getEnvAsDuration("RATE_LIMIT_PRUNE_INTERVAL", 5*time.Minute),
		RateLimitRetention:          getEnvAsDuration("RATE_LIMIT_RETENTION", time.Hour),
		SessionReverifyInterval:     getEnvAsDuration("SESSION_REVERIFY_INTERVAL", time.Minute),
		ShutdownGracePeriod:         getEnvAsDuration("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		TelegramLinkCodeTTL:         getEnvAsDuration("TELEGRAM_LINK_CODE_TTL", 24*time.Hour),
		OperatorEmails:              getEnvAsList("OPERATOR_EMAILS", nil),
		SessionFailClosed:           getEnvAsBool("SESSION_FAIL_CLOSED", false),
		DeviceSessionTTL:            getEnvAsDuration("DEVICE_SESSION_TTL", 30*24*time.Hour),
		OperatorSessionTTL:          getEnvAsDuration("OPERATOR_SESSION_TTL", 8*time.Hour),
		LoginLinkTTL:                getEnvAsDuration("LOGIN_LINK_TTL", 15*time.Minute),
		RetryMaxAttempts:            getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
		RetrySchedule:               getEnvAsDurationList("RETRY_SCHEDULE", []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}),
		RetryPollInterval:           getEnvAsDuration("RETRY_POLL_INTERVAL", 30*time.Second),
		RetryBatchSize:              getEnvAsInt("RETRY_BATCH_SIZE", 50),
		RetryLease:                  getEnvAsDuration("RETRY_LEASE", 2*time.Minute),

		RedeemRateLimit:   getEnvAsRateLimit("REDEEM", RateLimit{Max: 30, Window: time.Minute}),
		RedeemIPRateLimit: getEnvAsRateLimit("REDEEM_IP", RateLimit{Max: 120, Window: time.Minute}),
		WebhookRateLimit:  getEnvAsRateLimit("WEBHOOK", RateLimit{Max: 120, Window: time.Minute}),
		LoginRateLimit:    getEnvAsRateLimit("LOGIN", RateLimit{Max: 5, Window: 15 * time.Minute}),
		TelegramRateLimit: getEnvAsRateLimit("TELEGRAM", RateLimit{Max: 300, Window: time.Minute}),
		CheckoutRateLimit: getEnvAsRateLimit("CHECKOUT", RateLimit{Max: 10, Window: time.Minute}),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPSender:   getEnv("SMTP_SENDER", ""),

		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramBotUsername:   getEnv("TELEGRAM_BOT_USERNAME", ""),
		TelegramWebhookURL:    getEnv("TELEGRAM_WEBHOOK_URL", ""),
		TelegramWebhookSecret: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		AlertTelegramChatID:   getEnv("ALERT_TELEGRAM_CHAT_ID", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if _, err := time.LoadLocation(c.ServiceTimezone); err != nil {
		return fmt.Errorf("invalid SERVICE_TIMEZONE: %w", err)
	}

	if c.SigningKeySeed == "" {
		return fmt.Errorf("SIGNING_KEY_SEED is required (generate one with `mealpass keygen`)")
	}
	seed, err := base64.StdEncoding.DecodeString(c.SigningKeySeed)
	if err != nil {
		return fmt.Errorf("invalid SIGNING_KEY_SEED: %w", err)
	}
	if len(seed) != 32 {
		return fmt.Errorf("invalid SIGNING_KEY_SEED: expected 32 bytes, got %d", len(seed))
	}

	if c.SchedulerSecret == "" {
		return fmt.Errorf("SCHEDULER_SECRET is required")
	}

	if c.IssuanceConcurrency < 1 {
		return fmt.Errorf("ISSUANCE_CONCURRENCY must be positive")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}

	if len(c.RetrySchedule) == 0 {
		return fmt.Errorf("RETRY_SCHEDULE must contain at least one delay")
	}
	for i := 1; i < len(c.RetrySchedule); i++ {
		if c.RetrySchedule[i] < c.RetrySchedule[i-1] {
			return fmt.Errorf("RETRY_SCHEDULE must be non-decreasing")
		}
	}

	for name, policy := range c.RateLimits() {
		if policy.Max < 1 || policy.Window <= 0 {
			return fmt.Errorf("rate limit %q needs a positive max and window", name)
		}
	}

	return nil
}

// RateLimits returns every named policy.
func (c *Config) RateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"redeem":    c.RedeemRateLimit,
		"redeem-ip": c.RedeemIPRateLimit,
		"webhook":   c.WebhookRateLimit,
		"login":     c.LoginRateLimit,
		"telegram":  c.TelegramRateLimit,
		"checkout":  c.CheckoutRateLimit,
	}
}

// IsOperator reports whether email is on the operator allow-list.
func (c *Config) IsOperator(email string) bool {
	for _, allowed := range c.OperatorEmails {
		if strings.EqualFold(allowed, email) {
			return true
		}
	}
	return false
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsList(name string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDurationList(name string, defaultValue []time.Duration) []time.Duration {
	parts := getEnvAsList(name, nil)
	if parts == nil {
		return defaultValue
	}
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		value, err := time.ParseDuration(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, value)
	}
	return out
}

// getEnvAsRateLimit reads RATE_LIMIT_<NAME>_MAX and RATE_LIMIT_<NAME>_WINDOW.
func getEnvAsRateLimit(name string, defaultValue RateLimit) RateLimit {
	return RateLimit{
		Max:    getEnvAsInt("RATE_LIMIT_"+name+"_MAX", defaultValue.Max),
		Window: getEnvAsDuration("RATE_LIMIT_"+name+"_WINDOW", defaultValue.Window),
	}
}
