package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSeed() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SIGNING_KEY_SEED", validSeed())
	t.Setenv("SCHEDULER_SECRET", "s3cret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", cfg.ServiceTimezone)
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}, cfg.RetrySchedule)
	assert.Equal(t, RateLimit{Max: 5, Window: 15 * time.Minute}, cfg.LoginRateLimit)
	assert.Equal(t, RateLimit{Max: 120, Window: time.Minute}, cfg.RedeemIPRateLimit)
	assert.False(t, cfg.SessionFailClosed)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SIGNING_KEY_SEED", validSeed())
	t.Setenv("SCHEDULER_SECRET", "s3cret")
	t.Setenv("SERVICE_TIMEZONE", "Europe/Berlin")
	t.Setenv("RETRY_SCHEDULE", "1m, 2m")
	t.Setenv("RATE_LIMIT_REDEEM_MAX", "3")
	t.Setenv("RATE_LIMIT_REDEEM_WINDOW", "10s")
	t.Setenv("RATE_LIMIT_REDEEM_IP_MAX", "40")
	t.Setenv("OPERATOR_EMAILS", "ops@example.com, Chef@example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "Europe/Berlin", cfg.ServiceTimezone)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, cfg.RetrySchedule)
	assert.Equal(t, RateLimit{Max: 3, Window: 10 * time.Second}, cfg.RedeemRateLimit)
	assert.Equal(t, RateLimit{Max: 40, Window: time.Minute}, cfg.RedeemIPRateLimit)
	assert.True(t, cfg.IsOperator("chef@example.com"))
	assert.False(t, cfg.IsOperator("guest@example.com"))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			PostgresDB:          "mealpass",
			PostgresHost:        "localhost",
			ServiceTimezone:     "UTC",
			SigningKeySeed:      validSeed(),
			SchedulerSecret:     "s",
			IssuanceConcurrency: 1,
			RetryMaxAttempts:    3,
			RetrySchedule:       []time.Duration{time.Minute},
			RedeemRateLimit:     RateLimit{Max: 1, Window: time.Second},
			RedeemIPRateLimit:   RateLimit{Max: 1, Window: time.Second},
			WebhookRateLimit:    RateLimit{Max: 1, Window: time.Second},
			LoginRateLimit:      RateLimit{Max: 1, Window: time.Second},
			TelegramRateLimit:   RateLimit{Max: 1, Window: time.Second},
			CheckoutRateLimit:   RateLimit{Max: 1, Window: time.Second},
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown timezone", func(c *Config) { c.ServiceTimezone = "Mars/Olympus" }},
		{"missing seed", func(c *Config) { c.SigningKeySeed = "" }},
		{"short seed", func(c *Config) { c.SigningKeySeed = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"missing scheduler secret", func(c *Config) { c.SchedulerSecret = "" }},
		{"decreasing schedule", func(c *Config) { c.RetrySchedule = []time.Duration{time.Hour, time.Minute} }},
		{"zero rate limit", func(c *Config) { c.LoginRateLimit.Max = 0 }},
		{"missing redeem ip limit", func(c *Config) { c.RedeemIPRateLimit = RateLimit{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
