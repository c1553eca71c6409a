package mealpass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/mealpass/internal/billing"
	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/config"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/ratelimit"
	"github.com/core-coin/mealpass/internal/repository"
	"github.com/core-coin/mealpass/internal/retry"
	"github.com/core-coin/mealpass/internal/session"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/internal/testutil"
	"github.com/core-coin/mealpass/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	seed, err := signer.GenerateSeed()
	require.NoError(t, err)
	return &config.Config{
		PublicBaseURL:           "https://meals.example.com",
		ServiceTimezone:         "America/New_York",
		TokenIssuer:             "mealpass",
		SigningKeySeed:          seed,
		SchedulerSecret:         "secret",
		IssuanceConcurrency:     2,
		OperatorEmails:          []string{"ops@example.com"},
		DeviceSessionTTL:        24 * time.Hour,
		OperatorSessionTTL:      time.Hour,
		LoginLinkTTL:            15 * time.Minute,
		TelegramLinkCodeTTL:     time.Hour,
		SessionReverifyInterval: 10 * time.Millisecond,
		RetryMaxAttempts:        3,
		RetrySchedule:           []time.Duration{5 * time.Minute, 15 * time.Minute},
		RetryPollInterval:       10 * time.Millisecond,
		RetryBatchSize:          10,
		RetryLease:              time.Minute,
		RateLimitPruneInterval:  10 * time.Millisecond,
		RateLimitRetention:      time.Hour,
		RedeemRateLimit:         config.RateLimit{Max: 30, Window: time.Minute},
		RedeemIPRateLimit:       config.RateLimit{Max: 120, Window: time.Minute},
		WebhookRateLimit:        config.RateLimit{Max: 120, Window: time.Minute},
		LoginRateLimit:          config.RateLimit{Max: 5, Window: 15 * time.Minute},
		TelegramRateLimit:       config.RateLimit{Max: 300, Window: time.Minute},
		CheckoutRateLimit:       config.RateLimit{Max: 10, Window: time.Minute},
	}
}

type fixture struct {
	app   *Mealpass
	store *repository.PostgresDB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, time.March, 5, 14, 0, 0, 0, time.UTC))
	app, err := New(testConfig(t), store, logger.NewNop(), Options{
		Clock:      clk,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(app.Sessions.Wait)
	return &fixture{app: app, store: store, clock: clk}
}

func TestNewRejectsBadConfig(t *testing.T) {
	store, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.ServiceTimezone = "Mars/Olympus"
	_, err = New(cfg, store, logger.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.SigningKeySeed = "short"
	_, err = New(cfg, store, logger.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	assert.Error(t, err)
}

func TestServerOptionsCarryEveryPolicy(t *testing.T) {
	f := newFixture(t)

	opts := f.app.ServerOptions(nil)
	for _, name := range []string{
		ratelimit.PolicyRedeem,
		ratelimit.PolicyRedeemIP,
		ratelimit.PolicyWebhook,
		ratelimit.PolicyLogin,
		ratelimit.PolicyTelegram,
		ratelimit.PolicyCheckout,
	} {
		policy, ok := opts.Policies[name]
		require.True(t, ok, name)
		assert.Equal(t, name, policy.Name)
	}
	assert.Equal(t, 5, opts.Policies[ratelimit.PolicyLogin].Max)
	assert.Nil(t, opts.TelegramWebhook)
	require.NotNil(t, opts.KeySet)
	assert.NoError(t, opts.Health(context.Background()))
}

func TestSessionCheckPolicy(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, session.FailOpenOnCheckError, f.app.Sessions.FailsOpen())

	store, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.SessionFailClosed = true
	app, err := New(cfg, store, logger.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(app.Sessions.Wait)
	assert.False(t, app.Sessions.FailsOpen())
}

func TestBillingRetryIsProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, end := f.clock.Now().AddDate(0, 0, -1).Unix(), f.clock.Now().AddDate(0, 1, 0).Unix()
	event := &billing.SubscriptionEvent{
		EventID:     "evt-1",
		ExternalID:  "sub-1",
		CustomerID:  "c-1",
		Status:      models.SubscriptionStatusActive,
		PeriodStart: &start,
		PeriodEnd:   &end,
		OccurredAt:  f.clock.Now().Unix(),
	}
	_, err := f.app.Queue.Enqueue(ctx, billing.EventKey(event.EventID), retry.CategoryBillingWebhook, event, errors.New("connection refused"))
	require.NoError(t, err)

	require.NoError(t, f.app.ProcessRetries(ctx))
	subs, err := f.store.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs, "not due yet")

	f.clock.Advance(6 * time.Minute)
	require.NoError(t, f.app.ProcessRetries(ctx))

	subs, err = f.store.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ExternalID)

	record, err := f.store.GetRetryRecord(ctx, billing.EventKey(event.EventID))
	require.NoError(t, err)
	assert.Equal(t, models.RetryStatusSent, record.Status)
}

func TestPruneRateLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	policy := ratelimit.Policy{Name: ratelimit.PolicyLogin, Max: 1, Window: time.Minute}

	_, err := f.app.Limiter.Allow(ctx, policy, "10.0.0.1")
	require.NoError(t, err)
	res, err := f.app.Limiter.Allow(ctx, policy, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.app.PruneRateLimits(ctx))

	var count int64
	require.NoError(t, f.store.Conn.Model(&models.RateLimitCounter{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTelegramLinkRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.app.Sessions.CreateTelegramLink(ctx, "c-1")
	require.NoError(t, err)

	customerID, err := f.app.ConsumeTelegramLink(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "c-1", customerID)

	_, err = f.app.ConsumeTelegramLink(ctx, code)
	assert.ErrorIs(t, err, models.ErrLinkInvalid)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.Start())
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.app.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
