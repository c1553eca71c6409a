// Package mealpass wires the engine together and runs its background loops.
package mealpass

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-coin/mealpass/internal/billing"
	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/config"
	"github.com/core-coin/mealpass/internal/http_api"
	"github.com/core-coin/mealpass/internal/issuer"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/notificator"
	"github.com/core-coin/mealpass/internal/ratelimit"
	"github.com/core-coin/mealpass/internal/redemption"
	"github.com/core-coin/mealpass/internal/retry"
	"github.com/core-coin/mealpass/internal/session"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/internal/wellknown"
	"github.com/core-coin/mealpass/pkg/logger"
)

type Options struct {
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Registerer defaults to the prometheus default registerer.
	Registerer prometheus.Registerer
	// WithoutBot skips the Telegram client, for commands that never send.
	WithoutBot bool
	// TelegramServerURL overrides the Bot API endpoint.
	TelegramServerURL string
}

// Mealpass holds every component of the engine. It contains all the
// business logic and the loops that keep the store tidy.
type Mealpass struct {
	logger *logger.Logger
	config *config.Config

	store    models.Repository
	clock    clock.Clock
	calendar *clock.Calendar
	signer   *signer.Signer
	metrics  *metrics.Metrics
	alerter  *notificator.Alerter
	telegram *notificator.TelegramNotificator

	Queue    *retry.Queue
	Limiter  *ratelimit.Limiter
	Sessions *session.Authority
	Issuer   *issuer.Issuer
	Redeemer *redemption.Authority
	Billing  *billing.Processor

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine from configuration.
func New(cfg *config.Config, store models.Repository, logger *logger.Logger, opts Options) (*Mealpass, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	calendar, err := clock.NewCalendar(cfg.ServiceTimezone)
	if err != nil {
		return nil, err
	}
	s, err := signer.New(cfg.TokenIssuer, cfg.SigningKeySeed)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mealpass{
		logger:   logger,
		config:   cfg,
		store:    store,
		clock:    opts.Clock,
		calendar: calendar,
		signer:   s,
		metrics:  metrics.New(opts.Registerer),
		ctx:      ctx,
		cancel:   cancel,
	}

	var (
		telegramSender notificator.TelegramSender
		alertSender    notificator.MessageSender
		emailSender    notificator.EmailSender
		mailer         session.Mailer
	)
	if cfg.TelegramBotToken != "" && !opts.WithoutBot {
		// The bot resolves /start codes through m, which owns the session
		// authority built below.
		m.telegram, err = notificator.NewTelegramNotificator(logger, notificator.TelegramOptions{
			Token:         cfg.TelegramBotToken,
			WebhookSecret: cfg.TelegramWebhookSecret,
			ServerURL:     opts.TelegramServerURL,
		}, store, m, calendar, m.clock)
		if err != nil {
			cancel()
			return nil, err
		}
		telegramSender = m.telegram
		alertSender = m.telegram
	}
	if cfg.SMTPHost != "" {
		email := notificator.NewEmailNotificator(logger, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
		emailSender = email
		mailer = email
	}

	m.alerter = notificator.NewAlerter(logger, alertSender, cfg.AlertTelegramChatID)
	notifier := notificator.NewNotificator(logger, store, telegramSender, emailSender)

	m.Queue = retry.NewQueue(store, m.clock, m.alerter, m.metrics, logger, retry.Options{
		Schedule:    cfg.RetrySchedule,
		MaxAttempts: cfg.RetryMaxAttempts,
		Lease:       cfg.RetryLease,
	})
	m.Limiter = ratelimit.NewLimiter(store, m.clock, m.metrics)
	m.Sessions = session.NewAuthority(store, s, m.clock, m.alerter, mailer, m.metrics, logger, session.Options{
		FailOpen:            session.FailOpenPolicy(cfg.SessionFailClosed),
		DeviceTTL:           cfg.DeviceSessionTTL,
		OperatorTTL:         cfg.OperatorSessionTTL,
		LoginLinkTTL:        cfg.LoginLinkTTL,
		TelegramLinkTTL:     cfg.TelegramLinkCodeTTL,
		PublicBaseURL:       cfg.PublicBaseURL,
		TelegramBotUsername: cfg.TelegramBotUsername,
		IsOperator:          cfg.IsOperator,
	})
	m.Issuer = issuer.New(store, s, calendar, m.clock, notifier, m.Queue, m.alerter, m.metrics, logger, issuer.Options{
		Concurrency:         cfg.IssuanceConcurrency,
		ErrorAlertThreshold: cfg.IssuanceErrorAlertThreshold,
	})
	m.Redeemer = redemption.NewAuthority(store, s, calendar, m.clock, m.metrics, logger)
	m.Billing = billing.NewProcessor(store, m.Queue, logger)

	m.Queue.Register(retry.CategoryTokenDelivery, issuer.DeliveryHandler(notifier))
	m.Queue.Register(retry.CategoryBillingWebhook, m.Billing.RetryHandler())

	return m, nil
}

// ConsumeTelegramLink lets the bot link a chat to the customer that
// requested the code.
func (m *Mealpass) ConsumeTelegramLink(ctx context.Context, code string) (string, error) {
	return m.Sessions.ConsumeTelegramLink(ctx, code)
}

// Signer exposes the credential signer.
func (m *Mealpass) Signer() *signer.Signer {
	return m.signer
}

// Calendar exposes the service calendar.
func (m *Mealpass) Calendar() *clock.Calendar {
	return m.calendar
}

// ServerOptions wires the HTTP API to the engine.
func (m *Mealpass) ServerOptions(metricsHandler http.Handler) http_api.Options {
	policies := make(map[string]ratelimit.Policy)
	for name, limit := range m.config.RateLimits() {
		policies[name] = ratelimit.PolicyFromConfig(name, limit)
	}

	opts := http_api.Options{
		Issuer:                m.Issuer,
		Redeemer:              m.Redeemer,
		Sessions:              m.Sessions,
		Limiter:               m.Limiter,
		Billing:               m.Billing,
		Policies:              policies,
		KeySet:                wellknown.NewJWKS(m.signer.PublicKey()),
		Metrics:               metricsHandler,
		Health:                m.store.Ping,
		SchedulerSecret:       m.config.SchedulerSecret,
		BillingWebhookSecret:  m.config.BillingWebhookSecret,
		TelegramWebhookSecret: m.config.TelegramWebhookSecret,
		ShutdownTimeout:       m.config.ShutdownGracePeriod,
	}
	if m.telegram != nil && m.config.TelegramWebhookURL != "" {
		opts.TelegramWebhook = m.telegram.WebhookHandler()
	}
	return opts
}

// Start starts the Telegram bot and the background loops.
func (m *Mealpass) Start() error {
	if m.telegram != nil {
		if err := m.telegram.Start(m.ctx, m.config.TelegramWebhookURL, m.config.TelegramWebhookSecret); err != nil {
			return err
		}
	}

	m.every("retry worker", m.config.RetryPollInterval, m.ProcessRetries)
	m.every("rate limit pruning", m.config.RateLimitPruneInterval, m.PruneRateLimits)
	m.every("session re-verification", m.config.SessionReverifyInterval, func(ctx context.Context) error {
		if n := m.Sessions.ReverifyPending(ctx); n > 0 {
			m.logger.Info("Re-verified sessions admitted while the store was down", "count", n)
		}
		return nil
	})
	return nil
}

// Stop cancels the loops and waits for them and for pending session
// bookkeeping.
func (m *Mealpass) Stop() {
	m.logger.Info("Stopping mealpass")
	m.cancel()
	m.wg.Wait()
	m.Sessions.Wait()
	m.logger.Info("Mealpass stopped")
}

// ProcessRetries runs one batch of due retry records.
func (m *Mealpass) ProcessRetries(ctx context.Context) error {
	n, err := m.Queue.ProcessDue(ctx, m.config.RetryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to process retries: %w", err)
	}
	if n > 0 {
		m.logger.Debug("Processed retry records", "count", n)
	}
	return nil
}

// PruneRateLimits drops rate-limit counters of long finished windows.
func (m *Mealpass) PruneRateLimits(ctx context.Context) error {
	n, err := m.Limiter.Prune(ctx, m.config.RateLimitRetention)
	if err != nil {
		return fmt.Errorf("failed to prune rate limits: %w", err)
	}
	if n > 0 {
		m.logger.Debug("Pruned rate limit counters", "count", n)
	}
	return nil
}

// every runs fn on each tick until Stop.
func (m *Mealpass) every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		m.logger.Warn("Background loop disabled", "loop", name)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				retry.BestEffort(m.logger, name, func() error { return fn(m.ctx) })
			}
		}
	}()
}
