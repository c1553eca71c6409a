// Package issuer makes sure every entitled customer holds exactly one signed
// meal credential for the service day, and delivers it once.
package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/retry"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/pkg/logger"
)

const (
	deliverTimeout = 30 * time.Second
	// claimTTL is how long a delivery claim blocks other runs before a
	// crashed claimant's token can be taken over.
	claimTTL = 10 * time.Minute
)

// Store is the part of the repository issuance reads and writes.
type Store interface {
	models.SubscriptionRepository
	models.EntitlementRepository
}

// Enqueuer takes over deliveries that failed.
type Enqueuer interface {
	EnqueueBestEffort(ctx context.Context, key, category string, payload interface{}, cause error) bool
}

type Counts struct {
	Issued    int `json:"issued"`
	Reissued  int `json:"reissued"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Integrity int `json:"integrity"`
}

// Report is the result of one run.
type Report struct {
	ServiceDate string `json:"service_date"`
	Counts
	// IntegrityCustomers have an active subscription without a paid period.
	IntegrityCustomers []string      `json:"integrity_customers,omitempty"`
	Duration           time.Duration `json:"-"`
}

type Options struct {
	Concurrency         int
	ErrorAlertThreshold int
}

type Issuer struct {
	logger   *logger.Logger
	store    Store
	signer   *signer.Signer
	calendar *clock.Calendar
	clock    clock.Clock
	notifier models.NotificationService
	queue    Enqueuer
	alerter  models.Alerter
	metrics  *metrics.Metrics
	opts     Options
}

func New(
	store Store,
	s *signer.Signer,
	calendar *clock.Calendar,
	clk clock.Clock,
	notifier models.NotificationService,
	queue Enqueuer,
	alerter models.Alerter,
	m *metrics.Metrics,
	logger *logger.Logger,
	opts Options,
) *Issuer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Issuer{
		logger:   logger.Named("issuer"),
		store:    store,
		signer:   s,
		calendar: calendar,
		clock:    clk,
		notifier: notifier,
		queue:    queue,
		alerter:  alerter,
		metrics:  m,
		opts:     opts,
	}
}

// Run issues for the current service day.
func (i *Issuer) Run(ctx context.Context) (*Report, error) {
	return i.RunForDay(ctx, i.calendar.Today(i.clock.Now()))
}

// RunForDay issues for day. It is safe to run concurrently with itself and
// to repeat: customers already holding a credential get the same one back
// and are not notified again.
func (i *Issuer) RunForDay(ctx context.Context, day clock.Day) (*Report, error) {
	started := time.Now()
	start, end := i.calendar.Bounds(day)
	log := i.logger.With("service_date", day.String())

	subs, err := i.store.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	entitled, integrity := partition(subs, start, end)

	report := &Report{ServiceDate: day.String(), IntegrityCustomers: integrity}
	report.Integrity = len(integrity)
	for range integrity {
		i.metrics.Issuance(metrics.IssuanceIntegrity)
	}
	if len(integrity) > 0 {
		i.alerter.Alert(ctx, "Active subscriptions without a paid period",
			"service_date", day.String(), "customers", integrity)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, i.opts.Concurrency)
	)
	for _, customerID := range entitled {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(customerID string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := i.safeIssue(ctx, customerID, day, end)
			if err != nil {
				outcome = metrics.IssuanceError
				log.Error("Failed to issue credential", "customer_id", customerID, "error", err)
			}
			i.metrics.Issuance(outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case metrics.IssuanceIssued:
				report.Issued++
			case metrics.IssuanceReissued:
				report.Reissued++
			case metrics.IssuanceSkipped:
				report.Skipped++
			default:
				report.Errors++
			}
		}(customerID)
	}
	wg.Wait()

	report.Duration = time.Since(started)
	i.metrics.IssuanceRun(report.Duration)
	log.Info("Issuance run finished",
		"issued", report.Issued, "reissued", report.Reissued, "skipped", report.Skipped,
		"errors", report.Errors, "integrity", report.Integrity, "duration", report.Duration)

	if report.Errors > i.opts.ErrorAlertThreshold {
		i.alerter.Alert(ctx, "Issuance run had too many failures",
			"service_date", day.String(), "errors", report.Errors, "threshold", i.opts.ErrorAlertThreshold)
	}
	return report, ctx.Err()
}

// partition splits active subscriptions into customers entitled for the day
// and customers whose subscription has no paid period. A customer entitled
// through another subscription is still issued.
func partition(subs []*models.Subscription, start, end time.Time) (entitled, integrity []string) {
	covered := make(map[string]bool)
	broken := make(map[string]bool)
	for _, sub := range subs {
		switch {
		case !sub.HasPeriod():
			broken[sub.CustomerID] = true
		case sub.Covers(start, end):
			covered[sub.CustomerID] = true
		}
	}
	for customerID := range covered {
		entitled = append(entitled, customerID)
	}
	for customerID := range broken {
		if !covered[customerID] {
			integrity = append(integrity, customerID)
		}
	}
	sort.Strings(entitled)
	sort.Strings(integrity)
	return entitled, integrity
}

func (i *Issuer) safeIssue(ctx context.Context, customerID string, day clock.Day, end time.Time) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Recovered from panic", "customer_id", customerID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return i.issue(ctx, customerID, day, end)
}

func (i *Issuer) issue(ctx context.Context, customerID string, day clock.Day, end time.Time) (string, error) {
	date := day.String()
	now := i.clock.Now()

	skipped, err := i.store.IsSkipped(ctx, customerID, date)
	if err != nil {
		return "", err
	}
	if skipped {
		if err := i.store.UpsertEntitlement(ctx, customerID, date, 0, now.Unix()); err != nil {
			return "", err
		}
		return metrics.IssuanceSkipped, nil
	}

	if err := i.store.UpsertEntitlement(ctx, customerID, date, 1, now.Unix()); err != nil {
		return "", err
	}

	token := &models.Token{
		JTI:         uuid.NewString(),
		CustomerID:  customerID,
		ServiceDate: date,
		IssuedAt:    now.Unix(),
		ExpiresAt:   end.Unix(),
	}
	outcome := metrics.IssuanceIssued
	written, err := i.store.InsertToken(ctx, token)
	if err != nil {
		return "", err
	}
	if written == models.Conflict {
		outcome = metrics.IssuanceReissued
		if token, err = i.store.GetToken(ctx, customerID, date); err != nil {
			return "", err
		}
	}

	credential, err := i.signer.SignEntitlement(token.JTI, customerID, date,
		time.Unix(token.IssuedAt, 0), time.Unix(token.ExpiresAt, 0))
	if err != nil {
		return "", err
	}

	i.deliver(ctx, token, credential)
	return outcome, nil
}

// deliver sends the credential if this run wins the delivery claim. A send
// failure is handed to the retry queue; the token itself stays issued. When
// the queue cannot take it either, the claim is released and an operator is
// alerted so the next run sends it again.
func (i *Issuer) deliver(ctx context.Context, token *models.Token, credential string) {
	now := i.clock.Now()
	claimed, err := i.store.ClaimTokenDelivery(ctx, token.JTI, now.Unix(), now.Add(-claimTTL).Unix())
	if err != nil {
		i.logger.Warn("Failed to claim delivery", "jti", token.JTI, "error", err)
		return
	}
	if !claimed {
		return
	}

	msg := CredentialMessage(token.CustomerID, token.ServiceDate, credential)
	sendCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	err = i.notifier.Deliver(sendCtx, msg)
	cancel()
	if err != nil {
		i.logger.Warn("Delivery failed, queueing retry", "customer_id", token.CustomerID, "jti", token.JTI, "error", err)
		if !i.queue.EnqueueBestEffort(ctx, DeliveryKey(token.JTI), retry.CategoryTokenDelivery, msg, err) {
			i.logger.Error("Delivery could not be queued, releasing claim", "customer_id", token.CustomerID, "jti", token.JTI)
			i.alerter.Alert(ctx, "Credential delivery could not be queued",
				"customer_id", token.CustomerID, "jti", token.JTI, "service_date", token.ServiceDate)
			if err := i.store.ReleaseTokenDelivery(ctx, token.JTI); err != nil {
				i.logger.Warn("Failed to release delivery claim", "jti", token.JTI, "error", err)
			}
			return
		}
	}

	if err := i.store.MarkTokenDelivered(ctx, token.JTI, i.clock.Now().Unix()); err != nil {
		i.logger.Warn("Failed to mark token delivered", "jti", token.JTI, "error", err)
	}
}

// DeliveryKey is the retry idempotency key of a credential delivery.
func DeliveryKey(jti string) string {
	return retry.CategoryTokenDelivery + ":" + jti
}

// CredentialMessage builds the notification carrying a day's credential.
func CredentialMessage(customerID, serviceDate, credential string) *models.Message {
	return &models.Message{
		CustomerID: customerID,
		Subject:    "Your meal pass for " + serviceDate,
		Text:       fmt.Sprintf("Your meal pass for %s is ready. Show the QR code at the kiosk.", serviceDate),
		Credential: credential,
	}
}

// DeliveryHandler redelivers a queued credential message.
func DeliveryHandler(notifier models.NotificationService) retry.Handler {
	return func(ctx context.Context, payload []byte) error {
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
		defer cancel()
		return notifier.Deliver(sendCtx, &msg)
	}
}
