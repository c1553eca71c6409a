// Package billing applies subscription updates pushed by the billing
// provider's webhook.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/retry"
	"github.com/core-coin/mealpass/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Signature"

var ErrInvalidEvent = errors.New("invalid subscription event")

// SubscriptionEvent is the webhook body.
type SubscriptionEvent struct {
	EventID     string `json:"event_id"`
	ExternalID  string `json:"subscription_id"`
	CustomerID  string `json:"customer_id"`
	Status      string `json:"status"`
	PeriodStart *int64 `json:"period_start"`
	PeriodEnd   *int64 `json:"period_end"`
	// OccurredAt orders events; an older event never overwrites a newer one.
	OccurredAt int64 `json:"occurred_at"`
}

func (e *SubscriptionEvent) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	case e.ExternalID == "":
		return fmt.Errorf("%w: subscription_id is required", ErrInvalidEvent)
	case e.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidEvent)
	case e.Status == "":
		return fmt.Errorf("%w: status is required", ErrInvalidEvent)
	case e.OccurredAt <= 0:
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEvent)
	case e.PeriodStart != nil && e.PeriodEnd != nil && *e.PeriodEnd <= *e.PeriodStart:
		return fmt.Errorf("%w: period_end must be after period_start", ErrInvalidEvent)
	}
	return nil
}

func (e *SubscriptionEvent) subscription() *models.Subscription {
	return &models.Subscription{
		ID:          uuid.NewString(),
		CustomerID:  e.CustomerID,
		ExternalID:  e.ExternalID,
		Status:      e.Status,
		PeriodStart: e.PeriodStart,
		PeriodEnd:   e.PeriodEnd,
		UpdatedAt:   e.OccurredAt,
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An empty secret rejects all.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}

// Enqueuer hands a failed event to the retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, key, category string, payload interface{}, cause error) (models.WriteOutcome, error)
}

type Processor struct {
	logger *logger.Logger
	store  models.SubscriptionRepository
	queue  Enqueuer
}

func NewProcessor(store models.SubscriptionRepository, queue Enqueuer, logger *logger.Logger) *Processor {
	return &Processor{logger: logger.Named("billing"), store: store, queue: queue}
}

// Apply upserts the subscription. When the store write fails the event is
// queued instead and queued is true; err is only set when neither worked.
func (p *Processor) Apply(ctx context.Context, event *SubscriptionEvent) (queued bool, err error) {
	if err := event.Validate(); err != nil {
		return false, err
	}
	upsertErr := p.store.UpsertSubscription(ctx, event.subscription())
	if upsertErr == nil {
		p.logger.Info("Subscription updated", "subscription_id", event.ExternalID, "customer_id", event.CustomerID, "status", event.Status)
		return false, nil
	}

	p.logger.Warn("Subscription update failed, queueing", "event_id", event.EventID, "error", upsertErr)
	if _, err := p.queue.Enqueue(ctx, EventKey(event.EventID), retry.CategoryBillingWebhook, event, upsertErr); err != nil {
		return false, fmt.Errorf("failed to queue event after %v: %w", upsertErr, err)
	}
	return true, nil
}

// RetryHandler re-applies a queued event.
func (p *Processor) RetryHandler() retry.Handler {
	return func(ctx context.Context, payload []byte) error {
		var event SubscriptionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return p.store.UpsertSubscription(ctx, event.subscription())
	}
}

// EventKey is the retry idempotency key of a webhook event.
func EventKey(eventID string) string {
	return retry.CategoryBillingWebhook + ":" + eventID
}
