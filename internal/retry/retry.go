// Package retry is the durable retry queue for outbound work that failed:
// notification delivery and webhook processing.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/pkg/logger"
)

const (
	CategoryTokenDelivery  = "token-delivery"
	CategoryBillingWebhook = "billing-webhook"
)

// DefaultSchedule is the wait after the 1st, 2nd, 3rd and later failures.
var DefaultSchedule = []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}

// Handler performs one more attempt of a queued operation.
type Handler func(ctx context.Context, payload []byte) error

type Options struct {
	Schedule    []time.Duration
	MaxAttempts int
	Lease       time.Duration
}

type Queue struct {
	logger  *logger.Logger
	repo    models.RetryRepository
	clock   clock.Clock
	alerter models.Alerter
	metrics *metrics.Metrics

	schedule    []time.Duration
	maxAttempts int
	lease       time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewQueue(repo models.RetryRepository, clk clock.Clock, alerter models.Alerter, m *metrics.Metrics, logger *logger.Logger, opts Options) *Queue {
	if len(opts.Schedule) == 0 {
		opts.Schedule = DefaultSchedule
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	return &Queue{
		logger:      logger.Named("retry"),
		repo:        repo,
		clock:       clk,
		alerter:     alerter,
		metrics:     m,
		schedule:    opts.Schedule,
		maxAttempts: opts.MaxAttempts,
		lease:       opts.Lease,
		handlers:    make(map[string]Handler),
	}
}

// Register installs the handler for a category.
func (q *Queue) Register(category string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[category] = h
}

func (q *Queue) handler(category string) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[category]
}

// Backoff returns the wait after the given number of failed attempts.
// Attempts past the end of the schedule reuse its last entry.
func Backoff(schedule []time.Duration, attempts int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

func (q *Queue) Backoff(attempts int) time.Duration {
	return Backoff(q.schedule, attempts)
}

// Enqueue records a failed operation. key makes the call idempotent: a
// second enqueue of the same key is a Conflict and changes nothing. The
// failed original counts as the first attempt, so with MaxAttempts of 1 the
// record is stored dead and never retried.
func (q *Queue) Enqueue(ctx context.Context, key, category string, payload interface{}, cause error) (models.WriteOutcome, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	now := q.clock.Now()
	record := &models.RetryRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Category:       category,
		Payload:        body,
		AttemptCount:   1,
		MaxAttempts:    q.maxAttempts,
		NextRetryAt:    now.Add(q.Backoff(1)).Unix(),
		Status:         models.RetryStatusPending,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	if cause != nil {
		record.LastError = cause.Error()
	}
	exhausted := record.AttemptCount >= record.MaxAttempts
	if exhausted {
		record.Status = models.RetryStatusDead
	}
	outcome, err := q.repo.InsertRetryRecord(ctx, record)
	if err != nil {
		return 0, err
	}
	if outcome != models.Inserted {
		return outcome, nil
	}
	q.metrics.RetryTransition(category, metrics.RetryEnqueued)
	if exhausted {
		q.metrics.RetryTransition(category, metrics.RetryDead)
		q.logger.Error("Retry record is dead", "key", key, "attempts", record.AttemptCount, "error", record.LastError)
		q.alerter.Alert(ctx, "Retry gave up",
			"key", key,
			"category", category,
			"attempts", record.AttemptCount,
			"last_error", record.LastError)
		return outcome, nil
	}
	q.logger.Info("Queued for retry", "key", key, "category", category, "next_retry_at", record.NextRetryAt)
	return outcome, nil
}

// EnqueueBestEffort enqueues without returning an error and reports whether
// the record is now held by the queue. It is for callers whose own operation
// already failed and must not fail a second time because the queue is
// unavailable.
func (q *Queue) EnqueueBestEffort(ctx context.Context, key, category string, payload interface{}, cause error) bool {
	return BestEffort(q.logger, "enqueue "+key, func() error {
		_, err := q.Enqueue(ctx, key, category, payload, cause)
		return err
	})
}

// BestEffort runs fn and logs a failure or panic. It reports whether fn
// returned without error.
func BestEffort(log *logger.Logger, op string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Best-effort operation panicked", "op", op, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	if err := fn(); err != nil {
		log.Warn("Best-effort operation failed", "op", op, "error", err)
		return false
	}
	return true
}

// ProcessDue attempts up to limit due records and returns how many it ran.
func (q *Queue) ProcessDue(ctx context.Context, limit int) (int, error) {
	now := q.clock.Now().Unix()
	records, err := q.repo.DueRetryRecords(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		ran, err := q.process(ctx, record)
		if err != nil {
			q.logger.Error("Failed to process retry record", "key", record.IdempotencyKey, "error", err)
			continue
		}
		if ran {
			processed++
		}
	}
	return processed, nil
}

func (q *Queue) process(ctx context.Context, record *models.RetryRecord) (bool, error) {
	now := q.clock.Now()
	claimed, err := q.repo.ClaimRetryRecord(ctx, record.ID, now.Unix(), now.Add(q.lease).Unix())
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	handler := q.handler(record.Category)
	var attemptErr error
	if handler == nil {
		attemptErr = fmt.Errorf("no handler for category %q", record.Category)
	} else {
		attemptErr = safeAttempt(ctx, handler, []byte(record.Payload))
	}

	done := q.clock.Now()
	record.AttemptCount++
	record.UpdatedAt = done.Unix()
	switch {
	case attemptErr == nil:
		record.Status = models.RetryStatusSent
		record.LastError = ""
		q.metrics.RetryTransition(record.Category, metrics.RetrySent)
		q.logger.Info("Retry succeeded", "key", record.IdempotencyKey, "attempts", record.AttemptCount)
	case handler == nil || record.AttemptCount >= record.MaxAttempts:
		record.Status = models.RetryStatusDead
		record.LastError = attemptErr.Error()
		q.metrics.RetryTransition(record.Category, metrics.RetryDead)
		q.logger.Error("Retry record is dead", "key", record.IdempotencyKey, "attempts", record.AttemptCount, "error", attemptErr)
		q.alerter.Alert(ctx, "Retry gave up",
			"key", record.IdempotencyKey,
			"category", record.Category,
			"attempts", record.AttemptCount,
			"last_error", record.LastError)
	default:
		record.Status = models.RetryStatusRetrying
		record.LastError = attemptErr.Error()
		record.NextRetryAt = done.Add(q.Backoff(record.AttemptCount)).Unix()
		q.metrics.RetryTransition(record.Category, metrics.RetryRescheduled)
		q.logger.Warn("Retry failed, rescheduled", "key", record.IdempotencyKey, "attempts", record.AttemptCount, "next_retry_at", record.NextRetryAt, "error", attemptErr)
	}

	if err := q.repo.SaveRetryOutcome(ctx, record); err != nil {
		return true, err
	}
	return true, nil
}

func safeAttempt(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

func encodePayload(payload interface{}) (string, error) {
	switch p := payload.(type) {
	case []byte:
		return string(p), nil
	case json.RawMessage:
		return string(p), nil
	case string:
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode retry payload: %w", err)
	}
	return string(body), nil
}
