package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/repository"
	"github.com/core-coin/mealpass/internal/retry"
	"github.com/core-coin/mealpass/internal/testutil"
	"github.com/core-coin/mealpass/pkg/logger"
)

// brokenStore fails subscription writes while broken is set.
type brokenStore struct {
	models.SubscriptionRepository
	broken bool
}

func (b *brokenStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if b.broken {
		return errors.New("connection reset")
	}
	return b.SubscriptionRepository.UpsertSubscription(ctx, sub)
}

func int64p(v int64) *int64 { return &v }

func event(id string, status string, occurredAt int64) *SubscriptionEvent {
	return &SubscriptionEvent{
		EventID:     id,
		ExternalID:  "sub_ext_1",
		CustomerID:  "cust-1",
		Status:      status,
		PeriodStart: int64p(1_700_000_000),
		PeriodEnd:   int64p(1_702_592_000),
		OccurredAt:  occurredAt,
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sig := Sign("whsec", body)

	assert.True(t, VerifySignature("whsec", body, sig))
	assert.True(t, VerifySignature("whsec", body, "sha256="+sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("whsec", []byte(`{"event_id":"evt_2"}`), sig))
	assert.False(t, VerifySignature("whsec", body, "zz"))
	assert.False(t, VerifySignature("", body, Sign("", body)))
}

func TestValidate(t *testing.T) {
	require.NoError(t, event("evt_1", models.SubscriptionStatusActive, 10).Validate())

	bad := event("evt_1", models.SubscriptionStatusActive, 10)
	bad.PeriodEnd = bad.PeriodStart
	assert.ErrorIs(t, bad.Validate(), ErrInvalidEvent)

	missing := event("", models.SubscriptionStatusActive, 10)
	assert.ErrorIs(t, missing.Validate(), ErrInvalidEvent)
}

func TestApplyOrdersByOccurredAt(t *testing.T) {
	db, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)
	p := NewProcessor(db, nil, logger.NewNop())
	ctx := context.Background()

	queued, err := p.Apply(ctx, event("evt_2", models.SubscriptionStatusCanceled, 20))
	require.NoError(t, err)
	assert.False(t, queued)
	_, err = p.Apply(ctx, event("evt_1", models.SubscriptionStatusActive, 10))
	require.NoError(t, err)

	subs, err := db.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestApplyQueuesOnStoreFailure(t *testing.T) {
	db, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	queue := retry.NewQueue(db, clk, &testutil.Alerter{}, nil, logger.NewNop(), retry.Options{})
	store := &brokenStore{SubscriptionRepository: db, broken: true}
	p := NewProcessor(store, queue, logger.NewNop())
	queue.Register(retry.CategoryBillingWebhook, p.RetryHandler())
	ctx := context.Background()

	queued, err := p.Apply(ctx, event("evt_1", models.SubscriptionStatusActive, 10))
	require.NoError(t, err)
	assert.True(t, queued)

	record, err := db.GetRetryRecord(ctx, EventKey("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, "connection reset", record.LastError)

	store.broken = false
	clk.Advance(retry.DefaultSchedule[0])
	n, err := queue.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	subs, err := db.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_ext_1", subs[0].ExternalID)
}
