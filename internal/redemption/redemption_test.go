package redemption

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/repository"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/internal/testutil"
	"github.com/core-coin/mealpass/pkg/logger"
)

var serviceDay = clock.Day{Year: 2024, Month: time.March, Day: 5}

type fixture struct {
	db        *repository.PostgresDB
	clock     *clock.FakeClock
	calendar  *clock.Calendar
	signer    *signer.Signer
	registry  *prometheus.Registry
	authority *Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)
	calendar, err := clock.NewCalendar("America/New_York")
	require.NoError(t, err)
	seed, err := signer.GenerateSeed()
	require.NoError(t, err)
	s, err := signer.New("mealpass", seed)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		clock:    clock.NewFakeClock(time.Date(2024, time.March, 5, 17, 0, 0, 0, time.UTC)),
		calendar: calendar,
		signer:   s,
		registry: prometheus.NewRegistry(),
	}
	f.authority = NewAuthority(db, s, calendar, f.clock, metrics.New(f.registry), logger.NewNop())
	return f
}

// entitle seeds a customer with an active subscription, an allowance and a
// token for the service day, and returns the signed credential.
func (f *fixture) entitle(t *testing.T, customerID, name string, mealsAllowed int) string {
	t.Helper()
	ctx := context.Background()
	start, end := f.calendar.Bounds(serviceDay)
	periodStart, periodEnd := start.AddDate(0, 0, -1).Unix(), end.AddDate(0, 0, 20).Unix()

	require.NoError(t, f.db.CreateCustomer(ctx, &models.Customer{ID: customerID, DisplayName: name}))
	require.NoError(t, f.db.UpsertSubscription(ctx, &models.Subscription{
		ID: "sub-" + customerID, CustomerID: customerID, ExternalID: "ext-" + customerID,
		Status: models.SubscriptionStatusActive, PeriodStart: &periodStart, PeriodEnd: &periodEnd, UpdatedAt: 1,
	}))
	require.NoError(t, f.db.UpsertEntitlement(ctx, customerID, serviceDay.String(), mealsAllowed, start.Unix()))

	token := &models.Token{
		JTI: "jti-" + customerID, CustomerID: customerID, ServiceDate: serviceDay.String(),
		IssuedAt: start.Unix(), ExpiresAt: end.Unix(),
	}
	_, err := f.db.InsertToken(ctx, token)
	require.NoError(t, err)

	credential, err := f.signer.SignEntitlement(token.JTI, customerID, serviceDay.String(), start, end)
	require.NoError(t, err)
	return credential
}

func TestRedeemSuccess(t *testing.T) {
	f := newFixture(t)
	credential := f.entitle(t, "cust-000123", "Jane Doe", 1)

	outcome, err := f.authority.Redeem(context.Background(), credential, "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane D.", outcome.DisplayName)
	assert.Equal(t, "...0123", outcome.CustomerRef)
	assert.Equal(t, "2024-03-05", outcome.ServiceDate)
	assert.Equal(t, f.clock.Now().Unix(), outcome.RedeemedAt.Unix())
	assert.Zero(t, outcome.Remaining)

	token, err := f.db.GetToken(context.Background(), "cust-000123", serviceDay.String())
	require.NoError(t, err)
	assert.NotNil(t, token.UsedAt)

	_, err = f.authority.Redeem(context.Background(), credential, "kiosk-2")
	assert.ErrorIs(t, err, models.ErrAlreadyRedeemed)

	series, err := promtest.GatherAndCount(f.registry, "mealpass_redemptions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestConcurrentRedemptionSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	credential := f.entitle(t, "cust-1", "Jane Doe", 1)

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.authority.Redeem(context.Background(), credential, "kiosk-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, callers-1)
	for _, err := range failures {
		code := models.AsAppError(err).Code
		assert.Contains(t, []string{"ALREADY_REDEEMED", "NO_ALLOWANCE"}, code)
	}

	ent, err := f.db.GetEntitlement(context.Background(), "cust-1", serviceDay.String())
	require.NoError(t, err)
	assert.Equal(t, 1, ent.MealsRedeemed)
	assert.LessOrEqual(t, ent.MealsRedeemed, ent.MealsAllowed)
}

func TestRedeemRejectsBeforeWriting(t *testing.T) {
	f := newFixture(t)
	credential := f.entitle(t, "cust-1", "Jane Doe", 1)
	ctx := context.Background()

	other, err := signer.GenerateSeed()
	require.NoError(t, err)
	foreign, err := signer.New("mealpass", other)
	require.NoError(t, err)
	start, end := f.calendar.Bounds(serviceDay)
	forged, err := foreign.SignEntitlement("jti-cust-1", "cust-1", serviceDay.String(), start, end)
	require.NoError(t, err)

	_, err = f.authority.Redeem(ctx, forged, "kiosk-1")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)
	_, err = f.authority.Redeem(ctx, "not-a-token", "kiosk-1")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	// exp is the end of the service day; at that instant the token is dead.
	f.clock.Set(end)
	_, err = f.authority.Redeem(ctx, credential, "kiosk-1")
	assert.ErrorIs(t, err, models.ErrTokenExpired)
	assert.NotContains(t, err.Error(), "cust-1")

	ent, err := f.db.GetEntitlement(ctx, "cust-1", serviceDay.String())
	require.NoError(t, err)
	assert.Zero(t, ent.MealsRedeemed)
}

func TestRedeemLastSecondOfDay(t *testing.T) {
	f := newFixture(t)
	credential := f.entitle(t, "cust-1", "Jane Doe", 1)
	_, end := f.calendar.Bounds(serviceDay)

	f.clock.Set(end.Add(-time.Second))
	_, err := f.authority.Redeem(context.Background(), credential, "kiosk-1")
	assert.NoError(t, err)
}

func TestRedeemDomainErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start, end := f.calendar.Bounds(serviceDay)

	skipped := f.entitle(t, "skipper", "Sam Skip", 0)
	_, err := f.authority.Redeem(ctx, skipped, "kiosk-1")
	assert.ErrorIs(t, err, models.ErrNoAllowance)

	ghost, err := f.signer.SignEntitlement("jti-ghost", "ghost", serviceDay.String(), start, end)
	require.NoError(t, err)
	_, err = f.authority.Redeem(ctx, ghost, "kiosk-1")
	assert.ErrorIs(t, err, models.ErrCustomerNotFound)

	lapsed := f.entitle(t, "lapsed", "Lee Lapsed", 1)
	require.NoError(t, f.db.UpsertSubscription(ctx, &models.Subscription{
		ID: "sub-lapsed", CustomerID: "lapsed", ExternalID: "ext-lapsed",
		Status: models.SubscriptionStatusCanceled, UpdatedAt: 2,
	}))
	_, err = f.authority.Redeem(ctx, lapsed, "kiosk-1")
	assert.ErrorIs(t, err, models.ErrSubscriptionInactive)

	tomorrow := serviceDay.AddDays(1)
	tStart, tEnd := f.calendar.Bounds(tomorrow)
	early, err := f.signer.SignEntitlement("jti-early", "skipper", tomorrow.String(), tStart, tEnd)
	require.NoError(t, err)
	_, err = f.authority.Redeem(ctx, early, "kiosk-1")
	assert.ErrorIs(t, err, models.ErrTokenNotYetValid)
}

func TestMaskName(t *testing.T) {
	tests := map[string]string{
		"Jane Doe":          "Jane D.",
		"  Jane   van Doe ": "Jane D.",
		"Cher":              "Cher",
		"":                  "Customer",
		"Åsa Öberg":         "Åsa Ö.",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskName(in), in)
	}
}

func TestCustomerRef(t *testing.T) {
	assert.Equal(t, "...cdef", CustomerRef("abcdef"))
	assert.Equal(t, "abc", CustomerRef("abc"))
}
