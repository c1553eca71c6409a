package http_api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/mealpass/internal/billing"
	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/issuer"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/ratelimit"
	"github.com/core-coin/mealpass/internal/redemption"
	"github.com/core-coin/mealpass/internal/repository"
	"github.com/core-coin/mealpass/internal/session"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/internal/testutil"
	"github.com/core-coin/mealpass/internal/wellknown"
	"github.com/core-coin/mealpass/pkg/logger"
)

const (
	schedulerSecret = "scheduler-secret"
	billingSecret   = "billing-secret"
	telegramSecret  = "telegram-secret"
	operatorEmail   = "ops@example.com"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIssuer struct {
	mu   sync.Mutex
	days []string
}

func (f *fakeIssuer) Run(ctx context.Context) (*issuer.Report, error) {
	return f.RunForDay(ctx, clock.Day{Year: 2024, Month: time.March, Day: 5})
}

func (f *fakeIssuer) RunForDay(_ context.Context, day clock.Day) (*issuer.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, day.String())
	return &issuer.Report{ServiceDate: day.String(), Counts: issuer.Counts{Issued: 3}}, nil
}

type fakeRedeemer struct {
	mu        sync.Mutex
	terminals []string
	err       error
}

func (f *fakeRedeemer) Redeem(_ context.Context, presented, terminalID string) (*redemption.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, terminalID)
	if f.err != nil {
		return nil, f.err
	}
	return &redemption.Outcome{DisplayName: "Jane D.", CustomerRef: "...c001", ServiceDate: "2024-03-05", Remaining: 0}, nil
}

type fakeBilling struct {
	events []*billing.SubscriptionEvent
	queued bool
	err    error
}

func (f *fakeBilling) Apply(_ context.Context, event *billing.SubscriptionEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}
	f.events = append(f.events, event)
	return f.queued, f.err
}

type mailbox struct {
	mu     sync.Mutex
	bodies []string
}

func (m *mailbox) SendEmail(_ context.Context, _, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *mailbox) linkToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.bodies)
	body := m.bodies[len(m.bodies)-1]
	idx := strings.Index(body, "token=")
	require.GreaterOrEqual(t, idx, 0)
	return strings.TrimSpace(body[idx+len("token="):])
}

type fixture struct {
	server   *HTTPServer
	sessions *session.Authority
	issuer   *fakeIssuer
	redeemer *fakeRedeemer
	billing  *fakeBilling
	mail     *mailbox
	updates  int
}

func newFixture(t *testing.T, redeemMax int) *fixture {
	t.Helper()
	db, err := repository.New(testutil.NewDB(t), logger.NewNop())
	require.NoError(t, err)

	seed, err := signer.GenerateSeed()
	require.NoError(t, err)
	s, err := signer.New("mealpass", seed)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		issuer:   &fakeIssuer{},
		redeemer: &fakeRedeemer{},
		billing:  &fakeBilling{},
		mail:     &mailbox{},
	}
	f.sessions = session.NewAuthority(db, s, clk, &testutil.Alerter{}, f.mail, nil, logger.NewNop(), session.Options{
		FailOpen:        session.FailOpenOnCheckError,
		DeviceTTL:       24 * time.Hour,
		OperatorTTL:     time.Hour,
		LoginLinkTTL:    15 * time.Minute,
		TelegramLinkTTL: time.Hour,
		PublicBaseURL:   "https://meals.example.com",
		IsOperator:      func(email string) bool { return email == operatorEmail },
	})
	t.Cleanup(f.sessions.Wait)

	f.server = NewHTTPServer(Options{
		Issuer:   f.issuer,
		Redeemer: f.redeemer,
		Sessions: f.sessions,
		Limiter:  ratelimit.NewLimiter(db, clk, nil),
		Billing:  f.billing,
		Policies: map[string]ratelimit.Policy{
			ratelimit.PolicyRedeem:   {Name: ratelimit.PolicyRedeem, Max: redeemMax, Window: time.Minute},
			ratelimit.PolicyRedeemIP: {Name: ratelimit.PolicyRedeemIP, Max: 100, Window: time.Minute},
			ratelimit.PolicyLogin:    {Name: ratelimit.PolicyLogin, Max: 100, Window: time.Minute},
		},
		KeySet: wellknown.NewJWKS(s.PublicKey()),
		TelegramWebhook: func(w http.ResponseWriter, _ *http.Request) {
			f.updates++
			w.WriteHeader(http.StatusOK)
		},
		SchedulerSecret:       schedulerSecret,
		BillingWebhookSecret:  billingSecret,
		TelegramWebhookSecret: telegramSecret,
	}, 0, logger.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) deviceToken(t *testing.T, label string) string {
	t.Helper()
	token, _, err := f.sessions.IssueDevice(context.Background(), label, operatorEmail)
	require.NoError(t, err)
	return token
}

func (f *fixture) operatorToken(t *testing.T) string {
	t.Helper()
	token, _, err := f.sessions.IssueOperator(context.Background(), operatorEmail)
	require.NoError(t, err)
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndKeySet(t *testing.T) {
	f := newFixture(t, 10)

	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, wellknown.Path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Cache-Control"), "max-age")

	var set wellknown.JWKS
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "OKP", set.Keys[0].Kty)
}

func TestHealthReportsStoreFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.server.opts.Health = func(context.Context) error { return errors.New("database is down") }

	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIssuanceRequiresSchedulerSecret(t *testing.T) {
	f := newFixture(t, 10)

	w := f.do(t, http.MethodPost, "/api/v1/issuance/run", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/issuance/run", nil, map[string]string{schedulerSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.issuer.days)

	w = f.do(t, http.MethodPost, "/api/v1/issuance/run", nil, map[string]string{schedulerSecretHeader: schedulerSecret})
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)["report"].(map[string]interface{})
	assert.Equal(t, "2024-03-05", report["service_date"])
	assert.EqualValues(t, 3, report["issued"])
}

func TestIssuanceForRequestedDay(t *testing.T) {
	f := newFixture(t, 10)
	headers := map[string]string{schedulerSecretHeader: schedulerSecret}

	w := f.do(t, http.MethodPost, "/api/v1/issuance/run", IssuanceRequest{ServiceDate: "2024-03-07"}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2024-03-07"}, f.issuer.days)

	w = f.do(t, http.MethodPost, "/api/v1/issuance/run", IssuanceRequest{ServiceDate: "07/03/2024"}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode(t, w)["code"])
}

func TestRedeemAuthenticatesDevice(t *testing.T) {
	f := newFixture(t, 10)

	w := f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer("not-a-session"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.redeemer.terminals)

	token := f.deviceToken(t, "kiosk-1")
	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Jane D.", body["redemption"].(map[string]interface{})["display_name"])

	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential", DeviceSessionToken: token}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"kiosk-1", "kiosk-1"}, f.redeemer.terminals)
}

func TestRedeemMapsDomainErrors(t *testing.T) {
	f := newFixture(t, 10)
	token := f.deviceToken(t, "kiosk-1")

	f.redeemer.err = models.ErrAlreadyRedeemed
	w := f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(token))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_REDEEMED", decode(t, w)["code"])

	f.redeemer.err = errors.New("pq: connection reset")
	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(token))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
	assert.NotContains(t, body["error"], "connection reset")
}

func TestRedeemIsRateLimitedPerDevice(t *testing.T) {
	f := newFixture(t, 2)
	first := f.deviceToken(t, "kiosk-1")
	second := f.deviceToken(t, "kiosk-2")

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(first))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(first))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, w)["code"])
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, f.redeemer.terminals, 2)

	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential", DeviceSessionToken: second}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedeemIsRateLimitedPerClientIP(t *testing.T) {
	f := newFixture(t, 10)
	f.server.opts.Policies[ratelimit.PolicyRedeemIP] = ratelimit.Policy{Name: ratelimit.PolicyRedeemIP, Max: 3, Window: time.Minute}

	// A fresh device token per request gets a fresh device bucket every time.
	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(uuid.NewString()))
		require.NotEqual(t, http.StatusTooManyRequests, w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(uuid.NewString()))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, w)["code"])
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, f.redeemer.terminals)
}

func TestOperatorLoginAndDeviceManagement(t *testing.T) {
	f := newFixture(t, 10)

	w := f.do(t, http.MethodPost, "/api/v1/operator/login-link", LoginLinkRequest{Email: "nobody@example.com"}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, f.mail.bodies)

	w = f.do(t, http.MethodPost, "/api/v1/operator/login-link", LoginLinkRequest{Email: "OPS@example.com"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	link := f.mail.linkToken(t)

	w = f.do(t, http.MethodPost, "/api/v1/operator/login", LoginRequest{Token: link}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var login SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	assert.Equal(t, operatorEmail, login.Principal)

	w = f.do(t, http.MethodPost, "/api/v1/operator/login", LoginRequest{Token: link}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "LINK_INVALID", decode(t, w)["code"])

	w = f.do(t, http.MethodPost, "/api/v1/devices", DeviceRequest{Label: "kiosk-7"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/devices", DeviceRequest{Label: "kiosk 7!"}, bearer(login.SessionToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/devices", DeviceRequest{Label: "kiosk-7"}, bearer(login.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code)
	var device SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &device))
	assert.Equal(t, "kiosk-7", device.Principal)

	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(device.SessionToken))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/devices/kiosk-7/revoke", RevokeRequest{Reason: "stolen"}, bearer(login.SessionToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["revoked"])

	w = f.do(t, http.MethodPost, "/api/v1/redeem", RedeemRequest{PresentedToken: "credential"}, bearer(device.SessionToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeviceTokenCannotActAsOperator(t *testing.T) {
	f := newFixture(t, 10)
	device := f.deviceToken(t, "kiosk-1")

	w := f.do(t, http.MethodPost, "/api/v1/devices", DeviceRequest{Label: "kiosk-2"}, bearer(device))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokeSessionByJTI(t *testing.T) {
	f := newFixture(t, 10)
	operator := f.operatorToken(t)
	_, record, err := f.sessions.IssueDevice(context.Background(), "kiosk-1", operatorEmail)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/sessions/"+record.JTI+"/revoke", nil, bearer(operator))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["revoked"])

	w = f.do(t, http.MethodPost, "/api/v1/sessions/"+record.JTI+"/revoke", nil, bearer(operator))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["revoked"])
}

func TestTelegramLink(t *testing.T) {
	f := newFixture(t, 10)

	w := f.do(t, http.MethodPost, "/api/v1/customers/c-1/telegram-link", nil, bearer(f.operatorToken(t)))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode(t, w)["link"])
}

func signedEvent(t *testing.T, event billing.SubscriptionEvent) ([]byte, map[string]string) {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body, map[string]string{billing.SignatureHeader: "sha256=" + billing.Sign(billingSecret, body)}
}

func TestBillingWebhook(t *testing.T) {
	f := newFixture(t, 10)
	start, end := int64(1709251200), int64(1711929600)
	event := billing.SubscriptionEvent{
		EventID:     "evt-1",
		ExternalID:  "sub-1",
		CustomerID:  "c-1",
		Status:      models.SubscriptionStatusActive,
		PeriodStart: &start,
		PeriodEnd:   &end,
		OccurredAt:  1709280000,
	}

	body, headers := signedEvent(t, event)
	w := f.do(t, http.MethodPost, "/api/v1/webhooks/billing", body, map[string]string{billing.SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.billing.events)

	w = f.do(t, http.MethodPost, "/api/v1/webhooks/billing", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.billing.events, 1)
	assert.Equal(t, "sub-1", f.billing.events[0].ExternalID)

	f.billing.queued = true
	w = f.do(t, http.MethodPost, "/api/v1/webhooks/billing", body, headers)
	assert.Equal(t, http.StatusAccepted, w.Code)

	f.billing.queued, f.billing.err = false, errors.New("queue unavailable")
	w = f.do(t, http.MethodPost, "/api/v1/webhooks/billing", body, headers)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBillingWebhookRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t, 10)

	body, headers := signedEvent(t, billing.SubscriptionEvent{EventID: "evt-1"})
	w := f.do(t, http.MethodPost, "/api/v1/webhooks/billing", body, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	garbage := []byte("{not json")
	w = f.do(t, http.MethodPost, "/api/v1/webhooks/billing", garbage,
		map[string]string{billing.SignatureHeader: billing.Sign(billingSecret, garbage)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelegramWebhookChecksSecret(t *testing.T) {
	f := newFixture(t, 10)
	update := []byte(`{"update_id": 1}`)

	w := f.do(t, http.MethodPost, "/api/v1/telegram/webhook", update, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/telegram/webhook", update, map[string]string{telegramSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.updates)

	w = f.do(t, http.MethodPost, "/api/v1/telegram/webhook", update, map[string]string{telegramSecretHeader: telegramSecret})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.updates)
}

func TestTelegramWebhookDisabledWhenPolling(t *testing.T) {
	f := newFixture(t, 10)
	f.server.opts.TelegramWebhook = nil

	w := f.do(t, http.MethodPost, "/api/v1/telegram/webhook", []byte(`{}`), map[string]string{telegramSecretHeader: telegramSecret})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
