// Package session launches, validates and revokes device (kiosk) and
// operator sessions.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/pkg/logger"
)

// FailOpenOnCheckError resolves CheckFailed: when the session store cannot
// be read, a token whose signature and expiry verified is admitted, and its
// jti is re-checked once the store is back. SESSION_FAIL_CLOSED=true
// inverts it per deployment.
const FailOpenOnCheckError = true

// FailOpenPolicy applies a deployment's SESSION_FAIL_CLOSED override to
// FailOpenOnCheckError.
func FailOpenPolicy(failClosed bool) bool {
	return FailOpenOnCheckError && !failClosed
}

const (
	touchTimeout     = 5 * time.Second
	reverifyCapacity = 1024
)

// Result is the outcome of a session check.
type Result int

const (
	Allowed Result = iota + 1
	Denied
	CheckFailed
)

func (r Result) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case CheckFailed:
		return "check_failed"
	default:
		return "unknown"
	}
}

// Verdict is the tagged result of Validate. Reason is set for Denied, Err for
// CheckFailed.
type Verdict struct {
	Result    Result
	Reason    *models.AppError
	Err       error
	Principal Principal
}

// Principal is an authenticated device or operator.
type Principal struct {
	Kind    string
	Subject string
	JTI     string
	// Legacy is set for tokens minted before jti tracking.
	Legacy bool
	// Unverified is set when the store was unreachable and the policy
	// admitted the token anyway.
	Unverified bool
}

// Mailer sends the operator login link.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type Options struct {
	FailOpen            bool
	DeviceTTL           time.Duration
	OperatorTTL         time.Duration
	LoginLinkTTL        time.Duration
	TelegramLinkTTL     time.Duration
	PublicBaseURL       string
	TelegramBotUsername string
	IsOperator          func(email string) bool
}

type Authority struct {
	logger  *logger.Logger
	repo    models.SessionRepository
	signer  *signer.Signer
	clock   clock.Clock
	alerter models.Alerter
	mailer  Mailer
	metrics *metrics.Metrics
	opts    Options

	touches  sync.WaitGroup
	reverify chan string
}

func NewAuthority(repo models.SessionRepository, s *signer.Signer, clk clock.Clock, alerter models.Alerter, mailer Mailer, m *metrics.Metrics, logger *logger.Logger, opts Options) *Authority {
	if opts.IsOperator == nil {
		opts.IsOperator = func(string) bool { return false }
	}
	return &Authority{
		logger:   logger.Named("session"),
		repo:     repo,
		signer:   s,
		clock:    clk,
		alerter:  alerter,
		mailer:   mailer,
		metrics:  m,
		opts:     opts,
		reverify: make(chan string, reverifyCapacity),
	}
}

// IssueDevice launches a long-lived kiosk session for label.
func (a *Authority) IssueDevice(ctx context.Context, label, actor string) (string, *models.Session, error) {
	return a.issue(ctx, models.SessionKindDevice, label, actor, a.opts.DeviceTTL)
}

// IssueOperator launches a short-lived operator session for email.
func (a *Authority) IssueOperator(ctx context.Context, email string) (string, *models.Session, error) {
	return a.issue(ctx, models.SessionKindOperator, strings.ToLower(email), email, a.opts.OperatorTTL)
}

func (a *Authority) issue(ctx context.Context, kind, principal, actor string, ttl time.Duration) (string, *models.Session, error) {
	now := a.clock.Now()
	expires := now.Add(ttl)
	record := &models.Session{
		JTI:       uuid.NewString(),
		Kind:      kind,
		Principal: principal,
		IssuedBy:  actor,
		IssuedAt:  now.Unix(),
		ExpiresAt: expires.Unix(),
	}
	token, err := a.signer.SignSession(record.JTI, kind, principal, now, expires)
	if err != nil {
		return "", nil, err
	}
	if err := a.repo.CreateSession(ctx, record); err != nil {
		return "", nil, err
	}
	a.logger.Info("Session issued", "kind", kind, "principal", principal, "jti", record.JTI, "issued_by", actor)
	return token, record, nil
}

// Validate checks a token of the given kind and returns a tagged verdict.
// The signature is checked first and fails closed; only the store lookup
// can yield CheckFailed.
func (a *Authority) Validate(ctx context.Context, token, kind string) Verdict {
	now := a.clock.Now()
	claims, err := a.signer.VerifySession(token, kind, now)
	if err != nil {
		reason := models.ErrSessionInvalid
		if errors.Is(err, signer.ErrExpired) {
			reason = models.ErrSessionExpired
		}
		return Verdict{Result: Denied, Reason: reason}
	}

	principal := Principal{Kind: kind, Subject: claims.Subject, JTI: claims.ID}
	if claims.ID == "" {
		principal.Legacy = true
		return Verdict{Result: Allowed, Principal: principal}
	}

	record, err := a.repo.GetSession(ctx, claims.ID)
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		return Verdict{Result: Allowed, Principal: principal}
	case err != nil:
		return Verdict{Result: CheckFailed, Err: err, Principal: principal}
	case record.Revoked():
		return Verdict{Result: Denied, Reason: models.ErrSessionRevoked, Principal: principal}
	case record.ExpiresAt <= now.Unix():
		return Verdict{Result: Denied, Reason: models.ErrSessionExpired, Principal: principal}
	case record.Kind != kind:
		return Verdict{Result: Denied, Reason: models.ErrSessionInvalid, Principal: principal}
	}
	return Verdict{Result: Allowed, Principal: principal}
}

// Authenticate applies the policy to Validate and records usage.
func (a *Authority) Authenticate(ctx context.Context, token, kind string) (*Principal, error) {
	verdict := a.Validate(ctx, token, kind)
	a.metrics.SessionCheck(kind, verdict.Result.String())

	switch verdict.Result {
	case Allowed:
		if verdict.Principal.JTI != "" {
			a.touchAsync(verdict.Principal.JTI)
		}
		return &verdict.Principal, nil
	case Denied:
		a.logger.Debug("Session denied", "kind", kind, "jti", verdict.Principal.JTI, "reason", verdict.Reason.Code)
		return nil, verdict.Reason
	}

	if !a.opts.FailOpen {
		a.logger.Error("Session check failed, denying", "kind", kind, "jti", verdict.Principal.JTI, "error", verdict.Err)
		return nil, models.ErrSessionUnavailable
	}
	a.logger.Warn("Session check failed, admitting", "kind", kind, "jti", verdict.Principal.JTI, "error", verdict.Err)
	select {
	case a.reverify <- verdict.Principal.JTI:
	default:
		a.logger.Warn("Re-verification backlog full", "jti", verdict.Principal.JTI)
	}
	principal := verdict.Principal
	principal.Unverified = true
	return &principal, nil
}

// touchAsync records last use without delaying the caller.
func (a *Authority) touchAsync(jti string) {
	now := a.clock.Now().Unix()
	a.touches.Add(1)
	go func() {
		defer a.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := a.repo.TouchSession(ctx, jti, now); err != nil {
			a.logger.Debug("Failed to record session use", "jti", jti, "error", err)
		}
	}()
}

// FailsOpen reports whether CheckFailed verdicts are admitted.
func (a *Authority) FailsOpen() bool {
	return a.opts.FailOpen
}

// Wait blocks until in-flight usage updates finish.
func (a *Authority) Wait() {
	a.touches.Wait()
}

// ReverifyPending re-checks sessions admitted while the store was down and
// alerts for any that turn out to be revoked. It returns how many it checked.
func (a *Authority) ReverifyPending(ctx context.Context) int {
	checked := 0
	for pending := len(a.reverify); pending > 0; pending-- {
		var jti string
		select {
		case jti = <-a.reverify:
		default:
			return checked
		}
		record, err := a.repo.GetSession(ctx, jti)
		if errors.Is(err, models.ErrRecordNotFound) {
			checked++
			continue
		}
		if err != nil {
			select {
			case a.reverify <- jti:
			default:
			}
			a.logger.Warn("Session store still unavailable", "error", err)
			return checked
		}
		checked++
		if record.Revoked() || record.ExpiresAt <= a.clock.Now().Unix() {
			a.alerter.Alert(ctx, "Revoked session was admitted while the session store was unavailable",
				"jti", jti, "kind", record.Kind, "principal", record.Principal)
		}
	}
	return checked
}

// Revoke revokes one session. Repeating it is a no-op that returns false.
func (a *Authority) Revoke(ctx context.Context, jti, actor, reason string) (bool, error) {
	revoked, err := a.repo.RevokeSession(ctx, jti, actor, reason, a.clock.Now().Unix())
	if err != nil {
		return false, err
	}
	if revoked {
		a.logger.Info("Session revoked", "jti", jti, "actor", actor, "reason", reason)
	}
	return revoked, nil
}

// RevokeAllForPrincipal revokes every live session of a principal.
func (a *Authority) RevokeAllForPrincipal(ctx context.Context, kind, principal, actor, reason string) (int64, error) {
	n, err := a.repo.RevokeSessionsForPrincipal(ctx, kind, principal, actor, reason, a.clock.Now().Unix())
	if err != nil {
		return 0, err
	}
	a.logger.Info("Sessions revoked", "kind", kind, "principal", principal, "count", n, "actor", actor, "reason", reason)
	return n, nil
}

// RequestOperatorLink emails a one-time login link to an allow-listed
// operator. Unknown emails get no link and no error, so callers cannot
// probe the allow-list.
func (a *Authority) RequestOperatorLink(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !a.opts.IsOperator(email) {
		a.logger.Warn("Login link requested for unknown operator", "email", email)
		return nil
	}
	raw, err := a.createCode(ctx, models.LinkPurposeOperatorLogin, email, a.opts.LoginLinkTTL)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/operator/login?token=%s", strings.TrimRight(a.opts.PublicBaseURL, "/"), raw)
	body := fmt.Sprintf("Use this link to sign in. It works once and expires in %s.\n\n%s", a.opts.LoginLinkTTL, link)
	if a.mailer == nil {
		return errors.New("no mailer configured for login links")
	}
	if err := a.mailer.SendEmail(ctx, email, "Your operator sign-in link", body); err != nil {
		return fmt.Errorf("failed to send login link: %w", err)
	}
	return nil
}

// ConsumeOperatorLink exchanges a one-time link for an operator session.
func (a *Authority) ConsumeOperatorLink(ctx context.Context, raw string) (string, *models.Session, error) {
	code, err := a.consumeCode(ctx, raw, models.LinkPurposeOperatorLogin)
	if err != nil {
		return "", nil, err
	}
	return a.IssueOperator(ctx, code.Principal)
}

// CreateTelegramLink returns a deep link that binds the customer's Telegram
// chat once the customer presses Start.
func (a *Authority) CreateTelegramLink(ctx context.Context, customerID string) (string, error) {
	raw, err := a.createCode(ctx, models.LinkPurposeTelegram, customerID, a.opts.TelegramLinkTTL)
	if err != nil {
		return "", err
	}
	if a.opts.TelegramBotUsername == "" {
		return raw, nil
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", a.opts.TelegramBotUsername, raw), nil
}

// ConsumeTelegramLink resolves a /start code to its customer, once.
func (a *Authority) ConsumeTelegramLink(ctx context.Context, raw string) (string, error) {
	code, err := a.consumeCode(ctx, raw, models.LinkPurposeTelegram)
	if err != nil {
		return "", err
	}
	return code.Principal, nil
}

func (a *Authority) createCode(ctx context.Context, purpose, principal string, ttl time.Duration) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate link code: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	now := a.clock.Now()
	if err := a.repo.CreateLinkCode(ctx, &models.LinkCode{
		TokenHash: hashCode(raw),
		Purpose:   purpose,
		Principal: principal,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}); err != nil {
		return "", err
	}
	return raw, nil
}

func (a *Authority) consumeCode(ctx context.Context, raw, purpose string) (*models.LinkCode, error) {
	if raw == "" {
		return nil, models.ErrLinkInvalid
	}
	code, err := a.repo.ConsumeLinkCode(ctx, hashCode(raw), purpose, a.clock.Now().Unix())
	if errors.Is(err, models.ErrRecordNotFound) {
		return nil, models.ErrLinkInvalid
	}
	if err != nil {
		return nil, err
	}
	return code, nil
}

func hashCode(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
