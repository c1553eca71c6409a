// Package redemption consumes a presented meal credential at a kiosk.
package redemption

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/metrics"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/pkg/logger"
)

const customerRefLength = 4

// Outcome is what a kiosk shows after a successful redemption.
type Outcome struct {
	DisplayName string    `json:"display_name"`
	CustomerRef string    `json:"customer_ref"`
	ServiceDate string    `json:"service_date"`
	RedeemedAt  time.Time `json:"redeemed_at"`
	Remaining   int       `json:"remaining"`
}

type Authority struct {
	logger   *logger.Logger
	store    models.EntitlementRepository
	signer   *signer.Signer
	calendar *clock.Calendar
	clock    clock.Clock
	metrics  *metrics.Metrics
}

func NewAuthority(store models.EntitlementRepository, s *signer.Signer, calendar *clock.Calendar, clk clock.Clock, m *metrics.Metrics, logger *logger.Logger) *Authority {
	return &Authority{
		logger:   logger.Named("redemption"),
		store:    store,
		signer:   s,
		calendar: calendar,
		clock:    clk,
		metrics:  m,
	}
}

// Redeem verifies the credential and consumes its meal. Verification runs
// before anything is written, so malformed or expired credentials never
// reach the store. Every failure is a *models.AppError or an
// infrastructure error.
func (a *Authority) Redeem(ctx context.Context, presented, terminalID string) (*Outcome, error) {
	outcome, err := a.redeem(ctx, presented, terminalID)
	a.metrics.Redemption(resultCode(err))
	return outcome, err
}

func (a *Authority) redeem(ctx context.Context, presented, terminalID string) (*Outcome, error) {
	now := a.clock.Now()
	claims, err := a.signer.VerifyEntitlement(presented, now)
	if errors.Is(err, signer.ErrExpired) {
		return nil, models.ErrTokenExpired
	}
	if err != nil || claims.ID == "" || claims.Subject == "" {
		return nil, models.ErrSignatureInvalid
	}
	day, err := clock.ParseDay(claims.ServiceDate)
	if err != nil {
		return nil, models.ErrSignatureInvalid
	}
	if today := a.calendar.Today(now); day.String() > today.String() {
		return nil, models.ErrTokenNotYetValid
	}

	start, end := a.calendar.Bounds(day)
	result, err := a.store.Redeem(ctx, models.RedeemParams{
		CustomerID:  claims.Subject,
		ServiceDate: claims.ServiceDate,
		JTI:         claims.ID,
		TerminalID:  terminalID,
		DayStart:    start.Unix(),
		DayEnd:      end.Unix(),
		Now:         now.Unix(),
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			a.logger.Info("Redemption refused", "jti", claims.ID, "terminal_id", terminalID, "code", appErr.Code)
		} else {
			a.logger.Error("Redemption failed", "jti", claims.ID, "terminal_id", terminalID, "error", err)
		}
		return nil, err
	}

	a.logger.Info("Meal redeemed", "jti", claims.ID, "customer_id", claims.Subject, "terminal_id", terminalID)
	return &Outcome{
		DisplayName: MaskName(result.Customer.DisplayName),
		CustomerRef: CustomerRef(result.Customer.ID),
		ServiceDate: result.Redemption.ServiceDate,
		RedeemedAt:  time.Unix(result.Redemption.RedeemedAt, 0).UTC(),
		Remaining:   result.Remaining,
	}, nil
}

func resultCode(err error) string {
	if err == nil {
		return "success"
	}
	return models.AsAppError(err).Code
}

// MaskName shortens "Jane Doe" to "Jane D.".
func MaskName(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "Customer"
	case 1:
		return parts[0]
	}
	last, _ := utf8.DecodeRuneInString(parts[len(parts)-1])
	return parts[0] + " " + string(last) + "."
}

// CustomerRef returns the tail of the customer id for matching at the counter.
func CustomerRef(id string) string {
	if len(id) <= customerRefLength {
		return id
	}
	return "..." + id[len(id)-customerRefLength:]
}
