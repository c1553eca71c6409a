package notificator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/pkg/logger"
)

// ErrNoChannel is returned when the customer has nothing linked to send to.
var ErrNoChannel = errors.New("customer has no linked notification channel")

// TelegramSender is the part of TelegramNotificator used for delivery.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID string, png []byte, caption string) error
}

// EmailSender is the part of EmailNotificator used for delivery.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type Notificator struct {
	logger *logger.Logger
	db     models.CustomerRepository

	telegram TelegramSender
	email    EmailSender
}

// NewNotificator builds the delivery fan-out. Either sender may be nil when
// the channel is not configured.
func NewNotificator(logger *logger.Logger, db models.CustomerRepository, telegram TelegramSender, email EmailSender) *Notificator {
	return &Notificator{logger: logger.Named("notificator"), db: db, telegram: telegram, email: email}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func() error, context string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", context, r)
		}
	}()
	return fn()
}

// Deliver sends msg over every channel the customer has linked. It fails
// only when no channel accepted the message.
func (n *Notificator) Deliver(ctx context.Context, msg *models.Message) error {
	customer, err := n.db.GetCustomer(ctx, msg.CustomerID)
	if err != nil {
		return err
	}

	var (
		errs      []error
		attempted int
	)
	if chatID := customer.ChatID(); chatID != "" && n.telegram != nil {
		attempted++
		if err := n.safeCall(func() error { return n.sendTelegram(ctx, chatID, msg) }, "telegramNotification"); err != nil {
			n.logger.Warn("Telegram delivery failed", "customer_id", msg.CustomerID, "error", err)
			errs = append(errs, err)
		}
	}
	if email := customer.Email(); email != "" && n.email != nil {
		attempted++
		if err := n.safeCall(func() error { return n.sendEmail(ctx, email, msg) }, "emailNotification"); err != nil {
			n.logger.Warn("Email delivery failed", "customer_id", msg.CustomerID, "error", err)
			errs = append(errs, err)
		}
	}

	if attempted == 0 {
		return ErrNoChannel
	}
	if len(errs) == attempted {
		return errors.Join(errs...)
	}
	return nil
}

func (n *Notificator) sendTelegram(ctx context.Context, chatID string, msg *models.Message) error {
	if msg.Credential == "" {
		return n.telegram.SendMessage(ctx, chatID, msg.Text)
	}
	png, err := RenderQR(msg.Credential)
	if err != nil {
		return err
	}
	return n.telegram.SendPhoto(ctx, chatID, png, msg.Text)
}

func (n *Notificator) sendEmail(ctx context.Context, email string, msg *models.Message) error {
	body := msg.Text
	if msg.Credential != "" {
		body += "\n\nIf the kiosk cannot scan your code, enter this pass:\n\n" + msg.Credential
	}
	return n.email.SendEmail(ctx, email, msg.Subject, body)
}
