package notificator

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/core-coin/mealpass/pkg/logger"
)

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPSender string

	SMTPAuth smtp.Auth

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPUser string, SMTPPassword string, SMTPSender string) *EmailNotificator {
	auth := smtp.PlainAuth(
		"",
		SMTPUser,
		SMTPPassword,
		SMTPHost,
	)

	return &EmailNotificator{
		logger:     logger.Named("email"),
		SMTPAuth:   auth,
		SMTPHost:   SMTPHost,
		SMTPPort:   SMTPPort,
		SMTPUser:   SMTPUser,
		SMTPSender: SMTPSender,
		sendMail:   smtp.SendMail,
	}
}

// SendEmail sends a plain text email. net/smtp has no context support, so
// the send runs in its own goroutine and ctx only bounds how long we wait.
func (e *EmailNotificator) SendEmail(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%s", e.SMTPHost, strconv.Itoa(e.SMTPPort))
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		e.SMTPSender,
		headerValue(to),
		headerValue(subject),
		body,
	)

	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, e.SMTPAuth, e.SMTPSender, []string{headerValue(to)}, []byte(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		e.logger.Debug("Email sent", "to", to, "subject", subject)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}

func headerValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
