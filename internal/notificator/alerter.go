package notificator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/core-coin/mealpass/pkg/logger"
)

const alertTimeout = 10 * time.Second

// MessageSender posts plain text to a Telegram chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Alerter logs operator alerts and, when a chat is configured, posts them
// to Telegram.
type Alerter struct {
	logger *logger.Logger
	sender MessageSender
	chatID string
}

func NewAlerter(logger *logger.Logger, sender MessageSender, chatID string) *Alerter {
	return &Alerter{logger: logger.Named("alert"), sender: sender, chatID: chatID}
}

func (a *Alerter) Alert(ctx context.Context, subject string, keysAndValues ...interface{}) {
	a.logger.Error(subject, keysAndValues...)
	if a.sender == nil || a.chatID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := a.sender.SendMessage(ctx, a.chatID, FormatAlert(subject, keysAndValues...)); err != nil {
		a.logger.Warn("Failed to post alert", "subject", subject, "error", err)
	}
}

// FormatAlert renders an alert as "subject" followed by one "key: value"
// line per pair.
func FormatAlert(subject string, keysAndValues ...interface{}) string {
	var b strings.Builder
	b.WriteString("⚠️ ")
	b.WriteString(subject)
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteString("\n")
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, "%v: %v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, "%v", keysAndValues[i])
		}
	}
	return b.String()
}
