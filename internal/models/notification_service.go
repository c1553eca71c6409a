package models

import "context"

// NotificationService delivers a message to a customer over every linked
// channel. An error means nothing was delivered and the caller should
// hand the message to the retry queue.
type NotificationService interface {
	Deliver(ctx context.Context, msg *Message) error
}

// Alerter notifies operators about conditions that need a human.
type Alerter interface {
	Alert(ctx context.Context, subject string, keysAndValues ...interface{})
}

// Message is everything needed to (re)send one notification. It is stored
// verbatim as a retry payload.
type Message struct {
	CustomerID string `json:"customer_id"`
	Subject    string `json:"subject"`
	Text       string `json:"text"`
	// Credential, when set, is rendered as a QR code attachment.
	Credential string `json:"credential,omitempty"`
}
