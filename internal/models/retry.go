package models

const (
	RetryStatusPending  = "pending"
	RetryStatusRetrying = "retrying"
	RetryStatusSent     = "sent"
	RetryStatusDead     = "dead"
)

// RetryRecord is a failed outbound operation waiting for another attempt.
// IdempotencyKey is unique, so enqueuing the same failure twice is a no-op.
type RetryRecord struct {
	ID             string `json:"id" gorm:"column:id;primaryKey;size:64"`
	IdempotencyKey string `json:"idempotency_key" gorm:"column:idempotency_key;size:255;uniqueIndex;not null"`
	Category       string `json:"category" gorm:"column:category;size:64;not null"`
	// Payload is the JSON needed to perform the operation again.
	Payload      string `json:"payload" gorm:"column:payload;type:text;not null"`
	AttemptCount int    `json:"attempt_count" gorm:"column:attempt_count;not null"`
	MaxAttempts  int    `json:"max_attempts" gorm:"column:max_attempts;not null"`
	// NextRetryAt is the Unix timestamp the record becomes due.
	NextRetryAt int64  `json:"next_retry_at" gorm:"column:next_retry_at;not null;index"`
	Status      string `json:"status" gorm:"column:status;size:16;not null;index"`
	LastError   string `json:"last_error" gorm:"column:last_error;type:text"`
	// LockedUntil is the worker lease; 0 when nobody holds it.
	LockedUntil int64 `json:"locked_until" gorm:"column:locked_until;not null;default:0"`
	CreatedAt   int64 `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   int64 `json:"updated_at" gorm:"column:updated_at"`
}

// Terminal reports whether no further attempts will be made.
func (r *RetryRecord) Terminal() bool {
	return r.Status == RetryStatusSent || r.Status == RetryStatusDead
}
