package models

import "context"

// WriteOutcome distinguishes a fresh insert from losing a unique-key race.
// A conflict is an expected result, not an error.
type WriteOutcome int

const (
	Inserted WriteOutcome = iota + 1
	Conflict
)

func (o WriteOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type CustomerRepository interface {
	CreateCustomer(ctx context.Context, customer *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByTelegramChatID(ctx context.Context, chatID string) (*Customer, error)
	LinkTelegram(ctx context.Context, customerID, username, chatID string) error
}

type SubscriptionRepository interface {
	ActiveSubscriptions(ctx context.Context) ([]*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	IsSkipped(ctx context.Context, customerID, serviceDate string) (bool, error)
	AddSkipDay(ctx context.Context, customerID, serviceDate string, now int64) (WriteOutcome, error)
}

type EntitlementRepository interface {
	UpsertEntitlement(ctx context.Context, customerID, serviceDate string, mealsAllowed int, now int64) error
	GetEntitlement(ctx context.Context, customerID, serviceDate string) (*Entitlement, error)
	InsertToken(ctx context.Context, token *Token) (WriteOutcome, error)
	GetToken(ctx context.Context, customerID, serviceDate string) (*Token, error)
	ClaimTokenDelivery(ctx context.Context, jti string, now, staleBefore int64) (bool, error)
	MarkTokenDelivered(ctx context.Context, jti string, now int64) error
	ReleaseTokenDelivery(ctx context.Context, jti string) error
	Redeem(ctx context.Context, params RedeemParams) (*RedeemResult, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, jti string) (*Session, error)
	TouchSession(ctx context.Context, jti string, now int64) error
	RevokeSession(ctx context.Context, jti, actor, reason string, now int64) (bool, error)
	RevokeSessionsForPrincipal(ctx context.Context, kind, principal, actor, reason string, now int64) (int64, error)
	CreateLinkCode(ctx context.Context, code *LinkCode) error
	ConsumeLinkCode(ctx context.Context, tokenHash, purpose string, now int64) (*LinkCode, error)
}

type RateLimitRepository interface {
	HitRateLimit(ctx context.Context, key string, nowMs, windowMs int64) (hits int64, windowStartMs int64, err error)
	PruneRateLimits(ctx context.Context, windowStartedBeforeMs int64) (int64, error)
}

type RetryRepository interface {
	InsertRetryRecord(ctx context.Context, record *RetryRecord) (WriteOutcome, error)
	GetRetryRecord(ctx context.Context, idempotencyKey string) (*RetryRecord, error)
	DueRetryRecords(ctx context.Context, now int64, limit int) ([]*RetryRecord, error)
	ClaimRetryRecord(ctx context.Context, id string, now, leaseUntil int64) (bool, error)
	SaveRetryOutcome(ctx context.Context, record *RetryRecord) error
}

// Repository is the full credential store.
type Repository interface {
	CustomerRepository
	SubscriptionRepository
	EntitlementRepository
	SessionRepository
	RateLimitRepository
	RetryRepository

	Ping(ctx context.Context) error
	Close() error
}
