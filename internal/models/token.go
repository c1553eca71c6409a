package models

// Entitlement is the per customer, per service day meal allowance.
// MealsRedeemed never exceeds MealsAllowed.
type Entitlement struct {
	CustomerID    string `json:"customer_id" gorm:"column:customer_id;primaryKey;size:64"`
	ServiceDate   string `json:"service_date" gorm:"column:service_date;primaryKey;size:10"`
	MealsAllowed  int    `json:"meals_allowed" gorm:"column:meals_allowed;not null;default:0"`
	MealsRedeemed int    `json:"meals_redeemed" gorm:"column:meals_redeemed;not null;default:0"`
	UpdatedAt     int64  `json:"updated_at" gorm:"column:updated_at"`
}

// Remaining returns how many meals can still be redeemed.
func (e *Entitlement) Remaining() int {
	if e.MealsRedeemed >= e.MealsAllowed {
		return 0
	}
	return e.MealsAllowed - e.MealsRedeemed
}

// Token is the issued credential for one customer on one service day.
// The (customer_id, service_date) unique index is what makes issuance
// exactly-once.
type Token struct {
	// JTI is the credential identifier embedded in the signed token.
	JTI string `json:"jti" gorm:"column:jti;primaryKey;size:64"`
	// CustomerID is the subject of the credential.
	CustomerID string `json:"customer_id" gorm:"column:customer_id;size:64;not null;uniqueIndex:idx_tokens_customer_day"`
	// ServiceDate is the YYYY-MM-DD day the credential is valid for.
	ServiceDate string `json:"service_date" gorm:"column:service_date;size:10;not null;uniqueIndex:idx_tokens_customer_day"`
	// IssuedAt is the Unix timestamp embedded as iat.
	IssuedAt int64 `json:"issued_at" gorm:"column:issued_at;not null"`
	// ExpiresAt is the Unix timestamp of the end of the service day.
	ExpiresAt int64 `json:"expires_at" gorm:"column:expires_at;not null"`
	// UsedAt is set once the credential has been redeemed.
	UsedAt *int64 `json:"used_at" gorm:"column:used_at"`
	// DeliveryClaimedAt is set by the run that took responsibility for delivery.
	DeliveryClaimedAt *int64 `json:"delivery_claimed_at" gorm:"column:delivery_claimed_at"`
	// DeliveredAt is set once the credential was sent or handed to the retry queue.
	DeliveredAt *int64 `json:"delivered_at" gorm:"column:delivered_at"`
}

// Redemption is the append-only audit record of a successful redemption.
type Redemption struct {
	JTI         string `json:"jti" gorm:"column:jti;primaryKey;size:64"`
	CustomerID  string `json:"customer_id" gorm:"column:customer_id;size:64;index;not null"`
	ServiceDate string `json:"service_date" gorm:"column:service_date;size:10;not null"`
	TerminalID  string `json:"terminal_id" gorm:"column:terminal_id;size:128"`
	RedeemedAt  int64  `json:"redeemed_at" gorm:"column:redeemed_at;not null"`
}

// RedeemParams carries a verified credential into the atomic redemption.
type RedeemParams struct {
	CustomerID  string
	ServiceDate string
	JTI         string
	TerminalID  string
	// DayStart and DayEnd are the Unix bounds of the service day.
	DayStart int64
	DayEnd   int64
	Now      int64
}

// RedeemResult is returned when a redemption commits.
type RedeemResult struct {
	Customer   *Customer
	Redemption *Redemption
	Remaining  int
}
