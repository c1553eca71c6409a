package models

const (
	SessionKindDevice   = "device"
	SessionKindOperator = "operator"
)

const (
	LinkPurposeOperatorLogin = "operator_login"
	LinkPurposeTelegram      = "telegram_link"
)

// Session is the server-side record of a device or operator credential.
// Rows are never hard-deleted, so a revocation is permanent.
type Session struct {
	// JTI is the identifier embedded in the session token.
	JTI string `json:"jti" gorm:"column:jti;primaryKey;size:64"`
	// Kind is "device" or "operator".
	Kind string `json:"kind" gorm:"column:kind;size:16;not null;index:idx_sessions_principal"`
	// Principal is the device label or the operator email.
	Principal string `json:"principal" gorm:"column:principal;size:255;not null;index:idx_sessions_principal"`
	// IssuedBy is who launched the session.
	IssuedBy string `json:"issued_by" gorm:"column:issued_by;size:255"`
	IssuedAt  int64 `json:"issued_at" gorm:"column:issued_at;not null"`
	ExpiresAt int64 `json:"expires_at" gorm:"column:expires_at;not null"`
	// RevokedAt is set once, by the first revocation.
	RevokedAt    *int64 `json:"revoked_at" gorm:"column:revoked_at"`
	RevokedBy    string `json:"revoked_by" gorm:"column:revoked_by;size:255"`
	RevokeReason string `json:"revoke_reason" gorm:"column:revoke_reason"`
	LastUsedAt   *int64 `json:"last_used_at" gorm:"column:last_used_at"`
	UseCount     int64  `json:"use_count" gorm:"column:use_count;not null;default:0"`
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// LinkCode backs short-lived multi-step flows (operator one-time login,
// Telegram identity linking). Only the SHA-256 of the secret is stored.
type LinkCode struct {
	TokenHash string `json:"-" gorm:"column:token_hash;primaryKey;size:64"`
	Purpose   string `json:"purpose" gorm:"column:purpose;size:32;not null"`
	Principal string `json:"principal" gorm:"column:principal;size:255;not null"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at"`
	ExpiresAt int64  `json:"expires_at" gorm:"column:expires_at;not null"`
	UsedAt    *int64 `json:"used_at" gorm:"column:used_at"`
}
