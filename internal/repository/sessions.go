package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/core-coin/mealpass/internal/models"
)

func (db *PostgresDB) CreateSession(ctx context.Context, session *models.Session) error {
	if err := db.Conn.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetSession(ctx context.Context, jti string) (*models.Session, error) {
	var session models.Session
	if err := db.Conn.WithContext(ctx).Where("jti = ?", jti).First(&session).Error; err != nil {
		return nil, fmt.Errorf("failed to get session: %w", notFound(err))
	}
	return &session, nil
}

func (db *PostgresDB) TouchSession(ctx context.Context, jti string, now int64) error {
	if err := db.Conn.WithContext(ctx).Model(&models.Session{}).
		Where("jti = ?", jti).
		Updates(map[string]interface{}{
			"last_used_at": now,
			"use_count":    gorm.Expr("use_count + 1"),
		}).Error; err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// RevokeSession revokes one session. Only the first revocation is recorded;
// later calls report false.
func (db *PostgresDB) RevokeSession(ctx context.Context, jti, actor, reason string, now int64) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.Session{}).
		Where("jti = ? AND revoked_at IS NULL", jti).
		Updates(map[string]interface{}{
			"revoked_at":    now,
			"revoked_by":    actor,
			"revoke_reason": reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to revoke session: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (db *PostgresDB) RevokeSessionsForPrincipal(ctx context.Context, kind, principal, actor, reason string, now int64) (int64, error) {
	res := db.Conn.WithContext(ctx).Model(&models.Session{}).
		Where("kind = ? AND principal = ? AND revoked_at IS NULL", kind, principal).
		Updates(map[string]interface{}{
			"revoked_at":    now,
			"revoked_by":    actor,
			"revoke_reason": reason,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (db *PostgresDB) CreateLinkCode(ctx context.Context, code *models.LinkCode) error {
	if err := db.Conn.WithContext(ctx).Create(code).Error; err != nil {
		return fmt.Errorf("failed to create link code: %w", err)
	}
	return nil
}

// ConsumeLinkCode marks an unexpired, unused code as used and returns it.
// The conditional update is what makes a code single-use.
func (db *PostgresDB) ConsumeLinkCode(ctx context.Context, tokenHash, purpose string, now int64) (*models.LinkCode, error) {
	var code models.LinkCode
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.LinkCode{}).
			Where("token_hash = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?", tokenHash, purpose, now).
			Update("used_at", now)
		if res.Error != nil {
			return fmt.Errorf("failed to consume link code: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrRecordNotFound
		}
		if err := tx.Where("token_hash = ?", tokenHash).First(&code).Error; err != nil {
			return fmt.Errorf("failed to load link code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}
