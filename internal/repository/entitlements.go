package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/core-coin/mealpass/internal/models"
)

// UpsertEntitlement sets the day's allowance. meals_allowed is never lowered
// below meals_redeemed, so an opt-out recorded after a redemption cannot
// break the allowance invariant.
func (db *PostgresDB) UpsertEntitlement(ctx context.Context, customerID, serviceDate string, mealsAllowed int, now int64) error {
	ent := &models.Entitlement{
		CustomerID:   customerID,
		ServiceDate:  serviceDate,
		MealsAllowed: mealsAllowed,
		UpdatedAt:    now,
	}
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "service_date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"meals_allowed": gorm.Expr("CASE WHEN entitlements.meals_redeemed > ? THEN entitlements.meals_redeemed ELSE ? END", mealsAllowed, mealsAllowed),
			"updated_at":    now,
		}),
	}).Create(ent).Error; err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetEntitlement(ctx context.Context, customerID, serviceDate string) (*models.Entitlement, error) {
	var ent models.Entitlement
	if err := db.Conn.WithContext(ctx).
		Where("customer_id = ? AND service_date = ?", customerID, serviceDate).
		First(&ent).Error; err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", notFound(err))
	}
	return &ent, nil
}

// InsertToken attempts the (customer_id, service_date) unique insert.
// Losing the race returns Conflict, never an error.
func (db *PostgresDB) InsertToken(ctx context.Context, token *models.Token) (models.WriteOutcome, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(token)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return models.Conflict, nil
		}
		return 0, fmt.Errorf("failed to insert token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Conflict, nil
	}
	return models.Inserted, nil
}

func (db *PostgresDB) GetToken(ctx context.Context, customerID, serviceDate string) (*models.Token, error) {
	var token models.Token
	if err := db.Conn.WithContext(ctx).
		Where("customer_id = ? AND service_date = ?", customerID, serviceDate).
		First(&token).Error; err != nil {
		return nil, fmt.Errorf("failed to get token: %w", notFound(err))
	}
	return &token, nil
}

// ClaimTokenDelivery makes the caller responsible for delivering the token.
// A claim older than staleBefore that never completed can be taken over.
func (db *PostgresDB) ClaimTokenDelivery(ctx context.Context, jti string, now, staleBefore int64) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.Token{}).
		Where("jti = ? AND delivered_at IS NULL AND (delivery_claimed_at IS NULL OR delivery_claimed_at < ?)", jti, staleBefore).
		Update("delivery_claimed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim token delivery: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) MarkTokenDelivered(ctx context.Context, jti string, now int64) error {
	if err := db.Conn.WithContext(ctx).Model(&models.Token{}).
		Where("jti = ? AND delivered_at IS NULL", jti).
		Update("delivered_at", now).Error; err != nil {
		return fmt.Errorf("failed to mark token delivered: %w", err)
	}
	return nil
}

// ReleaseTokenDelivery drops an undelivered claim so the next issuance run
// can pick the token up again.
func (db *PostgresDB) ReleaseTokenDelivery(ctx context.Context, jti string) error {
	if err := db.Conn.WithContext(ctx).Model(&models.Token{}).
		Where("jti = ? AND delivered_at IS NULL", jti).
		Update("delivery_claimed_at", nil).Error; err != nil {
		return fmt.Errorf("failed to release token delivery: %w", err)
	}
	return nil
}

// Redeem consumes one meal for a verified credential. Everything happens in
// one transaction; the conditional allowance update and the unique
// redemption key decide races, and the loser sees a domain error.
func (db *PostgresDB) Redeem(ctx context.Context, p models.RedeemParams) (*models.RedeemResult, error) {
	var result *models.RedeemResult
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer models.Customer
		if err := tx.Where("id = ?", p.CustomerID).First(&customer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrCustomerNotFound
			}
			return fmt.Errorf("failed to load customer: %w", err)
		}

		var subs []*models.Subscription
		if err := tx.Where("customer_id = ? AND status = ?", p.CustomerID, models.SubscriptionStatusActive).
			Find(&subs).Error; err != nil {
			return fmt.Errorf("failed to load subscriptions: %w", err)
		}
		dayStart, dayEnd := time.Unix(p.DayStart, 0), time.Unix(p.DayEnd, 0)
		covered := false
		for _, sub := range subs {
			if sub.Covers(dayStart, dayEnd) {
				covered = true
				break
			}
		}
		if !covered {
			return models.ErrSubscriptionInactive
		}

		var previous int64
		if err := tx.Model(&models.Redemption{}).Where("jti = ?", p.JTI).Count(&previous).Error; err != nil {
			return fmt.Errorf("failed to check redemption: %w", err)
		}
		if previous > 0 {
			return models.ErrAlreadyRedeemed
		}

		res := tx.Model(&models.Entitlement{}).
			Where("customer_id = ? AND service_date = ? AND meals_redeemed < meals_allowed", p.CustomerID, p.ServiceDate).
			Updates(map[string]interface{}{
				"meals_redeemed": gorm.Expr("meals_redeemed + 1"),
				"updated_at":     p.Now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to consume allowance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var ent models.Entitlement
			err := tx.Where("customer_id = ? AND service_date = ?", p.CustomerID, p.ServiceDate).First(&ent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && ent.MealsAllowed == 0) {
				return models.ErrNoAllowance
			}
			if err != nil {
				return fmt.Errorf("failed to load entitlement: %w", err)
			}
			return models.ErrAlreadyRedeemed
		}

		redemption := &models.Redemption{
			JTI:         p.JTI,
			CustomerID:  p.CustomerID,
			ServiceDate: p.ServiceDate,
			TerminalID:  p.TerminalID,
			RedeemedAt:  p.Now,
		}
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(redemption)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return models.ErrAlreadyRedeemed
			}
			return fmt.Errorf("failed to record redemption: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrAlreadyRedeemed
		}

		if err := tx.Model(&models.Token{}).
			Where("jti = ? AND used_at IS NULL", p.JTI).
			Update("used_at", p.Now).Error; err != nil {
			return fmt.Errorf("failed to mark token used: %w", err)
		}

		var ent models.Entitlement
		if err := tx.Where("customer_id = ? AND service_date = ?", p.CustomerID, p.ServiceDate).First(&ent).Error; err != nil {
			return fmt.Errorf("failed to reload entitlement: %w", err)
		}

		result = &models.RedeemResult{Customer: &customer, Redemption: redemption, Remaining: ent.Remaining()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
