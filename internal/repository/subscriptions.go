package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/core-coin/mealpass/internal/models"
)

func (db *PostgresDB) ActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := db.Conn.WithContext(ctx).
		Where("status = ?", models.SubscriptionStatusActive).
		Order("customer_id").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to get active subscriptions: %w", err)
	}
	return subs, nil
}

// UpsertSubscription applies a billing update keyed by the provider's id.
// An update older than the stored row is ignored.
func (db *PostgresDB) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_id", "status", "period_start", "period_end", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("subscriptions.updated_at <= excluded.updated_at"),
		}},
	}).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (db *PostgresDB) IsSkipped(ctx context.Context, customerID, serviceDate string) (bool, error) {
	var count int64
	if err := db.Conn.WithContext(ctx).Model(&models.SkipDay{}).
		Where("customer_id = ? AND service_date = ?", customerID, serviceDate).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check skip day: %w", err)
	}
	return count > 0, nil
}

func (db *PostgresDB) AddSkipDay(ctx context.Context, customerID, serviceDate string, now int64) (models.WriteOutcome, error) {
	skip := &models.SkipDay{CustomerID: customerID, ServiceDate: serviceDate, CreatedAt: now}
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(skip)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to add skip day: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Conflict, nil
	}
	return models.Inserted, nil
}
