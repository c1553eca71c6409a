package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/core-coin/mealpass/internal/models"
)

var openRetryStatuses = []string{models.RetryStatusPending, models.RetryStatusRetrying}

func (db *PostgresDB) InsertRetryRecord(ctx context.Context, record *models.RetryRecord) (models.WriteOutcome, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return models.Conflict, nil
		}
		return 0, fmt.Errorf("failed to insert retry record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Conflict, nil
	}
	return models.Inserted, nil
}

func (db *PostgresDB) GetRetryRecord(ctx context.Context, idempotencyKey string) (*models.RetryRecord, error) {
	var record models.RetryRecord
	if err := db.Conn.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to get retry record: %w", notFound(err))
	}
	return &record, nil
}

func (db *PostgresDB) DueRetryRecords(ctx context.Context, now int64, limit int) ([]*models.RetryRecord, error) {
	var records []*models.RetryRecord
	if err := db.Conn.WithContext(ctx).
		Where("status IN ? AND next_retry_at <= ? AND locked_until <= ?", openRetryStatuses, now, now).
		Order("next_retry_at").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get due retry records: %w", err)
	}
	return records, nil
}

// ClaimRetryRecord takes the worker lease on a record. Only one caller can
// hold an unexpired lease.
func (db *PostgresDB) ClaimRetryRecord(ctx context.Context, id string, now, leaseUntil int64) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.RetryRecord{}).
		Where("id = ? AND status IN ? AND locked_until <= ?", id, openRetryStatuses, now).
		Update("locked_until", leaseUntil)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim retry record: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SaveRetryOutcome stores the result of an attempt and releases the lease.
func (db *PostgresDB) SaveRetryOutcome(ctx context.Context, record *models.RetryRecord) error {
	if err := db.Conn.WithContext(ctx).Model(&models.RetryRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"status":        record.Status,
			"attempt_count": record.AttemptCount,
			"next_retry_at": record.NextRetryAt,
			"last_error":    record.LastError,
			"locked_until":  0,
			"updated_at":    record.UpdatedAt,
		}).Error; err != nil {
		return fmt.Errorf("failed to save retry outcome: %w", err)
	}
	return nil
}
