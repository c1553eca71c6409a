package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/core-coin/mealpass/internal/models"
)

func (db *PostgresDB) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	if err := db.Conn.WithContext(ctx).Create(customer).Error; err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var customer models.Customer
	if err := db.Conn.WithContext(ctx).
		Preload("TelegramProvider").
		Preload("EmailProvider").
		Where("id = ?", id).
		First(&customer).Error; err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", notFound(err))
	}
	return &customer, nil
}

func (db *PostgresDB) GetCustomerByTelegramChatID(ctx context.Context, chatID string) (*models.Customer, error) {
	var customer models.Customer
	if err := db.Conn.WithContext(ctx).
		Joins("JOIN telegram_providers ON telegram_providers.customer_id = customers.id").
		Where("telegram_providers.chat_id = ?", chatID).
		Preload("TelegramProvider").
		Preload("EmailProvider").
		First(&customer).Error; err != nil {
		return nil, fmt.Errorf("failed to get customer by telegram chat: %w", notFound(err))
	}
	return &customer, nil
}

// LinkTelegram stores (or replaces) the customer's Telegram chat.
func (db *PostgresDB) LinkTelegram(ctx context.Context, customerID, username, chatID string) error {
	provider := &models.TelegramProvider{CustomerID: customerID, Username: username, ChatID: chatID}
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "chat_id"}),
	}).Create(provider).Error; err != nil {
		return fmt.Errorf("failed to link telegram chat: %w", err)
	}
	return nil
}
