package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/pkg/logger"
)

// PostgresDB is the credential store. Every invariant that spans callers
// (one token per customer-day, one redemption per token, rate-limit counts,
// retry keys) is enforced by a unique key or a conditional statement here.
type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

var _ models.Repository = (*PostgresDB)(nil)

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*PostgresDB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db, err := New(conn, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return db, nil
}

// New wraps an open gorm connection and migrates the schema.
func New(conn *gorm.DB, logger *logger.Logger) (*PostgresDB, error) {
	if err := conn.AutoMigrate(
		&models.Customer{},
		&models.TelegramProvider{},
		&models.EmailProvider{},
		&models.Subscription{},
		&models.SkipDay{},
		&models.Entitlement{},
		&models.Token{},
		&models.Redemption{},
		&models.Session{},
		&models.LinkCode{},
		&models.RateLimitCounter{},
		&models.RetryRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return &PostgresDB{Conn: conn, logger: logger}, nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}
