package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tradewire/terminal-api/internal/orders"
	"github.com/tradewire/terminal-api/internal/vault"
)

// NewDatabase opens the sqlite database at path and migrates the gateway
// schemas: order records and encrypted credential blobs.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&orders.OrderRecord{},
		&vault.CredentialRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schemas: %w", err)
	}

	return db, nil
}
