package testutil

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ambetz/vipgate/internal/models"
)

// SetupTestDB opens a private in-memory database with the full schema
// migrated, torn down with the test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Named shared-cache memory DB so every pooled connection sees the same
	// schema, while distinct tests stay isolated.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Subscriber{},
		&models.Subscription{},
		&models.WebhookEventLog{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
