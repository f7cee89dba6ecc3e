package database

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"premiumpay/config"

	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

// NewTestDB opens a private in-memory sqlite database with all tables migrated.
// A single connection serializes writers the way a row lock would.
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:premiumpay_test_%d?mode=memory&cache=shared&_busy_timeout=5000", testDBSeq.Add(1))
	db, err := NewDB(&config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             dsn,
		MaxIdleConns:    1,
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
