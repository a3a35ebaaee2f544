// Package gormstore persists session state in a SQL database through GORM.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chimerakang/authkit-go/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one stored key.
type Entry struct {
	Name      string `gorm:"primaryKey;column:name"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name regardless of naming strategy.
func (Entry) TableName() string { return "authkit_entries" }

// Backend is a store.Backend over *gorm.DB.
type Backend struct{ db *gorm.DB }

var _ store.Backend = (*Backend)(nil)

// New migrates the entries table and returns a Backend.
func New(db *gorm.DB) (*Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("authkit/gormstore: nil database")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("authkit/gormstore: migrate: %w", err)
	}
	return &Backend{db: db}, nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("authkit/gormstore: create dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("authkit/gormstore: open %s: %w", path, err)
	}
	return db, nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e Entry
	err := b.db.WithContext(ctx).First(&e, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.Value, true, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	e := Entry{Name: key, Value: value, UpdatedAt: time.Now()}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

// Delete removes all keys in one transaction.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("name IN ?", keys).Delete(&Entry{}).Error
	})
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
