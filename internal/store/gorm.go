package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/GuestGuard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormBackend persists record blobs to the device_records table via GORM.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend constructs a GormBackend.
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Get implements Backend.
func (b *GormBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("gorm record store: not initialized")
	}
	var row models.DeviceBlob
	if errFind := b.db.WithContext(ctx).
		Where("device_id = ?", key).
		Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gorm record store: get: %w", errFind)
	}
	return []byte(row.Blob), nil
}

// Put implements Backend.
func (b *GormBackend) Put(ctx context.Context, key string, blob []byte) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("gorm record store: not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("gorm record store: missing device id")
	}

	now := time.Now().UTC()
	row := models.DeviceBlob{
		DeviceID:  key,
		Blob:      string(blob),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errUpsert := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
	}).Create(&row).Error; errUpsert != nil {
		return fmt.Errorf("gorm record store: upsert: %w", errUpsert)
	}
	return nil
}

// Delete implements Backend.
func (b *GormBackend) Delete(ctx context.Context, key string) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("gorm record store: not initialized")
	}
	if errDelete := b.db.WithContext(ctx).
		Where("device_id = ?", key).
		Delete(&models.DeviceBlob{}).Error; errDelete != nil {
		return fmt.Errorf("gorm record store: delete: %w", errDelete)
	}
	return nil
}

// DeleteAll implements Backend.
func (b *GormBackend) DeleteAll(ctx context.Context) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("gorm record store: not initialized")
	}
	if errDelete := b.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.DeviceBlob{}).Error; errDelete != nil {
		return fmt.Errorf("gorm record store: delete all: %w", errDelete)
	}
	return nil
}
