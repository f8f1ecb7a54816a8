package models

import "time"

// DeviceBlob stores one encoded DeviceRecord per device.
type DeviceBlob struct {
	DeviceID string `gorm:"primaryKey;type:varchar(255)"` // Device identifier.
	Blob     string `gorm:"type:text;not null"`           // Encoded record envelope.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName specifies the table name for DeviceBlob.
func (DeviceBlob) TableName() string {
	return "device_records"
}
