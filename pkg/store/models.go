package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UsageLogModel struct {
	ID        string         `gorm:"primaryKey"`
	UserID    string         `gorm:"not null;index:idx_usage_user_created"`
	Category  string         `gorm:"not null"`
	Tier      string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index:idx_usage_user_created"`
}

type ProfileModel struct {
	UserID                 string `gorm:"primaryKey"`
	Tier                   string `gorm:"not null"`
	ExternalSubscriptionID string
	SubscriptionStatus     string
	UpdatedAt              time.Time `gorm:"not null"`
}
