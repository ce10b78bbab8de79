package models

import (
	"time"
)

// CacheEntry backs the database cache store. It holds lockout counters,
// two-factor challenges, OAuth state and cached role lookups when Redis is
// not configured.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	Count     int64     `gorm:"default:0"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
