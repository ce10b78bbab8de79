package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zovohq/zovo/internal/models"
)

// DatabaseStore persists cache entries in the relational database. It serves
// deployments that run without Redis; expiry is enforced on read and swept by
// the maintenance job.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore returns a database-backed Store.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// IncrementWithTTL increments the counter stored under key. The window TTL is
// applied only when a fresh counter is created; later increments leave the
// existing expiry untouched.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		count     int64
		expiresAt time.Time
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var entry models.CacheEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key = ?", key).
			First(&entry).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = models.CacheEntry{
				Key:       key,
				Count:     1,
				ExpiresAt: now.Add(window),
			}
			entry.Value = []byte(strconv.FormatInt(entry.Count, 10))
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case now.After(entry.ExpiresAt):
			entry.Count = 1
			entry.ExpiresAt = now.Add(window)
			entry.Value = []byte(strconv.FormatInt(entry.Count, 10))
			if err := tx.Save(&entry).Error; err != nil {
				return err
			}
		default:
			entry.Count++
			entry.Value = []byte(strconv.FormatInt(entry.Count, 10))
			if err := tx.Save(&entry).Error; err != nil {
				return err
			}
		}

		count = entry.Count
		expiresAt = entry.ExpiresAt
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	remaining := time.Until(expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return count, remaining, nil
}

// Set stores a value under key with the supplied TTL, replacing any previous
// entry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "count", "expires_at"}),
		}).
		Create(&entry).Error
}

// Get retrieves the value stored under key. Expired entries are treated as
// missing and removed opportunistically.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if time.Now().After(entry.ExpiresAt) {
		_ = s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.CacheEntry{}).Error
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// TTL reports the remaining lifetime of the entry stored under key.
func (s *DatabaseStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	remaining := time.Until(entry.ExpiresAt)
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Exists reports whether a live entry is stored under key.
func (s *DatabaseStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Delete removes the supplied keys; missing keys are not an error.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("key IN ?", keys).Delete(&models.CacheEntry{}).Error
}

// PurgeExpired removes entries whose expiry has passed. The maintenance job
// invokes it on a schedule.
func (s *DatabaseStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}
