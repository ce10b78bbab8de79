package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/cache"
	"github.com/zovohq/zovo/internal/models"
	apperrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/logger"
)

// DefaultRoleCacheTTL bounds how stale a cached role may get.
const DefaultRoleCacheTTL = time.Hour

const roleKeyPrefix = "storage:role:"

// RoleService serves role reference data through the shared cache. Roles are
// written once at seed time and read on every registration, so cache misses
// are rare after warmup.
type RoleService struct {
	db    *gorm.DB
	store cache.Store
	ttl   time.Duration
}

// NewRoleService builds a cached role reader.
func NewRoleService(db *gorm.DB, store cache.Store, ttl time.Duration) (*RoleService, error) {
	if db == nil {
		return nil, errors.New("role service: db is required")
	}
	if store == nil {
		return nil, errors.New("role service: cache store is required")
	}
	if ttl <= 0 {
		ttl = DefaultRoleCacheTTL
	}
	return &RoleService{db: db, store: store, ttl: ttl}, nil
}

// GetByName returns the role, consulting the cache first. A cache outage
// degrades to a database read.
func (s *RoleService) GetByName(ctx context.Context, name string) (*models.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ErrRoleNotFound
	}

	key := roleKeyPrefix + name
	if cached, ok, err := s.store.Get(ctx, key); err == nil && ok {
		var role models.Role
		if unmarshalErr := json.Unmarshal(cached, &role); unmarshalErr == nil {
			return &role, nil
		}
		// A corrupt entry falls through to the database and gets rewritten.
		_ = s.store.Delete(ctx, key)
	} else if err != nil {
		logger.Warn("role cache read failed", zap.String("role", name), zap.Error(err))
	}

	var role models.Role
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("role service: query role: %w", err)
	}

	if encoded, marshalErr := json.Marshal(role); marshalErr == nil {
		if err := s.store.Set(ctx, key, encoded, s.ttl); err != nil {
			logger.Warn("role cache write failed", zap.String("role", name), zap.Error(err))
		}
	}

	return &role, nil
}

// Default returns the role granted to every new account.
func (s *RoleService) Default(ctx context.Context) (*models.Role, error) {
	return s.GetByName(ctx, models.DefaultRoleName)
}

// Invalidate drops a role from the cache, for use after administrative edits.
func (s *RoleService) Invalidate(ctx context.Context, name string) error {
	return s.store.Delete(ctx, roleKeyPrefix+strings.TrimSpace(name))
}
