package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zovohq/zovo/internal/cache"
	testutil "github.com/zovohq/zovo/internal/database/testutil"
	"github.com/zovohq/zovo/internal/models"
	apperrors "github.com/zovohq/zovo/pkg/errors"
)

func TestRoleServiceCachesLookups(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	store := cache.NewMemoryStore()

	svc, err := NewRoleService(db, store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	role, err := svc.Default(ctx)
	require.NoError(t, err)
	require.Equal(t, models.DefaultRoleName, role.Name)

	// The row can disappear and the cached copy still serves.
	require.NoError(t, db.Where("name = ?", models.DefaultRoleName).Delete(&models.Role{}).Error)

	cached, err := svc.Default(ctx)
	require.NoError(t, err)
	require.Equal(t, role.ID, cached.ID)

	// Once invalidated, the missing row surfaces.
	require.NoError(t, svc.Invalidate(ctx, models.DefaultRoleName))
	_, err = svc.Default(ctx)
	require.ErrorIs(t, err, apperrors.ErrRoleNotFound)
}

func TestRoleServiceCacheExpiry(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	current := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	store := cache.NewMemoryStore().WithClock(func() time.Time { return current })

	svc, err := NewRoleService(db, store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Default(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Role{}).
		Where("name = ?", models.DefaultRoleName).
		Update("description", "updated").Error)

	// Within the TTL the stale description is served.
	role, err := svc.Default(ctx)
	require.NoError(t, err)
	require.NotEqual(t, "updated", role.Description)

	current = current.Add(2 * time.Hour)

	role, err = svc.Default(ctx)
	require.NoError(t, err)
	require.Equal(t, "updated", role.Description)
}

func TestRoleServiceUnknownRole(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	svc, err := NewRoleService(db, cache.NewMemoryStore(), 0)
	require.NoError(t, err)

	_, err = svc.GetByName(context.Background(), "ROLE_MISSING")
	require.ErrorIs(t, err, apperrors.ErrRoleNotFound)

	_, err = svc.GetByName(context.Background(), "  ")
	require.ErrorIs(t, err, apperrors.ErrRoleNotFound)
}
