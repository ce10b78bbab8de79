package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/models"
	testutil "github.com/zovohq/zovo/internal/database/testutil"
	"github.com/zovohq/zovo/pkg/crypto"
)

func TestCreateSessionIssuesToken(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "user-create")

	token, session, err := svc.Create(context.Background(), user.ID, SessionMetadata{
		IPAddress: "10.0.0.1 ",
		UserAgent: "unit-test",
	})
	require.NoError(t, err)

	require.NotEmpty(t, token)
	require.NotNil(t, session)
	require.Equal(t, user.ID, session.UserID)
	require.Equal(t, "10.0.0.1", session.IPAddress)
	require.Equal(t, "unit-test", session.UserAgent)

	var reloaded models.Session
	require.NoError(t, db.Take(&reloaded, "id = ?", session.ID).Error)
	require.True(t, reloaded.ExpiresAt.After(clock.Now()))
	require.True(t, reloaded.LastUsedAt.Equal(clock.Now()))
}

func TestValidateSessionTouchesLastUsed(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-validate")

	token, session, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	validated, err := svc.Validate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, session.ID, validated.ID)
	require.Equal(t, user.ID, validated.UserID)
	require.True(t, validated.LastUsedAt.Equal(clock.Now()))
}

func TestValidateSessionExpired(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-expired")

	token, session, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Session{}).
		Where("id = ?", session.ID).
		Update("expires_at", clock.Now().Add(-time.Minute)).Error)

	_, err = svc.Validate(context.Background(), token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestValidateSessionRejectsGarbage(t *testing.T) {
	_, svc, _ := setupSessionService(t)

	_, err := svc.Validate(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrSessionInvalidToken)

	_, err = svc.Validate(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionInvalidToken)
}

func TestRevokeSessionInvalidatesToken(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "user-revoke")

	token, session, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), session.ID))

	err = svc.Revoke(context.Background(), "non-existent")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Validate(context.Background(), token)
	require.ErrorIs(t, err, ErrSessionRevoked)

	var stored models.Session
	require.NoError(t, db.Take(&stored, "id = ?", session.ID).Error)
	require.NotNil(t, stored.RevokedAt)
	require.True(t, stored.RevokedAt.After(clock.Now().Add(-time.Nanosecond)))
}

func TestRevokeUserSessions(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db, "user-revoke-all")

	tokenA, _, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)
	tokenB, _, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeUserSessions(context.Background(), user.ID))

	_, err = svc.Validate(context.Background(), tokenA)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, err = svc.Validate(context.Background(), tokenB)
	require.ErrorIs(t, err, ErrSessionRevoked)
}

func TestCleanupExpiredSessions(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-cleanup")

	_, live, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)
	_, stale, err := svc.Create(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Session{}).
		Where("id = ?", stale.ID).
		Update("expires_at", clock.Now().Add(-time.Hour)).Error)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var remaining []models.Session
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, live.ID, remaining[0].ID)
}

func setupSessionService(t *testing.T) (*gorm.DB, *SessionService, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	clock := &testClock{current: time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC)}

	jwtService, err := NewJWTService(JWTConfig{
		Secret:   "session-secret",
		TokenTTL: 2 * time.Hour,
		Clock:    clock.Now,
	})
	require.NoError(t, err)

	sessionService, err := NewSessionService(db, jwtService, SessionConfig{
		SessionTTL: 2 * time.Hour,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	return db, sessionService, clock
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		Enabled:  true,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}
