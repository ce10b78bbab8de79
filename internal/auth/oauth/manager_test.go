package oauth

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/cache"
	testutil "github.com/zovohq/zovo/internal/database/testutil"
	"github.com/zovohq/zovo/internal/models"
	"github.com/zovohq/zovo/pkg/crypto"
	apperrors "github.com/zovohq/zovo/pkg/errors"
)

type fakeProvider struct {
	name        string
	details     *UserDetails
	exchangeErr error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.test/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	if code != "good-code" {
		return nil, apperrors.ErrProviderExchangeFailed
	}
	return &oauth2.Token{AccessToken: "upstream-token"}, nil
}

func (p *fakeProvider) FetchUser(context.Context, *oauth2.Token) (*UserDetails, error) {
	return p.details, nil
}

type fixture struct {
	db         *gorm.DB
	manager    *Manager
	provider   *fakeProvider
	store      *cache.MemoryStore
	clock      *time.Time
	challenges *twofactor.ChallengeService
}

func setupManager(t *testing.T) *fixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	current := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	store := cache.NewMemoryStore().WithClock(func() time.Time { return current })

	jwtService, err := auth.NewJWTService(auth.JWTConfig{Secret: "oauth-test-secret"})
	require.NoError(t, err)

	sessions, err := auth.NewSessionService(db, jwtService, auth.SessionConfig{})
	require.NoError(t, err)

	provider := &fakeProvider{
		name: "github",
		details: &UserDetails{
			ExternalID: "12345",
			Email:      "octocat@example.com",
			Name:       "Octo Cat",
		},
	}

	registry := NewRegistry()
	require.NoError(t, registry.Register(provider))

	var role models.Role
	require.NoError(t, db.Where("name = ?", models.DefaultRoleName).Take(&role).Error)

	challenges, err := twofactor.NewChallengeService(store, 0)
	require.NoError(t, err)

	manager, err := NewManager(db, registry, store, sessions, staticRoles{role: &role}, ManagerConfig{Challenges: challenges})
	require.NoError(t, err)

	return &fixture{db: db, manager: manager, provider: provider, store: store, clock: &current, challenges: challenges}
}

type staticRoles struct {
	role *models.Role
}

func (s staticRoles) Default(context.Context) (*models.Role, error) {
	return s.role, nil
}

func stateFromURL(t *testing.T, rawURL string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestAuthorizationURLMintsState(t *testing.T) {
	f := setupManager(t)

	redirect, err := f.manager.AuthorizationURL(context.Background(), "github")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, "https://provider.test/authorize?state="))

	state := stateFromURL(t, redirect)
	exists, err := f.store.Exists(context.Background(), stateKey(state))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAuthorizationURLUnknownProvider(t *testing.T) {
	f := setupManager(t)

	_, err := f.manager.AuthorizationURL(context.Background(), "gitlab")
	require.ErrorIs(t, err, apperrors.ErrUnknownProvider)
}

func TestCallbackProvisionsNewAccount(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	state := stateFromURL(t, redirect)

	result, err := f.manager.HandleCallback(ctx, "github", state, "good-code", auth.SessionMetadata{IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionToken)
	require.Equal(t, "octocat@example.com", result.User.Email)
	require.Equal(t, "octocat", result.User.Username)

	var user models.User
	require.NoError(t, f.db.Preload("Roles").Take(&user, "id = ?", result.User.ID).Error)
	require.True(t, user.Enabled, "provider-verified email skips confirmation")
	require.Len(t, user.Roles, 1)
	require.Equal(t, models.DefaultRoleName, user.Roles[0].Name)
	require.Equal(t, "10.0.0.9", user.LastLoginIP)

	var connection models.OAuthConnection
	require.NoError(t, f.db.Where("provider = ? AND provider_id = ?", "github", "12345").Take(&connection).Error)
	require.Equal(t, user.ID, connection.UserID)
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	state := stateFromURL(t, redirect)

	_, err = f.manager.HandleCallback(ctx, "github", state, "good-code", auth.SessionMetadata{})
	require.NoError(t, err)

	_, err = f.manager.HandleCallback(ctx, "github", state, "good-code", auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	_, err := f.manager.HandleCallback(ctx, "github", "forged-state", "good-code", auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = f.manager.HandleCallback(ctx, "github", "", "good-code", auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCallbackStateExpires(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	state := stateFromURL(t, redirect)

	*f.clock = f.clock.Add(11 * time.Minute)

	_, err = f.manager.HandleCallback(ctx, "github", state, "good-code", auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCallbackLinksExistingAccountByEmail(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)
	existing := &models.User{
		Username: "octocat",
		Email:    "octocat@example.com",
		Password: hashed,
		Enabled:  true,
		IsActive: true,
	}
	require.NoError(t, f.db.Create(existing).Error)

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)

	result, err := f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.NoError(t, err)
	require.Equal(t, existing.ID, result.User.ID)

	var connection models.OAuthConnection
	require.NoError(t, f.db.Where("provider = ? AND provider_id = ?", "github", "12345").Take(&connection).Error)
	require.Equal(t, existing.ID, connection.UserID)

	var count int64
	require.NoError(t, f.db.Model(&models.User{}).Count(&count).Error)
	require.Equal(t, int64(1), count, "no duplicate account is provisioned")
}

func TestCallbackIsIdempotentForLinkedAccount(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	first, err := f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.NoError(t, err)

	redirect, err = f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	second, err := f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.NoError(t, err)

	require.Equal(t, first.User.ID, second.User.ID)

	var connections int64
	require.NoError(t, f.db.Model(&models.OAuthConnection{}).Count(&connections).Error)
	require.Equal(t, int64(1), connections)
}

func TestCallbackDisambiguatesUsernameCollision(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)
	require.NoError(t, f.db.Create(&models.User{
		Username: "octocat",
		Email:    "other@example.com",
		Password: hashed,
		Enabled:  true,
		IsActive: true,
	}).Error)

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)

	result, err := f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.NoError(t, err)
	require.NotEqual(t, "octocat", result.User.Username)
	require.Regexp(t, `^octocat-\d+$`, result.User.Username)
}

func TestProvisionAdoptsAccountRegisteredConcurrently(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	// Simulates losing a provisioning race: the email lookup in
	// resolveUser found nothing, but another request registered the
	// address before our insert, so the unique index rejects it.
	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)
	existing := &models.User{
		Username: "someone-else",
		Email:    "octocat@example.com",
		Password: hashed,
		Enabled:  true,
		IsActive: true,
	}
	require.NoError(t, f.db.Create(existing).Error)

	details := &UserDetails{ExternalID: "12345", Email: "octocat@example.com", Name: "octocat"}
	adopted, err := f.manager.provision(ctx, "github", details, "octocat@example.com")
	require.NoError(t, err)
	require.Equal(t, existing.ID, adopted.ID)

	var connection models.OAuthConnection
	require.NoError(t, f.db.Where("provider = ? AND provider_id = ?", "github", "12345").Take(&connection).Error)
	require.Equal(t, existing.ID, connection.UserID)

	var count int64
	require.NoError(t, f.db.Model(&models.User{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestCallbackExchangeFailure(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)

	_, err = f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "bad-code", auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrProviderExchangeFailed)
}

func TestCallbackDeactivatedAccount(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	result, err := f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.User{}).
		Where("id = ?", result.User.ID).
		Update("is_active", false).Error)

	redirect, err = f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)
	_, err = f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestSanitiseUsername(t *testing.T) {
	require.Equal(t, "octo-cat", sanitiseUsername("Octo Cat"))
	require.Equal(t, "jane-doe42", sanitiseUsername("Jane.Doe42"))
	require.Equal(t, "", sanitiseUsername("!!!"))
	require.Equal(t, "user", deriveUsername(&UserDetails{Name: "###"}, "###@example.com"))
}

func TestCallbackIssuesChallengeForTwoFactorAccount(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)
	existing := &models.User{
		Username:         "octocat",
		Email:            "octocat@example.com",
		Password:         hashed,
		Enabled:          true,
		IsActive:         true,
		TwoFactorEnabled: true,
	}
	require.NoError(t, f.db.Create(existing).Error)

	redirect, err := f.manager.AuthorizationURL(ctx, "github")
	require.NoError(t, err)

	result, err := f.manager.HandleCallback(ctx, "github", stateFromURL(t, redirect), "good-code", auth.SessionMetadata{})
	require.NoError(t, err)
	require.True(t, result.RequiresTwoFactor)
	require.NotEmpty(t, result.ChallengeToken)
	require.Empty(t, result.SessionToken)

	require.Equal(t, "github", result.ChallengeProvider)

	challenge, err := f.challenges.Lookup(ctx, result.ChallengeToken)
	require.NoError(t, err)
	require.Equal(t, existing.ID, challenge.UserID)
	require.Equal(t, "github", challenge.Provider)

	var sessionCount int64
	require.NoError(t, f.db.Model(&models.Session{}).Count(&sessionCount).Error)
	require.Zero(t, sessionCount, "session must wait for the second factor")
}
