package oauth

import (
	"context"
	cryptoRand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/cache"
	"github.com/zovohq/zovo/internal/models"
	"github.com/zovohq/zovo/pkg/crypto"
	apperrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/logger"
	"github.com/zovohq/zovo/pkg/metrics"
)

const (
	// DefaultStateTTL bounds the time between redirecting to the provider
	// and the user landing back on the callback.
	DefaultStateTTL = 10 * time.Minute
	// DefaultExchangeTimeout caps outbound calls to the provider so a slow
	// upstream cannot pin callback handlers.
	DefaultExchangeTimeout = 10 * time.Second

	stateKeyPrefix      = "storage:oauth2:state:"
	stateTokenLength    = 32
	placeholderTokenLen = 48
	usernameMaxAttempts = 50
)

// ManagerConfig tunes the OAuth2 login manager. Challenges is what accounts
// with a second factor land on instead of a session.
type ManagerConfig struct {
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	Clock           func() time.Time
	Challenges      *twofactor.ChallengeService
}

// Manager drives the full OAuth2 login: minting authorization redirects,
// verifying callback state, exchanging the code and mapping the upstream
// identity onto a local account.
type Manager struct {
	db       *gorm.DB
	registry *Registry
	store    cache.Store
	sessions *auth.SessionService
	roles    auth.RoleSource

	stateTTL        time.Duration
	exchangeTimeout time.Duration
	now             func() time.Time
	challenges      *twofactor.ChallengeService
}

// NewManager wires the OAuth2 login pipeline.
func NewManager(db *gorm.DB, registry *Registry, store cache.Store, sessions *auth.SessionService, roles auth.RoleSource, cfg ManagerConfig) (*Manager, error) {
	if db == nil {
		return nil, errors.New("oauth manager: db is required")
	}
	if registry == nil {
		return nil, errors.New("oauth manager: registry is required")
	}
	if store == nil {
		return nil, errors.New("oauth manager: cache store is required")
	}
	if sessions == nil {
		return nil, errors.New("oauth manager: session service is required")
	}
	if roles == nil {
		return nil, errors.New("oauth manager: role source is required")
	}

	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &Manager{
		db:              db,
		registry:        registry,
		store:           store,
		sessions:        sessions,
		roles:           roles,
		stateTTL:        cfg.StateTTL,
		exchangeTimeout: cfg.ExchangeTimeout,
		now:             clock,
		challenges:      cfg.Challenges,
	}, nil
}

// AuthorizationURL mints a state token, parks it in the cache and returns the
// provider redirect carrying it.
func (m *Manager) AuthorizationURL(ctx context.Context, providerName string) (string, error) {
	provider, err := m.registry.Get(providerName)
	if err != nil {
		return "", err
	}

	state, err := crypto.GenerateToken(stateTokenLength)
	if err != nil {
		return "", fmt.Errorf("oauth manager: generate state: %w", err)
	}

	if err := m.store.Set(ctx, stateKey(state), []byte(provider.Name()), m.stateTTL); err != nil {
		return "", fmt.Errorf("oauth manager: store state: %w", err)
	}

	return provider.AuthCodeURL(state), nil
}

// HandleCallback finishes an OAuth2 login. The state token is consumed before
// anything else happens, so a replayed callback dies immediately.
func (m *Manager) HandleCallback(ctx context.Context, providerName, state, code string, meta auth.SessionMetadata) (*auth.LoginResult, error) {
	provider, err := m.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	if err := m.consumeState(ctx, provider.Name(), state); err != nil {
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.exchangeTimeout)
	defer cancel()

	token, err := provider.Exchange(exchangeCtx, code)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(provider.Name(), "failure").Inc()
		return nil, err
	}

	details, err := provider.FetchUser(exchangeCtx, token)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(provider.Name(), "failure").Inc()
		return nil, err
	}
	if strings.TrimSpace(details.ExternalID) == "" {
		metrics.AuthAttempts.WithLabelValues(provider.Name(), "failure").Inc()
		return nil, apperrors.ErrProviderExchangeFailed
	}

	user, err := m.resolveUser(ctx, provider.Name(), details)
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues(provider.Name(), "failure").Inc()
		return nil, apperrors.ErrForbidden.WithMessage("Account is deactivated")
	}

	if user.TwoFactorEnabled {
		if m.challenges == nil {
			return nil, fmt.Errorf("oauth manager: account %s requires a second factor but no challenge service is configured", user.ID)
		}
		challengeToken, err := m.challenges.Issue(ctx, user.ID, provider.Name())
		if err != nil {
			return nil, err
		}
		metrics.AuthAttempts.WithLabelValues(provider.Name(), "challenge").Inc()
		return &auth.LoginResult{
			RequiresTwoFactor: true,
			ChallengeToken:    challengeToken,
			ChallengeProvider: provider.Name(),
			User:              user.Public(),
		}, nil
	}

	now := m.now()
	ip := strings.TrimSpace(meta.IPAddress)
	err = m.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"last_login_at": now,
		"last_login_ip": ip,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("oauth manager: update last login: %w", err)
	}

	sessionToken, session, err := m.sessions.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}

	metrics.AuthAttempts.WithLabelValues(provider.Name(), "success").Inc()
	logger.Info("oauth login succeeded",
		zap.String("provider", provider.Name()),
		zap.String("user_id", user.ID),
	)

	return &auth.LoginResult{
		SessionToken: sessionToken,
		Session:      session,
		User:         user.Public(),
	}, nil
}

// consumeState checks the callback state against the cache and removes it.
// Missing, expired and cross-provider states are all rejected the same way.
func (m *Manager) consumeState(ctx context.Context, providerName, state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return apperrors.ErrUnauthorized.WithMessage("Missing OAuth2 state")
	}

	value, ok, err := m.store.Get(ctx, stateKey(state))
	if err != nil {
		return fmt.Errorf("oauth manager: load state: %w", err)
	}
	if !ok || string(value) != providerName {
		return apperrors.ErrUnauthorized.WithMessage("Invalid or expired OAuth2 state")
	}
	return m.store.Delete(ctx, stateKey(state))
}

// resolveUser maps an upstream identity to a local account: an existing link
// wins, then an email match gains a link, and otherwise a fresh account is
// provisioned.
func (m *Manager) resolveUser(ctx context.Context, providerName string, details *UserDetails) (*models.User, error) {
	var connection models.OAuthConnection
	err := m.db.WithContext(ctx).
		Where("provider = ? AND provider_id = ?", providerName, details.ExternalID).
		Take(&connection).Error
	switch {
	case err == nil:
		var user models.User
		if err := m.db.WithContext(ctx).Take(&user, "id = ?", connection.UserID).Error; err != nil {
			return nil, fmt.Errorf("oauth manager: load linked user: %w", err)
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No link yet; fall through to email matching.
	default:
		return nil, fmt.Errorf("oauth manager: query connection: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(details.Email))
	if email == "" {
		return nil, apperrors.ErrProviderExchangeFailed.WithMessage("Provider did not supply an email address")
	}

	var user models.User
	err = m.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	switch {
	case err == nil:
		if err := m.link(ctx, providerName, details, user.ID); err != nil {
			return nil, err
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return m.provision(ctx, providerName, details, email)
	default:
		return nil, fmt.Errorf("oauth manager: query user: %w", err)
	}
}

// link records the (provider, subject) pair for a user. Two concurrent
// callbacks race on the unique index; the loser adopts the winner's row.
func (m *Manager) link(ctx context.Context, providerName string, details *UserDetails, userID string) error {
	connection := &models.OAuthConnection{
		UserID:     userID,
		Provider:   providerName,
		ProviderID: details.ExternalID,
		Email:      details.Email,
		Name:       details.Name,
	}

	err := m.db.WithContext(ctx).Create(connection).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("oauth manager: create connection: %w", err)
	}

	var existing models.OAuthConnection
	readErr := m.db.WithContext(ctx).
		Where("provider = ? AND provider_id = ?", providerName, details.ExternalID).
		Take(&existing).Error
	if readErr != nil {
		return fmt.Errorf("oauth manager: reread connection: %w", readErr)
	}
	if existing.UserID != userID {
		return apperrors.ErrDuplicateIdentity
	}
	return nil
}

// provision creates a local account for a first-time OAuth2 login. The email
// arrives verified by the provider, so the account starts enabled. The random
// password is unusable until the user runs a password reset.
func (m *Manager) provision(ctx context.Context, providerName string, details *UserDetails, email string) (*models.User, error) {
	placeholder, err := crypto.GenerateToken(placeholderTokenLen)
	if err != nil {
		return nil, fmt.Errorf("oauth manager: generate placeholder password: %w", err)
	}
	hashed, err := crypto.HashPassword(placeholder)
	if err != nil {
		return nil, fmt.Errorf("oauth manager: hash placeholder password: %w", err)
	}

	role, err := m.roles.Default(ctx)
	if err != nil {
		return nil, err
	}

	base := deriveUsername(details, email)

	for attempt := 0; attempt < usernameMaxAttempts; attempt++ {
		username := base
		if attempt > 0 {
			username = fmt.Sprintf("%s-%s", base, randomSuffix())
		}

		user := &models.User{
			Username: username,
			Email:    email,
			Password: hashed,
			Enabled:  true,
			IsActive: true,
			Roles:    []models.Role{*role},
		}

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(user).Error; err != nil {
				return err
			}
			connection := &models.OAuthConnection{
				UserID:     user.ID,
				Provider:   providerName,
				ProviderID: details.ExternalID,
				Email:      email,
				Name:       details.Name,
			}
			return tx.Create(connection).Error
		})
		if err == nil {
			return user, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("oauth manager: provision user: %w", err)
		}

		// A unique violation on the email or connection index means a
		// concurrent callback for the same person won the race; adopt its
		// rows instead of erroring the login. A username collision falls
		// through to the next suffix.
		if adopted, ok := m.adoptExisting(ctx, providerName, details, email); ok {
			return adopted, nil
		}
	}

	return nil, errors.New("oauth manager: unable to generate unique username")
}

// adoptExisting resolves the winner of a concurrent provisioning race: first
// by the (provider, subject) link, then by email, linking the identity when
// only the account exists yet.
func (m *Manager) adoptExisting(ctx context.Context, providerName string, details *UserDetails, email string) (*models.User, bool) {
	var connection models.OAuthConnection
	err := m.db.WithContext(ctx).
		Where("provider = ? AND provider_id = ?", providerName, details.ExternalID).
		Take(&connection).Error
	if err == nil {
		var user models.User
		if loadErr := m.db.WithContext(ctx).Take(&user, "id = ?", connection.UserID).Error; loadErr == nil {
			return &user, true
		}
		return nil, false
	}

	var user models.User
	if err := m.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error; err != nil {
		return nil, false
	}
	if err := m.link(ctx, providerName, details, user.ID); err != nil {
		return nil, false
	}
	return &user, true
}

// randomSuffix returns up to five decimal digits for username disambiguation.
// Random rather than sequential so provisioned names do not enumerate.
func randomSuffix() string {
	n, err := cryptoRand.Int(cryptoRand.Reader, big.NewInt(100000))
	if err != nil {
		return "0"
	}
	return n.String()
}

func deriveUsername(details *UserDetails, email string) string {
	if local, _, found := strings.Cut(email, "@"); found {
		if sanitised := sanitiseUsername(local); sanitised != "" {
			return sanitised
		}
	}
	if sanitised := sanitiseUsername(details.Name); sanitised != "" {
		return sanitised
	}
	return "user"
}

func sanitiseUsername(input string) string {
	input = strings.ToLower(strings.TrimSpace(input))
	var b strings.Builder
	var lastHyphen bool
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func stateKey(state string) string {
	return stateKeyPrefix + state
}
