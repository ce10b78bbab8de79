package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/models"
	"github.com/zovohq/zovo/internal/ratelimit"
	"github.com/zovohq/zovo/pkg/crypto"
	apperrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/logger"
	"github.com/zovohq/zovo/pkg/metrics"
)

// Rate-limit action names. Each action keeps its own counters.
const (
	ActionLogin     = "login"
	ActionRegister  = "register"
	ActionTwoFactor = "2fa"
)

// MethodLocal marks logins that arrived with email/password credentials, as
// opposed to an OAuth2 provider name.
const MethodLocal = "local"

// RoleSource resolves roles for new accounts. Satisfied by services.RoleService.
type RoleSource interface {
	Default(ctx context.Context) (*models.Role, error)
}

// ConfirmationSender mails the initial email confirmation link. Satisfied by
// services.AccountService.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, user *models.User) error
}

// LoginInput carries the credentials and client context of a login attempt.
type LoginInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// RegisterInput captures the details required to register a new account. The
// client address keys the registration rate limit.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	IPAddress string
}

// LoginResult is the outcome of a credential check. When the account has a
// second factor, the session fields stay empty and ChallengeToken carries the
// pending login; ChallengeProvider names the path that produced it so the
// client can route to the matching completion URL.
type LoginResult struct {
	RequiresTwoFactor bool
	ChallengeToken    string
	ChallengeProvider string
	SessionToken      string
	Session           *models.Session
	User              models.PublicUser
}

// Authenticator orchestrates password logins, two-factor completion and
// registration. All failure counting runs through the fixed-window limiter.
type Authenticator struct {
	db         *gorm.DB
	limiter    *ratelimit.Limiter
	sessions   *SessionService
	twoFactor  *twofactor.Service
	challenges *twofactor.ChallengeService
	roles      RoleSource
	confirmer  ConfirmationSender
}

// NewAuthenticator wires the login pipeline.
func NewAuthenticator(
	db *gorm.DB,
	limiter *ratelimit.Limiter,
	sessions *SessionService,
	twoFactor *twofactor.Service,
	challenges *twofactor.ChallengeService,
	roles RoleSource,
	confirmer ConfirmationSender,
) (*Authenticator, error) {
	if db == nil {
		return nil, errors.New("authenticator: db is required")
	}
	if limiter == nil {
		return nil, errors.New("authenticator: rate limiter is required")
	}
	if sessions == nil {
		return nil, errors.New("authenticator: session service is required")
	}
	if twoFactor == nil {
		return nil, errors.New("authenticator: two-factor service is required")
	}
	if challenges == nil {
		return nil, errors.New("authenticator: challenge service is required")
	}
	if roles == nil {
		return nil, errors.New("authenticator: role source is required")
	}

	return &Authenticator{
		db:         db,
		limiter:    limiter,
		sessions:   sessions,
		twoFactor:  twoFactor,
		challenges: challenges,
		roles:      roles,
		confirmer:  confirmer,
	}, nil
}

// Login checks a credential pair. Accounts with two-factor enabled get a
// challenge token instead of a session; the attempt only counts as successful
// once the second factor is redeemed.
func (a *Authenticator) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, apperrors.ErrInvalidCredentials
	}

	limited, remaining, err := a.limiter.IsLimited(ctx, ActionLogin, email)
	if err != nil {
		return nil, apperrors.ErrServiceUnavailable.WithInternal(err)
	}
	if limited {
		metrics.AuthAttempts.WithLabelValues(MethodLocal, "failure").Inc()
		return nil, apperrors.NewTooManyAttempts(remaining)
	}

	user, err := a.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			return nil, a.failLogin(ctx, email)
		}
		return nil, err
	}

	if !crypto.VerifyPassword(user.Password, input.Password) {
		return nil, a.failLogin(ctx, email)
	}

	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues(MethodLocal, "failure").Inc()
		return nil, apperrors.ErrForbidden.WithMessage("Account is deactivated")
	}
	if !user.Enabled {
		metrics.AuthAttempts.WithLabelValues(MethodLocal, "failure").Inc()
		return nil, apperrors.ErrUnauthorized.WithMessage("Confirm your email address before signing in")
	}

	if user.TwoFactorEnabled {
		challengeToken, err := a.challenges.Issue(ctx, user.ID, MethodLocal)
		if err != nil {
			return nil, err
		}
		metrics.AuthAttempts.WithLabelValues(MethodLocal, "challenge").Inc()
		return &LoginResult{
			RequiresTwoFactor: true,
			ChallengeToken:    challengeToken,
			ChallengeProvider: MethodLocal,
			User:              user.Public(),
		}, nil
	}

	return a.completeLogin(ctx, user, MethodLocal, input.IPAddress, input.UserAgent)
}

// CompleteTwoFactor redeems a challenge token with a TOTP or recovery code
// and issues the withheld session. Wrong codes count against the two-factor
// rate limit keyed by the pending user, not the client address.
func (a *Authenticator) CompleteTwoFactor(ctx context.Context, challengeToken, code, ipAddress, userAgent string) (*LoginResult, error) {
	challenge, err := a.challenges.Redeem(ctx, challengeToken, code, func(ctx context.Context, userID, code string) error {
		limited, remaining, err := a.limiter.IsLimited(ctx, ActionTwoFactor, userID)
		if err != nil {
			return apperrors.ErrServiceUnavailable.WithInternal(err)
		}
		if limited {
			return apperrors.NewTooManyAttempts(remaining)
		}

		user, err := a.userByID(ctx, userID)
		if err != nil {
			return err
		}

		if err := a.twoFactor.VerifyCode(ctx, user, code); err != nil {
			if exhausted, lockout, recErr := a.limiter.RecordFailure(ctx, ActionTwoFactor, userID); recErr == nil && exhausted {
				return apperrors.NewTooManyAttempts(lockout)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := a.limiter.Reset(ctx, ActionTwoFactor, challenge.UserID); err != nil {
		logger.Warn("two-factor limiter reset failed", zap.Error(err))
	}

	user, err := a.userByID(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}

	method := challenge.Provider
	if method == "" {
		method = MethodLocal
	}
	return a.completeLogin(ctx, user, method, ipAddress, userAgent)
}

// Register creates a disabled account with the default role and mails the
// confirmation link. The account cannot sign in until the link is redeemed.
// Attempts are rate-limited per client address so a single host cannot churn
// through identities.
func (a *Authenticator) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	var user *models.User
	err := a.limiter.Do(ctx, ActionRegister, input.IPAddress, func() error {
		created, err := a.register(ctx, input)
		if err != nil {
			return err
		}
		user = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (a *Authenticator) register(ctx context.Context, input RegisterInput) (*models.User, error) {
	username := strings.TrimSpace(input.Username)
	email := normalizeEmail(input.Email)
	if username == "" || email == "" || input.Password == "" {
		return nil, apperrors.ErrBadRequest.WithMessage("Username, email and password are required")
	}

	var existing int64
	err := a.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR LOWER(username) = LOWER(?)", email, username).
		Count(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("authenticator: check existing identity: %w", err)
	}
	if existing > 0 {
		return nil, apperrors.ErrDuplicateIdentity
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("authenticator: hash password: %w", err)
	}

	role, err := a.roles.Default(ctx)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username: username,
		Email:    email,
		Password: hashed,
		Enabled:  false,
		IsActive: true,
		Roles:    []models.Role{*role},
	}

	if err := a.db.WithContext(ctx).Create(user).Error; err != nil {
		// A concurrent registration can slip past the pre-check and land on
		// the unique index instead.
		if isUniqueViolation(err) {
			return nil, apperrors.ErrDuplicateIdentity
		}
		return nil, fmt.Errorf("authenticator: create user: %w", err)
	}

	if a.confirmer != nil {
		if err := a.confirmer.SendConfirmation(ctx, user); err != nil {
			logger.Error("sending confirmation mail failed",
				zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	return user, nil
}

// Logout revokes the session behind a cookie token. Unknown tokens are not an
// error; logout is idempotent.
func (a *Authenticator) Logout(ctx context.Context, sessionToken string) error {
	session, err := a.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return nil
	}
	err = a.sessions.Revoke(ctx, session.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

func (a *Authenticator) completeLogin(ctx context.Context, user *models.User, method, ipAddress, userAgent string) (*LoginResult, error) {
	now := a.sessions.now()
	ip := strings.TrimSpace(ipAddress)
	err := a.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"last_login_at": now,
		"last_login_ip": ip,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("authenticator: update last login: %w", err)
	}

	token, session, err := a.sessions.Create(ctx, user.ID, SessionMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}

	if err := a.limiter.Reset(ctx, ActionLogin, user.Email); err != nil {
		logger.Warn("login limiter reset failed", zap.Error(err))
	}

	metrics.AuthAttempts.WithLabelValues(method, "success").Inc()
	logger.Info("login succeeded",
		zap.String("user_id", user.ID),
		zap.String("method", method),
	)

	return &LoginResult{
		SessionToken: token,
		Session:      session,
		User:         user.Public(),
	}, nil
}

func (a *Authenticator) failLogin(ctx context.Context, email string) error {
	metrics.AuthAttempts.WithLabelValues(MethodLocal, "failure").Inc()

	exhausted, lockout, err := a.limiter.RecordFailure(ctx, ActionLogin, email)
	if err == nil && exhausted {
		return apperrors.NewTooManyAttempts(lockout)
	}
	return apperrors.ErrInvalidCredentials
}

func (a *Authenticator) userByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authenticator: query user: %w", err)
	}
	return &user, nil
}

func (a *Authenticator) userByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("authenticator: query user: %w", err)
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
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
