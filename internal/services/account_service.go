package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/models"
	"github.com/zovohq/zovo/pkg/crypto"
	apperrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/logger"
	"github.com/zovohq/zovo/pkg/mail"
)

const (
	// DefaultConfirmationTTL bounds how long an email confirmation link stays valid.
	DefaultConfirmationTTL = 24 * time.Hour
	// DefaultResetTTL bounds how long a password reset link stays valid.
	DefaultResetTTL = time.Hour

	verificationTokenLength = 32
)

// SessionRevoker invalidates every live session of a user. Satisfied by the
// session service; password resets must not leave old logins alive.
type SessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID string) error
}

// AccountConfig tunes the account lifecycle service.
type AccountConfig struct {
	BaseURL         string
	ConfirmationTTL time.Duration
	ResetTTL        time.Duration
	Clock           func() time.Time
}

// AccountService drives the mailed-token account flows: confirming a new
// address and resetting a forgotten password.
type AccountService struct {
	db       *gorm.DB
	mailer   mail.Mailer
	sessions SessionRevoker

	baseURL         string
	confirmationTTL time.Duration
	resetTTL        time.Duration
	now             func() time.Time
}

// NewAccountService wires the lifecycle flows. The mailer may be nil, in
// which case links are logged instead of delivered; useful in development.
func NewAccountService(db *gorm.DB, mailer mail.Mailer, sessions SessionRevoker, cfg AccountConfig) (*AccountService, error) {
	if db == nil {
		return nil, errors.New("account service: db is required")
	}

	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = DefaultConfirmationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &AccountService{
		db:              db,
		mailer:          mailer,
		sessions:        sessions,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		confirmationTTL: cfg.ConfirmationTTL,
		resetTTL:        cfg.ResetTTL,
		now:             clock,
	}, nil
}

// SendConfirmation mails a fresh confirmation link to the user. Earlier
// confirmation tokens for the same user are superseded.
func (s *AccountService) SendConfirmation(ctx context.Context, user *models.User) error {
	token, err := s.issueToken(ctx, user.ID, models.TokenConfirmEmail, s.confirmationTTL)
	if err != nil {
		return err
	}

	link := fmt.Sprintf("%s/auth/confirm?token=%s", s.baseURL, token)
	body := fmt.Sprintf("Welcome to Zovo, %s!\r\n\r\nConfirm your email address by opening:\r\n%s\r\n\r\nThe link expires in %d hours.", user.Username, link, int(s.confirmationTTL.Hours()))

	return s.deliver(ctx, user.Email, "Confirm your Zovo account", body, link)
}

// ConfirmEmail redeems a confirmation token and enables the account.
func (s *AccountService) ConfirmEmail(ctx context.Context, token string) (*models.User, error) {
	record, err := s.redeemToken(ctx, token, models.TokenConfirmEmail)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", record.UserID).Error; err != nil {
		return nil, fmt.Errorf("account service: load user: %w", err)
	}

	if !user.Enabled {
		if err := s.db.WithContext(ctx).Model(&user).Update("enabled", true).Error; err != nil {
			return nil, fmt.Errorf("account service: enable user: %w", err)
		}
		user.Enabled = true
	}
	return &user, nil
}

// RequestPasswordReset mails a reset link when the address belongs to an
// account. Unknown addresses return success so the endpoint cannot be used
// to enumerate users.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Debug("password reset for unknown address")
		return nil
	}
	if err != nil {
		return fmt.Errorf("account service: query user: %w", err)
	}

	token, err := s.issueToken(ctx, user.ID, models.TokenPasswordReset, s.resetTTL)
	if err != nil {
		return err
	}

	link := fmt.Sprintf("%s/auth/reset-password?token=%s", s.baseURL, token)
	body := fmt.Sprintf("Hi %s,\r\n\r\nReset your Zovo password by opening:\r\n%s\r\n\r\nThe link expires in %d minutes. If you did not ask for this, ignore this mail.", user.Username, link, int(s.resetTTL.Minutes()))

	return s.deliver(ctx, user.Email, "Reset your Zovo password", body, link)
}

// ResetPassword redeems a reset token, replaces the password and revokes all
// of the user's sessions.
func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if newPassword == "" {
		return apperrors.ErrBadRequest.WithMessage("New password is required")
	}

	record, err := s.redeemToken(ctx, token, models.TokenPasswordReset)
	if err != nil {
		return err
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("account service: hash password: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", record.UserID).
		Update("password", hashed).Error
	if err != nil {
		return fmt.Errorf("account service: update password: %w", err)
	}

	if s.sessions != nil {
		if err := s.sessions.RevokeUserSessions(ctx, record.UserID); err != nil {
			logger.Warn("revoking sessions after password reset failed",
				zap.String("user_id", record.UserID), zap.Error(err))
		}
	}
	return nil
}

// CleanupExpired purges verification tokens past their expiry.
func (s *AccountService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.VerificationToken{})
	return result.RowsAffected, result.Error
}

func (s *AccountService) issueToken(ctx context.Context, userID string, kind models.VerificationTokenType, ttl time.Duration) (string, error) {
	token, err := crypto.GenerateToken(verificationTokenLength)
	if err != nil {
		return "", fmt.Errorf("account service: generate token: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND type = ?", userID, kind).
			Delete(&models.VerificationToken{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.VerificationToken{
			Token:     token,
			Type:      kind,
			UserID:    userID,
			ExpiresAt: s.now().Add(ttl),
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("account service: store token: %w", err)
	}
	return token, nil
}

func (s *AccountService) redeemToken(ctx context.Context, token string, kind models.VerificationTokenType) (*models.VerificationToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.ErrInvalidVerificationToken
	}

	var record models.VerificationToken
	err := s.db.WithContext(ctx).
		Where("token = ? AND type = ?", token, kind).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrInvalidVerificationToken
	}
	if err != nil {
		return nil, fmt.Errorf("account service: query token: %w", err)
	}

	if record.Expired(s.now()) {
		_ = s.db.WithContext(ctx).Delete(&record).Error
		return nil, apperrors.ErrInvalidVerificationToken
	}

	if err := s.db.WithContext(ctx).Delete(&record).Error; err != nil {
		return nil, fmt.Errorf("account service: consume token: %w", err)
	}
	return &record, nil
}

func (s *AccountService) deliver(ctx context.Context, to, subject, body, link string) error {
	if s.mailer == nil {
		logger.Info("mailer disabled, printing link", zap.String("subject", subject), zap.String("link", link))
		return nil
	}

	err := s.mailer.Send(ctx, mail.Message{To: to, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("account service: send mail: %w", err)
	}
	return nil
}
