package twofactor

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/models"
	"github.com/zovohq/zovo/pkg/crypto"
	apperrors "github.com/zovohq/zovo/pkg/errors"
)

const (
	defaultIssuer            = "Zovo"
	defaultRecoveryCodeCount = 10
	defaultQRCodeSize        = 256
)

// Option allows customising the TOTP service.
type Option func(*Service)

// WithIssuer overrides the issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithRecoveryCodeCount overrides the number of recovery codes generated.
func WithRecoveryCodeCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.recoveryCodes = count
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Enrollment is handed back once when two-factor is being set up. The plain
// secret and recovery codes are never retrievable afterwards.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCodePNG       []byte   `json:"qr_code_png"`
	RecoveryCodes   []string `json:"recovery_codes"`
}

// Status summarises a user's second-factor state.
type Status struct {
	Enabled                bool `json:"enabled"`
	RemainingRecoveryCodes int  `json:"remaining_recovery_codes"`
}

// Service manages per-user TOTP secrets and recovery codes. Secrets are
// encrypted at rest; recovery codes are stored bcrypt-hashed and each one is
// consumable exactly once.
type Service struct {
	db     *gorm.DB
	cipher *crypto.SecretCipher

	issuer        string
	recoveryCodes int
	qrCodeSize    int
	now           func() time.Time
}

// NewService constructs a two-factor service backed by the provided database.
func NewService(db *gorm.DB, cipher *crypto.SecretCipher, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("twofactor: db is required")
	}
	if cipher == nil {
		return nil, errors.New("twofactor: secret cipher is required")
	}

	service := &Service{
		db:            db,
		cipher:        cipher,
		issuer:        defaultIssuer,
		recoveryCodes: defaultRecoveryCodeCount,
		qrCodeSize:    defaultQRCodeSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// BeginEnrollment provisions a fresh secret and recovery codes for a user.
// The user keeps two-factor disabled until Enable confirms possession of the
// authenticator. Re-running enrollment replaces any pending secret.
func (s *Service) BeginEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, apperrors.ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: generate key: %w", err)
	}

	recoveryCodes := make([]string, s.recoveryCodes)
	hashedCodes := make([]string, s.recoveryCodes)
	for i := range recoveryCodes {
		code, err := generateRecoveryCode()
		if err != nil {
			return nil, fmt.Errorf("twofactor: generate recovery code: %w", err)
		}
		hash, err := crypto.HashPassword(code)
		if err != nil {
			return nil, fmt.Errorf("twofactor: hash recovery code: %w", err)
		}
		recoveryCodes[i] = code
		hashedCodes[i] = hash
	}

	sealedSecret, err := s.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, apperrors.ErrEncryptionFailed.WithInternal(err)
	}

	codesJSON, err := json.Marshal(hashedCodes)
	if err != nil {
		return nil, fmt.Errorf("twofactor: marshal recovery codes: %w", err)
	}

	updates := map[string]any{
		"two_factor_secret":         sealedSecret,
		"two_factor_recovery_codes": datatypes.JSON(codesJSON),
		"two_factor_enabled":        false,
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("twofactor: store secret: %w", err)
	}

	png, err := qrcode.Encode(key.String(), qrcode.Medium, s.qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("twofactor: encode qr code: %w", err)
	}

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.String(),
		QRCodePNG:       png,
		RecoveryCodes:   recoveryCodes,
	}, nil
}

// Enable confirms enrollment by checking a code from the authenticator and
// flips the user's two-factor flag.
func (s *Service) Enable(ctx context.Context, userID, code string) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorEnabled {
		return apperrors.ErrTwoFactorAlreadyEnabled
	}
	if user.TwoFactorSecret == nil || *user.TwoFactorSecret == "" {
		return apperrors.ErrTwoFactorNotEnabled
	}

	if !s.validateTOTP(user, code) {
		return apperrors.ErrInvalidTwoFactorCode
	}

	return s.db.WithContext(ctx).Model(user).Update("two_factor_enabled", true).Error
}

// Disable turns two-factor off after re-verifying a code, wiping the secret
// and all recovery codes.
func (s *Service) Disable(ctx context.Context, userID, code string) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return apperrors.ErrTwoFactorNotEnabled
	}

	if err := s.VerifyCode(ctx, user, code); err != nil {
		return err
	}

	updates := map[string]any{
		"two_factor_enabled":        false,
		"two_factor_secret":         nil,
		"two_factor_recovery_codes": nil,
	}
	return s.db.WithContext(ctx).Model(user).Updates(updates).Error
}

// Status reports whether two-factor is on and how many recovery codes remain.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	remaining := 0
	if len(user.TwoFactorRecoveryCodes) > 0 {
		var hashedCodes []string
		if err := json.Unmarshal(user.TwoFactorRecoveryCodes, &hashedCodes); err != nil {
			return Status{}, fmt.Errorf("twofactor: unmarshal recovery codes: %w", err)
		}
		remaining = len(hashedCodes)
	}

	return Status{
		Enabled:                user.TwoFactorEnabled,
		RemainingRecoveryCodes: remaining,
	}, nil
}

// VerifyCode accepts either a current TOTP code or an unused recovery code.
// A matched recovery code is consumed before the call returns.
func (s *Service) VerifyCode(ctx context.Context, user *models.User, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return apperrors.ErrInvalidTwoFactorCode
	}

	if s.validateTOTP(user, code) {
		return nil
	}

	consumed, err := s.consumeRecoveryCode(ctx, user, code)
	if err != nil {
		return err
	}
	if !consumed {
		return apperrors.ErrInvalidTwoFactorCode
	}
	return nil
}

func (s *Service) validateTOTP(user *models.User, code string) bool {
	if user.TwoFactorSecret == nil || *user.TwoFactorSecret == "" {
		return false
	}

	rawSecret, err := s.cipher.Decrypt(*user.TwoFactorSecret)
	if err != nil {
		return false
	}

	// Validated against the service clock so tests can pin the window.
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), rawSecret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

func (s *Service) consumeRecoveryCode(ctx context.Context, user *models.User, code string) (bool, error) {
	if len(user.TwoFactorRecoveryCodes) == 0 {
		return false, nil
	}

	var hashedCodes []string
	if err := json.Unmarshal(user.TwoFactorRecoveryCodes, &hashedCodes); err != nil {
		return false, fmt.Errorf("twofactor: unmarshal recovery codes: %w", err)
	}

	matched := -1
	for i, stored := range hashedCodes {
		if crypto.VerifyPassword(stored, code) {
			matched = i
			break
		}
	}
	if matched < 0 {
		return false, nil
	}

	hashedCodes = append(hashedCodes[:matched], hashedCodes[matched+1:]...)
	encoded, err := json.Marshal(hashedCodes)
	if err != nil {
		return false, fmt.Errorf("twofactor: marshal recovery codes: %w", err)
	}

	err = s.db.WithContext(ctx).Model(user).
		Update("two_factor_recovery_codes", datatypes.JSON(encoded)).Error
	if err != nil {
		return false, fmt.Errorf("twofactor: update recovery codes: %w", err)
	}
	user.TwoFactorRecoveryCodes = datatypes.JSON(encoded)
	return true, nil
}

func (s *Service) loadUser(ctx context.Context, userID string) (*models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.ErrNotFound
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("twofactor: load user: %w", err)
	}
	return &user, nil
}

func generateRecoveryCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(buf)[:8], nil
}
