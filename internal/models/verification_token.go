package models

import "time"

// VerificationTokenType distinguishes the account-lifecycle flows a token can
// authorise.
type VerificationTokenType string

const (
	TokenConfirmEmail  VerificationTokenType = "confirm_email"
	TokenPasswordReset VerificationTokenType = "password_reset"
)

// VerificationToken is a single-use token mailed to the user for email
// confirmation or password reset. Expired rows are purged by maintenance.
type VerificationToken struct {
	BaseModel

	Token  string                `gorm:"uniqueIndex;not null" json:"-"`
	Type   VerificationTokenType `gorm:"not null;index" json:"type"`
	UserID string                `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User                 `gorm:"foreignKey:UserID" json:"-"`

	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

// Expired reports whether the token is past its validity window.
func (t *VerificationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
