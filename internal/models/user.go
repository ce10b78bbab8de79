package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User is a platform account reachable through local credentials or a linked
// OAuth2 identity. Email is stored lowercased; lookups must normalise first.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	// Enabled flips when the email address is confirmed; IsActive is the
	// administrative kill switch.
	Enabled  bool `gorm:"default:false" json:"enabled"`
	IsActive bool `gorm:"default:true" json:"is_active"`

	TwoFactorEnabled       bool           `gorm:"default:false" json:"two_factor_enabled"`
	TwoFactorSecret        *string        `json:"-"`
	TwoFactorRecoveryCodes datatypes.JSON `json:"-"`

	Roles []Role `gorm:"many2many:user_roles;" json:"roles,omitempty"`

	OAuthConnections []OAuthConnection `gorm:"foreignKey:UserID" json:"-"`
	Sessions         []Session         `gorm:"foreignKey:UserID" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// PublicUser is the outward-facing projection of a User. The password hash and
// second-factor material never leave the model layer.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Public returns the user summary safe for API responses and redirects.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
	}
}
