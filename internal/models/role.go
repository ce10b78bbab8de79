package models

// DefaultRoleName is assigned to every account created through registration
// or OAuth2 provisioning. It must exist as seed data.
const DefaultRoleName = "ROLE_USER"

// Role is immutable reference data; it is read far more often than written
// and therefore served through the TTL cache.
type Role struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`

	Users []User `gorm:"many2many:user_roles;" json:"-"`
}
