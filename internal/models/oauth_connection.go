package models

// OAuthConnection links an external (provider, provider id) identity to a
// local user. The pair is unique at the store level: concurrent duplicate
// callbacks race on the constraint and the loser re-reads the winner's row.
type OAuthConnection struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"-"`

	Provider   string `gorm:"not null;uniqueIndex:idx_oauth_provider_subject" json:"provider"`
	ProviderID string `gorm:"not null;uniqueIndex:idx_oauth_provider_subject" json:"provider_id"`

	// Denormalised copies of what the provider reported at link time.
	Email string `json:"email"`
	Name  string `json:"name"`
}
