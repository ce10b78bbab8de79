package database

import (
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.Session{},
		&models.OAuthConnection{},
		&models.VerificationToken{},
		&models.CacheEntry{},
	)
}

// SeedData populates the default role every new account receives.
func SeedData(db *gorm.DB) error {
	role := models.Role{
		Name:        models.DefaultRoleName,
		Description: "Standard user access",
	}

	return db.Where(models.Role{Name: role.Name}).
		Attrs(role).
		FirstOrCreate(&models.Role{}).Error
}
