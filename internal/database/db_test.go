package database

import (
	"testing"

	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/models"
)

func TestOpenSQLiteMemory(t *testing.T) {
	db := openTestDB(t)

	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("expected health query to succeed: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestAutoMigrateAndSeedData(t *testing.T) {
	db := openTestDB(t)

	if err := AutoMigrateAndSeed(db); err != nil {
		t.Fatalf("auto migrate and seed failed: %v", err)
	}

	var role models.Role
	if err := db.Where("name = ?", models.DefaultRoleName).Take(&role).Error; err != nil {
		t.Fatalf("expected default role to be seeded: %v", err)
	}

	// Seeding twice must not duplicate the role.
	if err := SeedData(db); err != nil {
		t.Fatalf("reseed failed: %v", err)
	}
	var count int64
	if err := db.Model(&models.Role{}).Where("name = ?", models.DefaultRoleName).Count(&count).Error; err != nil {
		t.Fatalf("count roles: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 default role, got %d", count)
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
