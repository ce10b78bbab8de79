package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "https://zovo.example.com", cfg.Server.BaseURL)
	require.True(t, cfg.Server.Cookie.Secure)
	require.Equal(t, "zovo.example.com", cfg.Server.Cookie.Domain)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "redis.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)

	require.Equal(t, "file-session-secret", cfg.Auth.Session.Secret)
	require.Equal(t, 12*time.Hour, cfg.Auth.Session.TTL)
	require.Equal(t, 3, cfg.Auth.Lockout.MaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.Auth.Lockout.Window)
	require.Equal(t, 2*time.Minute, cfg.Auth.TwoFactor.ChallengeTTL)
	require.Equal(t, 30*time.Minute, cfg.Auth.RoleCacheTTL)
	require.Equal(t, "file-passphrase", cfg.Auth.EncryptionPassphrase)

	require.True(t, cfg.OAuth.GitHub.Enabled)
	require.Equal(t, "gh-client", cfg.OAuth.GitHub.ClientID)
	require.False(t, cfg.OAuth.Google.Enabled)

	require.True(t, cfg.Email.SMTP.Enabled)
	require.Equal(t, 465, cfg.Email.SMTP.Port)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.False(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, 24*time.Hour, cfg.Auth.Session.TTL)
	require.Equal(t, 5, cfg.Auth.Lockout.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.Auth.Lockout.Window)
	require.Equal(t, "Zovo", cfg.Auth.TwoFactor.Issuer)
	require.Equal(t, 5*time.Minute, cfg.Auth.TwoFactor.ChallengeTTL)
	require.Equal(t, 24*time.Hour, cfg.Auth.Account.ConfirmationTTL)
	require.Equal(t, time.Hour, cfg.Auth.Account.ResetTTL)
	require.Equal(t, time.Hour, cfg.Auth.RoleCacheTTL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ZOVO_SERVER_PORT", "4242")
	t.Setenv("ZOVO_AUTH_SESSION_SECRET", "env-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 4242, cfg.Server.Port)
	require.Equal(t, "env-secret", cfg.Auth.Session.Secret)
}

func TestValidateRejectsMissingSecrets(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Error(t, cfg.Validate())

	cfg.Auth.Session.Secret = "secret"
	require.Error(t, cfg.Validate(), "encryption passphrase still missing")

	cfg.Auth.EncryptionPassphrase = "passphrase"
	require.NoError(t, cfg.Validate())
}
