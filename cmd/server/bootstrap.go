package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/api"
	"github.com/zovohq/zovo/internal/app"
	"github.com/zovohq/zovo/internal/app/maintenance"
	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/oauth"
	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/cache"
	"github.com/zovohq/zovo/internal/database"
	"github.com/zovohq/zovo/internal/handlers"
	"github.com/zovohq/zovo/internal/middleware"
	"github.com/zovohq/zovo/internal/ratelimit"
	"github.com/zovohq/zovo/internal/services"
	"github.com/zovohq/zovo/pkg/crypto"
	"github.com/zovohq/zovo/pkg/logger"
	"github.com/zovohq/zovo/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Redis    cache.Store
	Sessions *iauth.SessionService
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, cache, services and the HTTP router.
func bootstrapRuntime(_ context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	// The shared cache backs rate-limit counters, 2FA challenges, OAuth2
	// state and the role cache. Redis when available, the database otherwise.
	var store cache.Store = dbStore
	if cfg.Cache.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS:      cfg.Cache.Redis.TLS,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if redisErr != nil {
			log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(redisErr))
		} else {
			stack.Redis = client
			store = client
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		MaxAttempts: int64(cfg.Auth.Lockout.MaxAttempts),
		Window:      cfg.Auth.Lockout.Window,
	})

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:   cfg.Auth.Session.Secret,
		Issuer:   cfg.Auth.Session.Issuer,
		TokenTTL: cfg.Auth.Session.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	stack.Sessions, err = iauth.NewSessionService(stack.DB, jwtSvc, iauth.SessionConfig{
		SessionTTL: cfg.Auth.Session.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	cipher, err := crypto.NewSecretCipher(cfg.Auth.EncryptionPassphrase)
	if err != nil {
		return nil, fmt.Errorf("initialise secret cipher: %w", err)
	}

	twoFactorSvc, err := twofactor.NewService(stack.DB, cipher, twofactor.WithIssuer(cfg.Auth.TwoFactor.Issuer))
	if err != nil {
		return nil, fmt.Errorf("initialise two-factor service: %w", err)
	}

	challenges, err := twofactor.NewChallengeService(store, cfg.Auth.TwoFactor.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("initialise challenge service: %w", err)
	}

	roles, err := services.NewRoleService(stack.DB, store, cfg.Auth.RoleCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("initialise role service: %w", err)
	}

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		mailer, err = mail.NewSMTPMailer(mail.SMTPSettings{
			Enabled:  true,
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			From:     cfg.Email.SMTP.From,
			UseTLS:   cfg.Email.SMTP.UseTLS,
			Timeout:  cfg.Email.SMTP.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initialise mailer: %w", err)
		}
	} else {
		log.Warn("smtp disabled; account mails are logged instead of delivered")
	}

	accounts, err := services.NewAccountService(stack.DB, mailer, stack.Sessions, services.AccountConfig{
		BaseURL:         cfg.Server.BaseURL,
		ConfirmationTTL: cfg.Auth.Account.ConfirmationTTL,
		ResetTTL:        cfg.Auth.Account.ResetTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise account service: %w", err)
	}

	authenticator, err := iauth.NewAuthenticator(stack.DB, limiter, stack.Sessions, twoFactorSvc, challenges, roles, accounts)
	if err != nil {
		return nil, fmt.Errorf("initialise authenticator: %w", err)
	}

	oauthManager, err := buildOAuthManager(cfg, stack.DB, store, stack.Sessions, roles, challenges, log)
	if err != nil {
		return nil, err
	}

	stack.Cleaner = maintenance.NewCleaner(stack.Sessions, accounts, dbStore)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		DB:            stack.DB,
		Authenticator: authenticator,
		Sessions:      stack.Sessions,
		TwoFactor:     twoFactorSvc,
		OAuth:         oauthManager,
		Accounts:      accounts,
		Limiter:       limiter,
		Cookies: handlers.CookieConfig{
			Domain: cfg.Server.Cookie.Domain,
			Secure: cfg.Server.Cookie.Secure,
		},
		OAuthRedirects: handlers.OAuthRedirects{
			Success:   cfg.Server.BaseURL + "/",
			TwoFactor: cfg.Server.BaseURL + "/login/2fa",
			Failure:   cfg.Server.BaseURL + "/login",
		},
		Throttle: middleware.ThrottleConfig{
			RequestsPerSecond: float64(cfg.Server.Limits.RequestsPerSecond),
			Burst:             cfg.Server.Limits.Burst,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// buildOAuthManager registers the enabled providers. With none enabled the
// OAuth2 routes stay unmounted and nil is returned.
func buildOAuthManager(
	cfg *app.Config,
	db *gorm.DB,
	store cache.Store,
	sessions *iauth.SessionService,
	roles iauth.RoleSource,
	challenges *twofactor.ChallengeService,
	log *zap.Logger,
) (*oauth.Manager, error) {
	registry := oauth.NewRegistry()

	if cfg.OAuth.GitHub.Enabled {
		provider := oauth.NewGitHubProvider(oauth.GitHubConfig{
			ClientID:     cfg.OAuth.GitHub.ClientID,
			ClientSecret: cfg.OAuth.GitHub.ClientSecret,
			RedirectURL:  cfg.OAuth.GitHub.RedirectURL,
		})
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("register github provider: %w", err)
		}
	}

	if cfg.OAuth.Google.Enabled {
		provider := oauth.NewGoogleProvider(oauth.GoogleConfig{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
		})
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("register google provider: %w", err)
		}
	}

	if len(registry.Names()) == 0 {
		return nil, nil
	}

	log.Info("oauth providers enabled", zap.Strings("providers", registry.Names()))

	manager, err := oauth.NewManager(db, registry, store, sessions, roles, oauth.ManagerConfig{Challenges: challenges})
	if err != nil {
		return nil, fmt.Errorf("initialise oauth manager: %w", err)
	}
	return manager, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		if err := rc.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql", "mariadb":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
