package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/oauth"
	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/handlers"
	"github.com/zovohq/zovo/internal/middleware"
	"github.com/zovohq/zovo/internal/ratelimit"
	"github.com/zovohq/zovo/internal/services"
)

// Dependencies carries the wired services the router mounts handlers on.
type Dependencies struct {
	DB            *gorm.DB
	Authenticator *iauth.Authenticator
	Sessions      *iauth.SessionService
	TwoFactor     *twofactor.Service
	OAuth         *oauth.Manager
	Accounts      *services.AccountService
	Limiter       *ratelimit.Limiter

	Cookies        handlers.CookieConfig
	OAuthRedirects handlers.OAuthRedirects
	Throttle       middleware.ThrottleConfig
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("authenticator must be provided")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if deps.TwoFactor == nil {
		return nil, fmt.Errorf("two-factor service must be provided")
	}
	if deps.Accounts == nil {
		return nil, fmt.Errorf("account service must be provided")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.Throttle(deps.Throttle))

	r.NoRoute(middleware.NotFoundHandler)

	// Public operational endpoints
	r.GET("/health", handlers.Health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Authenticator, deps.Sessions, deps.Cookies)
	twoFactorHandler := handlers.NewTwoFactorHandler(deps.TwoFactor, deps.Limiter)
	accountHandler := handlers.NewAccountHandler(deps.Accounts, deps.Limiter)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/2fa/verify", authHandler.VerifyTwoFactor)
		auth.GET("/confirm-email", accountHandler.ConfirmEmail)
		auth.POST("/password/forgot", accountHandler.ForgotPassword)
		auth.POST("/password/reset", accountHandler.ResetPassword)
	}

	if deps.OAuth != nil {
		oauthHandler := handlers.NewOAuthHandler(deps.OAuth, deps.Cookies, deps.OAuthRedirects)
		auth.GET("/oauth2/authorize/:provider", oauthHandler.Authorize)
		auth.GET("/oauth2/callback/:provider", oauthHandler.Callback)
	}

	// Authenticated auth routes
	authed := r.Group("/api/auth")
	authed.Use(middleware.Auth(deps.Sessions))
	{
		authed.GET("/me", authHandler.Me)
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/2fa/generate", twoFactorHandler.Generate)
		authed.POST("/2fa/enable", twoFactorHandler.Enable)
		authed.POST("/2fa/disable", twoFactorHandler.Disable)
		authed.GET("/2fa/status", twoFactorHandler.Status)
	}

	return r, nil
}
