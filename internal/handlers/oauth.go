package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/oauth"
	"github.com/zovohq/zovo/internal/middleware"
	appErrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/logger"
	"github.com/zovohq/zovo/pkg/response"
)

// OAuthRedirects names the application URLs the callback bounces users to.
type OAuthRedirects struct {
	// Success receives the browser after a completed login.
	Success string
	// TwoFactor receives logins that still owe a TOTP code; the challenge
	// token is appended as a query parameter.
	TwoFactor string
	// Failure receives failed logins with an error code query parameter.
	Failure string
}

// OAuthHandler drives the browser half of the OAuth2 login flow.
type OAuthHandler struct {
	manager   *oauth.Manager
	cookies   CookieConfig
	redirects OAuthRedirects
}

func NewOAuthHandler(manager *oauth.Manager, cookies CookieConfig, redirects OAuthRedirects) *OAuthHandler {
	if redirects.Success == "" {
		redirects.Success = "/"
	}
	if redirects.TwoFactor == "" {
		redirects.TwoFactor = "/login/2fa"
	}
	if redirects.Failure == "" {
		redirects.Failure = "/login"
	}
	return &OAuthHandler{manager: manager, cookies: cookies, redirects: redirects}
}

// GET /api/auth/oauth2/authorize/:provider
func (h *OAuthHandler) Authorize(c *gin.Context) {
	providerName := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if providerName == "" {
		response.Error(c, appErrors.NewBadRequest("provider is required"))
		return
	}

	redirect, err := h.manager.AuthorizationURL(requestContext(c), providerName)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Redirect(http.StatusFound, redirect)
}

// GET /api/auth/oauth2/callback/:provider
func (h *OAuthHandler) Callback(c *gin.Context) {
	providerName := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	result, err := h.manager.HandleCallback(
		requestContext(c),
		providerName,
		c.Query("state"),
		c.Query("code"),
		iauth.SessionMetadata{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()},
	)
	if err != nil {
		logger.Warn("oauth callback failed",
			zap.String("provider", providerName),
			zap.Error(err),
		)
		h.redirectWithQuery(c, h.redirects.Failure, url.Values{"error": {appErrors.FromError(err).Code}})
		return
	}

	if result.RequiresTwoFactor {
		h.redirectWithQuery(c, h.redirects.TwoFactor, url.Values{
			"challenge": {result.ChallengeToken},
			"provider":  {result.ChallengeProvider},
		})
		return
	}

	maxAge := int(time.Until(result.Session.ExpiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, result.SessionToken, maxAge, "/", h.cookies.Domain, h.cookies.Secure, true)

	// The user summary rides along so the application can greet the user
	// without an immediate follow-up request.
	h.redirectWithQuery(c, h.redirects.Success, url.Values{
		"id":       {result.User.ID},
		"username": {result.User.Username},
		"email":    {result.User.Email},
	})
}

func (h *OAuthHandler) redirectWithQuery(c *gin.Context, base string, params url.Values) {
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	c.Redirect(http.StatusFound, base+separator+params.Encode())
}
