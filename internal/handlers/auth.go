package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/middleware"
	"github.com/zovohq/zovo/internal/models"
	appErrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/response"
)

// CookieConfig controls how the session cookie is written.
type CookieConfig struct {
	Domain string
	Secure bool
}

// AuthHandler manages credential login, registration and session teardown.
type AuthHandler struct {
	db      *gorm.DB
	auth    *iauth.Authenticator
	session *iauth.SessionService
	cookies CookieConfig
}

func NewAuthHandler(db *gorm.DB, auth *iauth.Authenticator, sessions *iauth.SessionService, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{db: db, auth: auth, session: sessions, cookies: cookies}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.Login(requestContext(c), iauth.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.RequiresTwoFactor {
		response.Success(c, http.StatusOK, gin.H{
			"two_factor_required": true,
			"challenge_token":     result.ChallengeToken,
			"provider":            result.ChallengeProvider,
		})
		return
	}

	h.issueSession(c, result)
}

type verifyTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required"`
}

// POST /api/auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(c *gin.Context) {
	var req verifyTwoFactorRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.CompleteTwoFactor(requestContext(c), req.ChallengeToken, req.Code, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.Error(c, err)
		return
	}

	h.issueSession(c, result)
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50,username"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.auth.Register(requestContext(c), iauth.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusCreated,
		"Account created. Check your inbox for a confirmation link.",
		gin.H{"user": user.Public()},
	)
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	sid, ok := c.Get(middleware.CtxSessionIDKey)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	sessionID, _ := sid.(string)
	if sessionID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.session.Revoke(requestContext(c), sessionID); err != nil {
		response.Error(c, err)
		return
	}

	h.clearSessionCookie(c)
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	userID, _ := v.(string)

	var user models.User
	if err := h.db.WithContext(requestContext(c)).Preload("Roles").Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, role.Name)
	}

	response.Success(c, http.StatusOK, gin.H{
		"id":                 user.ID,
		"username":           user.Username,
		"email":              user.Email,
		"enabled":            user.Enabled,
		"is_active":          user.IsActive,
		"two_factor_enabled": user.TwoFactorEnabled,
		"roles":              roles,
	})
}

// issueSession writes the session cookie and the login payload. The token is
// echoed in the body so non-browser clients can use it as a bearer token.
func (h *AuthHandler) issueSession(c *gin.Context, result *iauth.LoginResult) {
	maxAge := int(time.Until(result.Session.ExpiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, result.SessionToken, maxAge, "/", h.cookies.Domain, h.cookies.Secure, true)

	response.Success(c, http.StatusOK, gin.H{
		"token":      result.SessionToken,
		"expires_at": result.Session.ExpiresAt,
		"user":       result.User,
	})
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
}
