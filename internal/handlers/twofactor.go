package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/middleware"
	"github.com/zovohq/zovo/internal/ratelimit"
	appErrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/response"
)

// TwoFactorHandler manages TOTP enrollment for the authenticated user. Every
// operation runs under the failed-attempt limiter keyed by the user, so the
// Enable/Disable code checks cannot be brute-forced behind a stolen session.
type TwoFactorHandler struct {
	svc     *twofactor.Service
	limiter *ratelimit.Limiter
}

func NewTwoFactorHandler(svc *twofactor.Service, limiter *ratelimit.Limiter) *TwoFactorHandler {
	return &TwoFactorHandler{svc: svc, limiter: limiter}
}

func currentUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		return "", false
	}
	userID, _ := v.(string)
	return userID, userID != ""
}

// POST /api/auth/2fa/generate
func (h *TwoFactorHandler) Generate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var enrollment *twofactor.Enrollment
	err := h.limiter.Do(requestContext(c), iauth.ActionTwoFactor, userID, func() error {
		var beginErr error
		enrollment, beginErr = h.svc.BeginEnrollment(requestContext(c), userID)
		return beginErr
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	// QRCodePNG marshals as base64; clients render it as an inline image.
	response.Success(c, http.StatusOK, enrollment)
}

type twoFactorCodeRequest struct {
	Code string `json:"code" validate:"required"`
}

// POST /api/auth/2fa/enable
func (h *TwoFactorHandler) Enable(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.limiter.Do(requestContext(c), iauth.ActionTwoFactor, userID, func() error {
		return h.svc.Enable(requestContext(c), userID, req.Code)
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, "Two-factor authentication enabled.", gin.H{"enabled": true})
}

// POST /api/auth/2fa/disable
func (h *TwoFactorHandler) Disable(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.limiter.Do(requestContext(c), iauth.ActionTwoFactor, userID, func() error {
		return h.svc.Disable(requestContext(c), userID, req.Code)
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, "Two-factor authentication disabled.", gin.H{"enabled": false})
}

// GET /api/auth/2fa/status
func (h *TwoFactorHandler) Status(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	status, err := h.svc.Status(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, status)
}
