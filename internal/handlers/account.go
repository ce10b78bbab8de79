package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zovohq/zovo/internal/ratelimit"
	"github.com/zovohq/zovo/internal/services"
	appErrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/response"
)

// ActionPasswordReset throttles reset requests per email address.
const ActionPasswordReset = "password_reset"

// AccountHandler manages email confirmation and password recovery.
type AccountHandler struct {
	svc     *services.AccountService
	limiter *ratelimit.Limiter
}

func NewAccountHandler(svc *services.AccountService, limiter *ratelimit.Limiter) *AccountHandler {
	return &AccountHandler{svc: svc, limiter: limiter}
}

// GET /api/auth/confirm-email?token=...
func (h *AccountHandler) ConfirmEmail(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, appErrors.NewBadRequest("token is required"))
		return
	}

	user, err := h.svc.ConfirmEmail(requestContext(c), token)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, "Email address confirmed.", gin.H{"user": user.Public()})
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /api/auth/password/forgot
//
// The response never reveals whether the address has an account. Every
// request counts against the per-address budget, known address or not.
func (h *AccountHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	limited, retryAfter, err := h.limiter.IsLimited(ctx, ActionPasswordReset, email)
	if err != nil {
		response.Error(c, appErrors.ErrServiceUnavailable.WithInternal(err))
		return
	}
	if limited {
		response.Error(c, appErrors.NewTooManyAttempts(retryAfter))
		return
	}
	h.limiter.RecordFailure(ctx, ActionPasswordReset, email)

	if err := h.svc.RequestPasswordReset(ctx, email); err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK,
		"If that address has an account, a reset link is on its way.", nil)
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// POST /api/auth/password/reset
func (h *AccountHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.ResetPassword(requestContext(c), req.Token, req.Password); err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK,
		"Password updated. Sign in with your new password.", nil)
}
