package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/response"
)

const (
	// SessionCookieName is the cookie carrying the signed session token.
	SessionCookieName = "zovo_session"

	CtxUserIDKey    = "userID"
	CtxSessionIDKey = "sessionID"
)

// Auth enforces an authenticated session. The signed token arrives in the
// session cookie, with an Authorization bearer fallback for API clients, and
// is always checked against its server-side session row.
func Auth(sessions *iauth.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		session, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxUserIDKey, session.UserID)
		c.Set(CtxSessionIDKey, session.ID)

		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie
	}

	authz := c.GetHeader("Authorization")
	if len(authz) >= 8 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}
