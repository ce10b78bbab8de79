package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	appErrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/response"
)

// Health returns a readiness payload. The database round-trip confirms the
// connection pool is alive, not just the process.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(requestContext(c))
			}
			if err != nil {
				response.Error(c, appErrors.ErrInternalServer.WithMessage("Database unavailable"))
				return
			}
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}
