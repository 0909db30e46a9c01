package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apihandler "github.com/harvestchain/lending/internal/api/handler"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard admin response helpers (mirrors internal/api/handler/response.go)
// ──────────────────────────────────────────────────────────────────────────────

func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// respondServiceError uses the public API's error mapping so both listeners
// report a failure the same way.
func respondServiceError(c *gin.Context, err error, fallback string) {
	status, code := apihandler.ServiceErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = fallback
	}
	respondError(c, status, code, msg)
}
