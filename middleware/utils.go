package middleware

import (
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/ctxkey"
	"github.com/qrelay/qrelay/common/helper"
)

// AbortWithError aborts the request with a Claude-shaped error body.
func AbortWithError(c *gin.Context, statusCode int, errType string, err error) {
	gmw.GetLogger(c).Warn("request aborted",
		zap.Int("status_code", statusCode),
		zap.String("error_type", errType),
		zap.Error(err))

	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": helper.MessageWithRequestId(err.Error(), c.GetString(ctxkey.RequestId)),
		},
	})
	c.Abort()
}
