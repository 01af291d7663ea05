package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/ctxkey"
	"github.com/qrelay/qrelay/common/tokencount"
	"github.com/qrelay/qrelay/middleware"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/monitor"
	rcontroller "github.com/qrelay/qrelay/relay/controller"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

// RelayMessages serves POST /v1/messages. The distributor middleware
// has already parsed the body and picked an account.
func RelayMessages(c *gin.Context) {
	start := time.Now()
	errResp := rcontroller.RelayClaudeMessages(c)

	channel := c.GetString(ctxkey.Channel)
	modelName := c.GetString(ctxkey.RequestModel)
	if errResp != nil {
		monitor.ObserveRelay(channel, modelName, errResp.StatusCode, time.Since(start))
		c.JSON(errResp.StatusCode, errResp.ToResponse())
		return
	}
	monitor.ObserveRelay(channel, modelName, http.StatusOK, time.Since(start))
}

// CountTokens serves POST /v1/messages/count_tokens with the same
// ingress estimator the relay path uses.
func CountTokens(c *gin.Context) {
	var req relaymodel.ClaudeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
			errors.Wrap(err, "parse request body"))
		return
	}
	tokens := tokencount.CountClaudeRequest(&req)
	if tokencount.IsZeroInputModel(req.Model) {
		tokens = 0
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": tokens})
}

// GetUsage serves GET /v1/usage?period=hour|day|week|month|all.
func GetUsage(c *gin.Context) {
	summary, err := model.SummarizeUsage(c.Query("period"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// GetUsageRecords serves GET /v1/usage/records?limit=N, newest first.
func GetUsageRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recent, err := model.RecentUsageRecords(limit)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recent})
}
