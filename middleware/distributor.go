package middleware

import (
	"net/http"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/ctxkey"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/pool"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

// Distribute parses the Claude request once, picks an upstream account
// and stashes both on the context for the relay controller.
func Distribute() func(c *gin.Context) {
	return DistributeType("")
}

// DistributeType behaves like Distribute but restricts selection to
// one channel type. The type-scoped message endpoints use it.
func DistributeType(channelType string) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req relaymodel.ClaudeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
				errors.Wrap(err, "parse request body"))
			return
		}
		if req.Model == "" {
			AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
				errors.New("model is required"))
			return
		}
		c.Set(ctxkey.ClaudeRequest, &req)
		c.Set(ctxkey.RequestModel, req.Model)

		// X-Account-ID pins the request to one account, bypassing
		// weighted selection. Disabled accounts stay unreachable even
		// when pinned.
		if id := c.GetHeader("X-Account-ID"); id != "" {
			account, err := model.GetAccountById(id)
			if err != nil {
				AbortWithError(c, http.StatusNotFound, "not_found_error",
					errors.Wrapf(err, "account %s", id))
				return
			}
			if !account.Enabled {
				AbortWithError(c, http.StatusForbidden, "permission_error",
					errors.Errorf("account %s is disabled", id))
				return
			}
			if channelType != "" && account.Type != channelType {
				AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
					errors.Errorf("account %s is type %s, endpoint requires %s",
						id, account.Type, channelType))
				return
			}
			if err := account.BumpUsage(); err != nil {
				gmw.GetLogger(c).Warn("failed to bump pinned account usage",
					zap.String("account", id), zap.Error(err))
			}
			c.Set(ctxkey.SpecificAccountId, account.Id)
			attachAccount(c, account, req.Model)
			c.Next()
			return
		}

		var account *model.Account
		var err error
		if channelType != "" {
			account, err = pool.Get().Select(pool.Filter{Type: channelType, Model: req.Model})
		} else {
			account, err = pool.Get().SelectWeightedByType(req.Model, nil)
		}
		if err != nil {
			if errors.Is(err, pool.ErrNoEligibleAccount) {
				AbortWithError(c, http.StatusServiceUnavailable, "overloaded_error",
					errors.New("No available accounts"))
				return
			}
			AbortWithError(c, http.StatusInternalServerError, "api_error",
				errors.Wrap(err, "select account"))
			return
		}
		attachAccount(c, account, req.Model)
		c.Next()
	}
}

func attachAccount(c *gin.Context, account *model.Account, requestModel string) {
	mapped := account.MapModel(requestModel)
	c.Set(ctxkey.Account, account)
	c.Set(ctxkey.AccountId, account.Id)
	c.Set(ctxkey.Channel, account.Type)
	c.Set(ctxkey.MappedModel, mapped)
	gmw.GetLogger(c).Info("account selected",
		zap.String("account", account.Id),
		zap.String("channel", account.Type),
		zap.String("model", requestModel),
		zap.String("mapped_model", mapped))
}
