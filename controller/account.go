package controller

import (
	"net/http"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/random"
	"github.com/qrelay/qrelay/middleware"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/pool"
	"github.com/qrelay/qrelay/token"
)

// redacted replaces credential fields before an account leaves the API.
func redacted(account *model.Account) model.Account {
	out := *account
	out.ClientSecret = mask(out.ClientSecret)
	out.RefreshToken = mask(out.RefreshToken)
	out.AccessToken = mask(out.AccessToken)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

func ListAccounts(c *gin.Context) {
	accounts, err := model.GetAllAccounts()
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	out := make([]model.Account, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, redacted(account))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func validChannelType(t string) bool {
	switch t {
	case model.ChannelAmazonQ, model.ChannelGemini, model.ChannelCustomAPI:
		return true
	}
	return false
}

func CreateAccount(c *gin.Context) {
	var account model.Account
	if err := c.ShouldBindJSON(&account); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
			errors.Wrap(err, "parse account"))
		return
	}
	if !validChannelType(account.Type) {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
			errors.Errorf("unknown account type %q", account.Type))
		return
	}
	if account.Id == "" {
		account.Id = random.GetUUID()
	}
	if err := account.Insert(); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	gmw.GetLogger(c).Info("account created",
		zap.String("account", account.Id), zap.String("type", account.Type))
	c.JSON(http.StatusCreated, gin.H{"account": redacted(&account)})
}

// patchableFields whitelists the columns PATCH may touch; anything else
// in the body is ignored.
var patchableFields = map[string]bool{
	"label":               true,
	"enabled":             true,
	"weight":              true,
	"rate_limit_per_hour": true,
	"client_id":           true,
	"client_secret":       true,
	"refresh_token":       true,
	"access_token":        true,
	"extension":           true,
	"model_mappings":      true,
	"cooldown_until":      true,
}

func UpdateAccount(c *gin.Context) {
	account, err := model.GetAccountById(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "not_found_error", err)
		return
	}

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
			errors.Wrap(err, "parse patch"))
		return
	}
	fields := make(map[string]any, len(patch))
	for key, value := range patch {
		if patchableFields[key] {
			fields[key] = value
		}
	}
	if len(fields) == 0 {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error",
			errors.New("no updatable fields in request"))
		return
	}
	if err := account.UpdateFields(fields); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": redacted(account)})
}

func DeleteAccount(c *gin.Context) {
	account, err := model.GetAccountById(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "not_found_error", err)
		return
	}
	if err := account.Delete(); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	if err := token.Default().DropCachedToken(account.Id); err != nil {
		gmw.GetLogger(c).Warn("failed to drop cached token",
			zap.String("account", account.Id), zap.Error(err))
	}
	gmw.GetLogger(c).Info("account deleted", zap.String("account", account.Id))
	c.JSON(http.StatusOK, gin.H{"deleted": account.Id})
}

// RefreshAccount forces a token refresh outside the scheduler cadence.
func RefreshAccount(c *gin.Context) {
	account, err := model.GetAccountById(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "not_found_error", err)
		return
	}
	if err := token.Default().ForceRefresh(c.Request.Context(), account); err != nil {
		middleware.AbortWithError(c, http.StatusBadGateway, "api_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":          redacted(account),
		"token_expires_at": account.TokenExpiresAt,
	})
}

func AccountStats(c *gin.Context) {
	account, err := model.GetAccountById(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "not_found_error", err)
		return
	}
	calls, err := model.CallStats(account.Id)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":          account.Id,
		"type":                account.Type,
		"enabled":             account.Enabled,
		"request_count":       account.RequestCount,
		"success_count":       account.SuccessCount,
		"error_count":         account.ErrorCount,
		"error_streak":        pool.Get().ErrorStreak(account.Id),
		"in_cooldown":         account.InCooldown(),
		"cooldown_until":      account.CooldownUntil,
		"last_refresh_status": account.LastRefreshStatus,
		"token_expires_at":    account.TokenExpiresAt,
		"calls":               calls,
	})
}
