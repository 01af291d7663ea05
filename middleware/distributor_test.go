package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/qrelay/qrelay/common/ctxkey"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/pool"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Account{}, &model.CallLog{}))
	model.DB = db

	pool.Shutdown()
	pool.Init()
	t.Cleanup(pool.Shutdown)
}

func runDistribute(t *testing.T, body string, header map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		c.Request.Header.Set(k, v)
	}
	Distribute()(c)
	return c, w
}

func TestDistributeRejectsMissingModel(t *testing.T) {
	setupTestDB(t)

	c, w := runDistribute(t, `{"max_tokens":100,"messages":[]}`, nil)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request_error")
}

func TestDistributeNoEligibleAccount(t *testing.T) {
	setupTestDB(t)

	_, w := runDistribute(t, `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "overloaded_error")
	assert.Contains(t, w.Body.String(), "No available accounts")
}

func TestDistributeSelectsEnabledAccount(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, (&model.Account{
		Id: "only", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10,
	}).Insert())

	c, w := runDistribute(t, `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, c.IsAborted())

	account := c.MustGet(ctxkey.Account).(*model.Account)
	assert.Equal(t, "only", account.Id)
	assert.Equal(t, model.ChannelAmazonQ, c.GetString(ctxkey.Channel))
	assert.Equal(t, "claude-sonnet-4", c.GetString(ctxkey.MappedModel))

	req := c.MustGet(ctxkey.ClaudeRequest).(*relaymodel.ClaudeRequest)
	assert.Equal(t, "claude-sonnet-4", req.Model)
}

func TestDistributePinnedAccountBypassesSelection(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, (&model.Account{
		Id: "pinned", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 10,
		// pinning skips eligibility, so even a cooling account serves
		CooldownUntil: 1<<62 - 1,
	}).Insert())

	c, w := runDistribute(t, `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`,
		map[string]string{"X-Account-ID": "pinned"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pinned", c.GetString(ctxkey.SpecificAccountId))
	assert.Equal(t, model.ChannelGemini, c.GetString(ctxkey.Channel))
}

func TestDistributePinnedDisabledAccountRejected(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, (&model.Account{
		Id: "off", Type: model.ChannelAmazonQ, Enabled: false, RateLimitPerHour: 10,
	}).Insert())

	_, w := runDistribute(t, `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`,
		map[string]string{"X-Account-ID": "off"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "permission_error")
}

func TestDistributePinnedUnknownAccount(t *testing.T) {
	setupTestDB(t)

	_, w := runDistribute(t, `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`,
		map[string]string{"X-Account-ID": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDistributeAppliesModelMapping(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, (&model.Account{
		Id: "mapped", Type: model.ChannelCustomAPI, Enabled: true, RateLimitPerHour: 10,
		ModelMappings: `[{"request_model":"claude-sonnet-4","target_model":"gpt-4o"}]`,
	}).Insert())

	c, w := runDistribute(t, `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gpt-4o", c.GetString(ctxkey.MappedModel))
	assert.Equal(t, "claude-sonnet-4", c.GetString(ctxkey.RequestModel))
}

func TestDistributeTypeRestrictsChannel(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, (&model.Account{
		Id: "q", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10,
	}).Insert())

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/gemini/messages",
		strings.NewReader(`{"model":"gemini-2.5-pro","max_tokens":10,"messages":[]}`))
	c.Request.Header.Set("Content-Type", "application/json")
	DistributeType(model.ChannelGemini)(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
