// Package controller runs the relay lifecycle: the account retry loop,
// upstream dispatch through the channel adaptors, SSE keepalive, and
// usage bookkeeping.
package controller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/client"
	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/ctxkey"
	"github.com/qrelay/qrelay/common/random"
	"github.com/qrelay/qrelay/common/tokencount"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/pool"
	"github.com/qrelay/qrelay/promptcache"
	"github.com/qrelay/qrelay/relay"
	"github.com/qrelay/qrelay/relay/adaptor"
	"github.com/qrelay/qrelay/relay/adaptor/amazonq"
	"github.com/qrelay/qrelay/relay/adaptor/claude"
	"github.com/qrelay/qrelay/relay/adaptor/gemini"
	"github.com/qrelay/qrelay/relay/adaptor/openai"
	relaymodel "github.com/qrelay/qrelay/relay/model"
	"github.com/qrelay/qrelay/token"
)

// tokenManager hands out upstream credentials. A var so tests can swap
// in a stub.
var tokenManager = token.Default()

// maxErrorBodyBytes caps how much of an upstream error body is read
// for classification and logging.
const maxErrorBodyBytes = 64 << 10

// adaptorFor resolves the channel adaptor for an account. custom_api
// accounts split on the extension's format field.
func adaptorFor(account *model.Account) (adaptor.Adaptor, error) {
	switch account.Type {
	case model.ChannelAmazonQ:
		return &amazonq.Adaptor{}, nil
	case model.ChannelGemini:
		return &gemini.Adaptor{}, nil
	case model.ChannelCustomAPI:
		ext, err := account.GetCustomAPIExtension()
		if err != nil {
			return nil, err
		}
		if ext.Format == "claude" {
			return &claude.Adaptor{}, nil
		}
		return &openai.Adaptor{}, nil
	}
	return nil, errors.Errorf("unknown channel type %q", account.Type)
}

// RelayClaudeMessages drives one /v1/messages request end to end. A
// non-nil return means no stream bytes were written and the caller
// should render the error body.
func RelayClaudeMessages(c *gin.Context) *relaymodel.ErrorWithStatusCode {
	lg := gmw.GetLogger(c)
	req := c.MustGet(ctxkey.ClaudeRequest).(*relaymodel.ClaudeRequest)
	account := c.MustGet(ctxkey.Account).(*model.Account)
	requestModel := c.GetString(ctxkey.RequestModel)
	pinned := c.GetString(ctxkey.SpecificAccountId) != ""

	if !req.Stream {
		return relaymodel.WrapError(http.StatusBadRequest, "invalid_request_error",
			"only streaming requests are supported, set stream=true")
	}

	promptTokens := tokencount.CountClaudeRequest(req)
	if tokencount.IsZeroInputModel(requestModel) {
		promptTokens = 0
	}
	c.Set(ctxkey.PromptTokens, promptTokens)

	if !config.DisableInputValidation && promptTokens > config.MaxInputTokens {
		if config.InputValidationStrict {
			return relaymodel.WrapError(http.StatusBadRequest, "invalid_request_error",
				fmt.Sprintf("estimated input of %d tokens exceeds the limit of %d",
					promptTokens, config.MaxInputTokens))
		}
		lg.Warn("estimated input exceeds the configured limit",
			zap.Int("estimated_tokens", promptTokens),
			zap.Int("limit", config.MaxInputTokens))
	}

	state := relay.NewStreamState(c, "msg_"+random.GetUUID(), requestModel)
	state.InputTokens = promptTokens
	if sim := promptcache.Get(); sim != nil {
		result := sim.Check(promptcache.KeyForRequest(req), promptTokens)
		state.CacheReadTokens = result.CacheReadTokens
		state.CacheCreationTokens = result.CacheCreationTokens
	}

	tried := map[string]bool{}
	forcedRefresh := false
	var lastErr *relaymodel.ErrorWithStatusCode

	for attempt := 0; attempt <= config.RetryTimes; attempt++ {
		if attempt > 0 {
			// retries stay at the selection boundary: never after the
			// first downstream byte, never off a pinned account
			if pinned || state.Started() {
				break
			}
			next, err := pool.Get().Select(pool.Filter{
				Type: account.Type, Model: requestModel, Exclude: tried,
			})
			if err != nil {
				break
			}
			account = next
			c.Set(ctxkey.Account, account)
			c.Set(ctxkey.AccountId, account.Id)
			c.Set(ctxkey.MappedModel, account.MapModel(requestModel))
			lg.Info("failing over to another account",
				zap.String("account", account.Id), zap.Int("attempt", attempt))
		}
		tried[account.Id] = true

		errResp, final := relayOnce(c, req, account, requestModel, state, &forcedRefresh)
		if errResp == nil {
			return nil
		}
		lastErr = errResp
		if final {
			break
		}
	}

	if lastErr == nil {
		lastErr = relaymodel.WrapError(http.StatusServiceUnavailable,
			"overloaded_error", "No available accounts")
	}
	return lastErr
}

// relayOnce runs a single upstream attempt. final=true means the retry
// loop must stop regardless of the error.
func relayOnce(c *gin.Context, req *relaymodel.ClaudeRequest, account *model.Account,
	requestModel string, state *relay.StreamState, forcedRefresh *bool,
) (*relaymodel.ErrorWithStatusCode, bool) {
	lg := gmw.GetLogger(c).With(
		zap.String("account", account.Id),
		zap.String("channel", account.Type))
	ctx := c.Request.Context()
	mappedModel := account.MapModel(requestModel)

	adp, err := adaptorFor(account)
	if err != nil {
		return relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error()), true
	}

	var resp *http.Response
	for connectAttempt := 0; ; connectAttempt++ {
		accessToken, err := tokenManager.GetValidToken(ctx, account)
		if err != nil {
			var refreshErr *token.RefreshError
			if errors.As(err, &refreshErr) {
				account.MarkError()
				pool.Get().ReportError(account, false)
				return relaymodel.WrapError(http.StatusBadGateway, "api_error",
					"upstream credential refresh failed"), false
			}
			return relaymodel.WrapError(http.StatusBadGateway, "api_error", err.Error()), false
		}

		httpReq, err := adp.BuildRequest(ctx, req, account, mappedModel, accessToken)
		if err != nil {
			return relaymodel.WrapError(http.StatusInternalServerError, "api_error",
				errors.Wrap(err, "build upstream request").Error()), true
		}

		resp, err = client.HTTPClient.Do(httpReq)
		if err != nil {
			account.MarkError()
			pool.Get().ReportError(account, false)
			lg.Warn("upstream connection failed", zap.Error(err))
			return relaymodel.WrapError(http.StatusBadGateway, "api_error",
				"upstream connection failed"), false
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			break
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()

		// a dead bearer token earns one in-request forced refresh on
		// the same account before the error is classified
		if connectAttempt == 0 && !*forcedRefresh &&
			token.IsInvalidTokenResponse(resp.StatusCode, body) &&
			account.Type != model.ChannelCustomAPI {
			*forcedRefresh = true
			if err := tokenManager.ForceRefresh(ctx, account); err == nil {
				lg.Info("credential refreshed after upstream rejection, retrying")
				continue
			}
		}

		return classifyUpstreamError(lg, resp.StatusCode, body, account, mappedModel)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	go keepAlive(pingCtx, state)
	usage, streamErr := adp.AdaptStream(c, resp, state)
	stopPing()
	resp.Body.Close()

	if streamErr != nil {
		account.MarkError()
		pool.Get().ReportError(account, false)
		if state.Started() {
			// committed to SSE: close the stream well formed, no
			// retry, no call-log entry
			lg.Warn("upstream failed mid-stream, closing stream",
				zap.Int("status", streamErr.StatusCode),
				zap.String("detail", streamErr.Error.Message))
			_ = state.Finish("end_turn")
			return nil, true
		}
		lg.Warn("upstream stream failed before start",
			zap.Int("status", streamErr.StatusCode),
			zap.String("detail", streamErr.Error.Message))
		return streamErr, false
	}

	account.MarkSuccess()
	pool.Get().ReportSuccess(account.Id)
	if err := model.RecordCall(account.Id, mappedModel); err != nil {
		lg.Warn("failed to record call", zap.Error(err))
	}

	finalUsage := state.FinalUsage()
	if usage != nil {
		if usage.InputTokens > 0 {
			finalUsage.InputTokens = usage.InputTokens
		}
		if usage.OutputTokens > 0 {
			finalUsage.OutputTokens = usage.OutputTokens
		}
	}
	record := &model.UsageRecord{
		Model:               requestModel,
		Channel:             account.Type,
		AccountId:           account.Id,
		InputTokens:         finalUsage.InputTokens,
		OutputTokens:        finalUsage.OutputTokens,
		CacheReadTokens:     finalUsage.CacheReadInputTokens,
		CacheCreationTokens: finalUsage.CacheCreationInputTokens,
	}
	if err := record.Insert(); err != nil {
		lg.Warn("failed to persist usage record", zap.Error(err))
	}
	lg.Info("relay completed",
		zap.Int("input_tokens", finalUsage.InputTokens),
		zap.Int("output_tokens", finalUsage.OutputTokens))
	return nil, true
}

func classifyUpstreamError(lg glog.Logger, statusCode int, body []byte,
	account *model.Account, mappedModel string,
) (*relaymodel.ErrorWithStatusCode, bool) {
	detail := string(body)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	lg.Warn("upstream returned an error",
		zap.Int("status", statusCode),
		zap.String("body", detail))

	switch {
	case statusCode == http.StatusTooManyRequests:
		account.MarkError()
		if account.Type == model.ChannelGemini {
			gemini.NoteRateLimit(account, mappedModel, body)
		}
		pool.Get().ReportError(account, true)
		return relaymodel.WrapError(http.StatusTooManyRequests, "rate_limit_error",
			"upstream rate limited, retry later"), false
	case statusCode >= 500:
		account.MarkError()
		pool.Get().ReportError(account, false)
		return relaymodel.WrapError(http.StatusBadGateway, "api_error",
			fmt.Sprintf("upstream server error (%d)", statusCode)), false
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		account.MarkError()
		pool.Get().ReportError(account, false)
		return relaymodel.WrapError(http.StatusBadGateway, "api_error",
			"upstream rejected the account credential"), false
	default:
		// other 4xx reflect the request itself, retrying won't help
		return relaymodel.WrapError(statusCode, "invalid_request_error", detail), true
	}
}

// keepAlive pings the stream whenever upstream stays silent past the
// configured interval.
func keepAlive(ctx context.Context, state *relay.StreamState) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(state.LastWrite()) >= config.PingInterval {
				_ = state.Ping()
			}
		}
	}
}
