// Package adaptor defines the closed set of channel adaptors that turn
// a Claude Messages request into an upstream call and the upstream's
// stream back into Claude SSE events.
package adaptor

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/relay"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

// Adaptor is one channel's request builder and stream adapter.
type Adaptor interface {
	// BuildRequest converts the Claude request into the channel's wire
	// form, authenticated for the given account.
	BuildRequest(ctx context.Context, req *relaymodel.ClaudeRequest,
		account *model.Account, mappedModel, accessToken string) (*http.Request, error)

	// AdaptStream consumes the upstream response and frames Claude SSE
	// events through the stream state. It returns the final usage on a
	// clean end, or an error descriptor when the upstream failed before
	// streaming began.
	AdaptStream(c *gin.Context, resp *http.Response,
		state *relay.StreamState) (*relaymodel.ClaudeUsage, *relaymodel.ErrorWithStatusCode)
}

// ThinkingEnabled resolves the effective thinking switch: the request's
// explicit setting wins, otherwise the configured default applies.
func ThinkingEnabled(req *relaymodel.ClaudeRequest, defaultEnabled bool) bool {
	if req.Thinking != nil {
		return req.Thinking.Enabled()
	}
	return defaultEnabled
}

// ThinkingBudget resolves the thinking token budget with a fallback.
func ThinkingBudget(req *relaymodel.ClaudeRequest, fallback int) int {
	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		return req.Thinking.BudgetTokens
	}
	return fallback
}
