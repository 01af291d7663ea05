// Package gemini relays to the Cloud Code internal generateContent
// surface, translating Claude Messages to Gemini contents and the SSE
// response back to Claude events.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/random"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/relay"
	"github.com/qrelay/qrelay/relay/adaptor"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

const (
	defaultEndpoint = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	streamPath      = "/v1internal:streamGenerateContent?alt=sse"

	headerUserAgent = "antigravity/1.11.3 darwin/arm64"
	bodyUserAgent   = "antigravity/1.15.8 linux/arm64"

	// SSE data lines can carry whole serialized candidates.
	maxLineBytes = 4 * 1024 * 1024
)

// Adaptor relays to Gemini via the Cloud Code internal API.
type Adaptor struct{}

var _ adaptor.Adaptor = (*Adaptor)(nil)

func (a *Adaptor) BuildRequest(ctx context.Context, req *relaymodel.ClaudeRequest,
	account *model.Account, mappedModel, accessToken string) (*http.Request, error) {
	ext, err := account.GetGeminiExtension()
	if err != nil {
		return nil, err
	}
	endpoint := ext.APIEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	thinkingEnabled := adaptor.ThinkingEnabled(req, config.ThinkingDefaultEnabled)
	thinkingBudget := adaptor.ThinkingBudget(req, config.ThinkingDefaultBudget)
	body := buildBody(req, ext.Project, random.NewConversationId(), mappedModel,
		thinkingEnabled, thinkingBudget)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(endpoint, "/")+streamPath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("User-Agent", headerUserAgent)
	return httpReq, nil
}

// upstream chunk shapes
type streamChunk struct {
	Response *chunkResponse `json:"response"`
	// Some deployments inline the response fields at the top level.
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
	Error         *chunkError    `json:"error"`
}

type chunkResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content      *content `json:"content"`
	FinishReason string   `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

type chunkError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (ch *streamChunk) candidates() []candidate {
	if ch.Response != nil {
		return ch.Response.Candidates
	}
	return ch.Candidates
}

func (ch *streamChunk) usage() *usageMetadata {
	if ch.Response != nil && ch.Response.UsageMetadata != nil {
		return ch.Response.UsageMetadata
	}
	return ch.UsageMetadata
}

func (a *Adaptor) AdaptStream(c *gin.Context, resp *http.Response,
	state *relay.StreamState) (*relaymodel.ClaudeUsage, *relaymodel.ErrorWithStatusCode) {
	defer resp.Body.Close()
	lg := gmw.GetLogger(c)

	if err := state.EmitMessageStart(); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	sawToolUse := false
	finishReason := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			lg.Warn("bad stream chunk", zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			lg.Warn("upstream reported error mid-stream",
				zap.Int("code", chunk.Error.Code), zap.String("message", chunk.Error.Message))
			return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", chunk.Error.Message)
		}

		for _, cand := range chunk.candidates() {
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
			if cand.Content == nil {
				continue
			}
			for i := range cand.Content.Parts {
				p := &cand.Content.Parts[i]
				switch {
				case p.FunctionCall != nil:
					sawToolUse = true
					args, err := json.Marshal(p.FunctionCall.Args)
					if err != nil || p.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					if err := state.StartToolUse("toolu_"+random.GetUUID(), p.FunctionCall.Name); err != nil {
						return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
					}
					if err := state.EmitToolInput(string(args)); err != nil {
						return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
					}
					if err := state.CloseBlock(); err != nil {
						return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
					}
				case p.Thought:
					if err := state.EmitThinking(p.Text); err != nil {
						return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
					}
					if p.ThoughtSignature != "" {
						if err := state.EmitSignature(p.ThoughtSignature); err != nil {
							return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
						}
					}
				case p.Text != "":
					if err := state.EmitText(p.Text); err != nil {
						return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
					}
				}
			}
		}

		if meta := chunk.usage(); meta != nil {
			state.ApplyUpstreamUsage(meta.PromptTokenCount,
				meta.CandidatesTokenCount+meta.ThoughtsTokenCount)
		}
	}
	if err := scanner.Err(); err != nil {
		lg.Warn("stream read failed mid-stream", zap.Error(err))
		return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", err.Error())
	}

	stopReason := "end_turn"
	switch {
	case sawToolUse:
		stopReason = "tool_use"
	case finishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	}
	if err := state.Finish(stopReason); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}

	usage := state.FinalUsage()
	return &usage, nil
}
