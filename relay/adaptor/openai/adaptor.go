// Package openai relays to OpenAI-compatible chat-completions
// endpoints, flattening Claude blocks to chat messages and lifting the
// SSE response back into Claude events.
package openai

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
	"github.com/qrelay/qrelay/relay/thinkparse"
)

const maxLineBytes = 4 * 1024 * 1024

// Adaptor relays to an OpenAI-compatible chat-completions backend.
type Adaptor struct{}

var _ adaptor.Adaptor = (*Adaptor)(nil)

// ChatURL resolves the chat-completions endpoint, appending /v1 when
// the configured base lacks it.
func ChatURL(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}

func (a *Adaptor) BuildRequest(ctx context.Context, req *relaymodel.ClaudeRequest,
	account *model.Account, mappedModel, accessToken string) (*http.Request, error) {
	ext, err := account.GetCustomAPIExtension()
	if err != nil {
		return nil, err
	}
	if ext.APIBase == "" {
		return nil, errors.Errorf("account %s has no api_base configured", account.Id)
	}
	targetModel := ext.Model
	if targetModel == "" {
		targetModel = mappedModel
	}

	thinkingEnabled := adaptor.ThinkingEnabled(req, config.ThinkingDefaultEnabled)
	body := buildBody(req, targetModel, thinkingEnabled)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ChatURL(ext.APIBase),
		bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	return httpReq, nil
}

// upstream chunk shapes
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage"`
	Error   *chatError     `json:"error"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func stopReasonOf(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
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

	parser := thinkparse.New()
	toolOpen := false
	sawToolUse := false
	finishReason := ""

	emitSegments := func(segments []thinkparse.Segment) error {
		for _, seg := range segments {
			if seg.Thinking {
				if err := state.EmitThinking(seg.Text); err != nil {
					return err
				}
			} else if err := state.EmitText(seg.Text); err != nil {
				return err
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			lg.Warn("bad stream chunk", zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			lg.Warn("upstream reported error mid-stream", zap.String("message", chunk.Error.Message))
			return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			state.ApplyUpstreamUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := &chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			if toolOpen {
				if err := state.CloseBlock(); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
				toolOpen = false
			}
			if err := emitSegments(parser.Feed(choice.Delta.Content)); err != nil {
				return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
			}
		}

		for i := range choice.Delta.ToolCalls {
			tc := &choice.Delta.ToolCalls[i]
			if tc.ID != "" || tc.Function.Name != "" {
				// a new call begins; flush pending text first
				if err := emitSegments(parser.Flush()); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
				id := tc.ID
				if id == "" {
					id = "toolu_" + random.GetUUID()
				}
				if err := state.StartToolUse(id, tc.Function.Name); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
				toolOpen = true
				sawToolUse = true
			}
			if tc.Function.Arguments != "" && toolOpen {
				if err := state.EmitToolInput(tc.Function.Arguments); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		lg.Warn("stream read failed mid-stream", zap.Error(err))
		return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", err.Error())
	}

	if err := emitSegments(parser.Flush()); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}

	stopReason := stopReasonOf(finishReason)
	if sawToolUse {
		stopReason = "tool_use"
	}
	if err := state.Finish(stopReason); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}

	usage := state.FinalUsage()
	return &usage, nil
}
