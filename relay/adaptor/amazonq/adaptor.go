package amazonq

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/random"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/relay"
	"github.com/qrelay/qrelay/relay/adaptor"
	relaymodel "github.com/qrelay/qrelay/relay/model"
	"github.com/qrelay/qrelay/relay/thinkparse"
)

const (
	upstreamURL = "https://q.us-east-1.amazonaws.com/"
	amzTarget   = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"

	userAgent    = "aws-sdk-rust/1.3.9 ua/2.1 api/codewhispererstreaming/0.1.11582 os/macos lang/rust/1.87.0 md/appVersion-1.19.3 app/AmazonQ-For-CLI"
	amzUserAgent = "aws-sdk-rust/1.3.9 ua/2.1 api/codewhispererstreaming/0.1.11582 os/macos lang/rust/1.87.0 m/F app/AmazonQ-For-CLI"
)

// Adaptor relays to the Amazon Q CodeWhisperer streaming service.
type Adaptor struct{}

var _ adaptor.Adaptor = (*Adaptor)(nil)

func (a *Adaptor) BuildRequest(ctx context.Context, req *relaymodel.ClaudeRequest,
	account *model.Account, mappedModel, accessToken string) (*http.Request, error) {
	ext, err := account.GetAmazonQExtension()
	if err != nil {
		return nil, err
	}

	thinkingEnabled := adaptor.ThinkingEnabled(req, config.ThinkingDefaultEnabled)
	body, err := buildBody(req, random.NewConversationId(), ext.ProfileArn, mappedModel, thinkingEnabled)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.0")
	httpReq.Header.Set("X-Amz-Target", amzTarget)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-Amz-User-Agent", amzUserAgent)
	httpReq.Header.Set("X-Amzn-Codewhisperer-Optout", "true")
	httpReq.Header.Set("Amz-Sdk-Invocation-Id", random.NewConversationId())
	httpReq.Header.Set("Accept", "*/*")
	return httpReq, nil
}

// upstream payload shapes
type assistantResponseEvent struct {
	Content string `json:"content"`
}

type toolUseEvent struct {
	ToolUseId string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

func (a *Adaptor) AdaptStream(c *gin.Context, resp *http.Response,
	state *relay.StreamState) (*relaymodel.ClaudeUsage, *relaymodel.ErrorWithStatusCode) {
	defer resp.Body.Close()
	lg := gmw.GetLogger(c)

	if err := state.EmitMessageStart(); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}

	parser := thinkparse.New()
	decoder := eventstream.NewDecoder()
	var payloadBuf []byte
	toolOpen := false
	sawToolUse := false

	for {
		msg, err := decoder.Decode(resp.Body, payloadBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			lg.Warn("event-stream decode failed mid-stream", zap.Error(err))
			return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", err.Error())
		}
		payloadBuf = msg.Payload[:0]

		switch eventType(msg.Headers) {
		case "initial-response":
			// carries the conversationId; message_start is already out

		case "assistantResponseEvent":
			var event assistantResponseEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				lg.Warn("bad assistantResponseEvent payload", zap.Error(err))
				continue
			}
			if toolOpen {
				_ = state.CloseBlock()
				toolOpen = false
			}
			if err := emitSegments(state, parser.Feed(event.Content)); err != nil {
				return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
			}

		case "toolUseEvent":
			var event toolUseEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				lg.Warn("bad toolUseEvent payload", zap.Error(err))
				continue
			}
			if !toolOpen {
				if err := emitSegments(state, parser.Flush()); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
				if err := state.StartToolUse(event.ToolUseId, event.Name); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
				toolOpen = true
				sawToolUse = true
			}
			if event.Input != "" {
				if err := state.EmitToolInput(event.Input); err != nil {
					return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
				}
			}
			if event.Stop {
				_ = state.CloseBlock()
				toolOpen = false
			}

		case "error", "exception":
			lg.Warn("upstream error event", zap.ByteString("payload", msg.Payload))
			return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", string(msg.Payload))
		}
	}

	if err := emitSegments(state, parser.Flush()); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}

	stopReason := "end_turn"
	if sawToolUse {
		stopReason = "tool_use"
	}
	if err := state.Finish(stopReason); err != nil {
		return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
	}
	usage := state.FinalUsage()
	return &usage, nil
}

func eventType(headers eventstream.Headers) string {
	for _, h := range headers {
		if h.Name == ":event-type" {
			if sv, ok := h.Value.(eventstream.StringValue); ok {
				return string(sv)
			}
		}
	}
	return ""
}

func emitSegments(state *relay.StreamState, segments []thinkparse.Segment) error {
	for _, seg := range segments {
		var err error
		if seg.Thinking {
			err = state.EmitThinking(seg.Text)
		} else {
			err = state.EmitText(seg.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
