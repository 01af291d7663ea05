// Package claude relays to Claude-compatible endpoints by passing the
// Messages request through nearly untouched. Azure deployments get
// their request cleaned first; the response stream is forwarded byte
// for byte except for cache stats patched into message_start.
package claude

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

	"github.com/qrelay/qrelay/common/render"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/relay"
	"github.com/qrelay/qrelay/relay/adaptor"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

const (
	anthropicVersion = "2023-06-01"
	maxEventBytes    = 4 * 1024 * 1024
)

// Adaptor forwards to a Claude-compatible Messages endpoint.
type Adaptor struct{}

var _ adaptor.Adaptor = (*Adaptor)(nil)

func (a *Adaptor) BuildRequest(ctx context.Context, req *relaymodel.ClaudeRequest,
	account *model.Account, mappedModel, accessToken string) (*http.Request, error) {
	ext, err := account.GetCustomAPIExtension()
	if err != nil {
		return nil, err
	}
	if ext.APIBase == "" {
		return nil, errors.Errorf("account %s has no api_base configured", account.Id)
	}

	outbound := req
	if ext.Provider == "azure" {
		outbound = cleanForAzure(req)
	} else {
		clone := *req
		outbound = &clone
	}
	outbound.Stream = true
	if ext.Model != "" {
		outbound.Model = ext.Model
	} else {
		outbound.Model = mappedModel
	}

	payload, err := json.Marshal(outbound)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(ext.APIBase, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", accessToken)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)
	return httpReq, nil
}

func (a *Adaptor) AdaptStream(c *gin.Context, resp *http.Response,
	state *relay.StreamState) (*relaymodel.ClaudeUsage, *relaymodel.ErrorWithStatusCode) {
	defer resp.Body.Close()
	lg := gmw.GetLogger(c)
	state.MarkPassthrough()

	usage := relaymodel.ClaudeUsage{
		CacheReadInputTokens:     state.CacheReadTokens,
		CacheCreationInputTokens: state.CacheCreationTokens,
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	scanner.Split(splitEvents)

	for scanner.Scan() {
		event := scanner.Text()
		if strings.TrimSpace(event) == "" {
			continue
		}
		event = a.inspectEvent(event, state, &usage)
		if _, err := c.Writer.WriteString(event + "\n\n"); err != nil {
			return nil, relaymodel.WrapError(http.StatusInternalServerError, "api_error", err.Error())
		}
		state.NotePassthroughWrite()
		render.Flush(c)
	}
	if err := scanner.Err(); err != nil {
		lg.Warn("stream read failed mid-stream", zap.Error(err))
		return nil, relaymodel.WrapError(http.StatusBadGateway, "upstream_error", err.Error())
	}
	return &usage, nil
}

// inspectEvent peeks at a forwarded frame, harvesting token counts and
// patching emulated cache stats into message_start.
func (a *Adaptor) inspectEvent(event string, state *relay.StreamState,
	usage *relaymodel.ClaudeUsage) string {
	lines := strings.Split(event, "\n")
	for i, line := range lines {
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		var frame map[string]any
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		switch frame["type"] {
		case "message_start":
			message, _ := frame["message"].(map[string]any)
			if message == nil {
				continue
			}
			frameUsage, _ := message["usage"].(map[string]any)
			if frameUsage == nil {
				frameUsage = map[string]any{}
			}
			if n, ok := frameUsage["input_tokens"].(float64); ok {
				usage.InputTokens = int(n)
			}
			if state.CacheCreationTokens > 0 {
				frameUsage["cache_creation_input_tokens"] = state.CacheCreationTokens
			}
			if state.CacheReadTokens > 0 {
				frameUsage["cache_read_input_tokens"] = state.CacheReadTokens
			}
			message["usage"] = frameUsage
			if patched, err := json.Marshal(frame); err == nil {
				lines[i] = "data: " + string(patched)
			}
		case "message_delta":
			frameUsage, _ := frame["usage"].(map[string]any)
			if n, ok := frameUsage["output_tokens"].(float64); ok {
				usage.OutputTokens = int(n)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// splitEvents is a bufio.SplitFunc yielding one SSE event (up to the
// blank-line separator) per token.
func splitEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
