package openai

import (
	"encoding/json"
	"strings"

	relaymodel "github.com/qrelay/qrelay/relay/model"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// thinkingHint asks chat-completions backends to wrap reasoning in
	// tags the stream parser can lift back into thinking blocks.
	thinkingHint = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"
)

// chat-completions wire shapes
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Tools         []chatTool     `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL string `json:"url"`
}

// flattenToolResult renders a tool_result body to the plain string a
// role=tool message carries.
func flattenToolResult(body any) string {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			switch it := item.(type) {
			case string:
				parts = append(parts, it)
			case map[string]any:
				if text, ok := it["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(b)
}

// convertUserMessage expands one Claude user message. Tool results go
// out first as role=tool messages so they precede the follow-up text,
// mirroring the order chat-completions backends expect.
func convertUserMessage(blocks []relaymodel.ClaudeContentBlock) []chatMessage {
	var out []chatMessage
	var textParts []string
	var toolResults []chatMessage

	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_result":
			if block.ToolUseID == "" {
				continue
			}
			toolResults = append(toolResults, chatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    flattenToolResult(block.Content),
			})
		case "image":
			if block.Source != nil && block.Source.Type == "base64" {
				out = append(out, chatMessage{
					Role: "user",
					Content: []imagePart{{
						Type: "image_url",
						ImageURL: imageURL{
							URL: "data:" + block.Source.MediaType + ";base64," + block.Source.Data,
						},
					}},
				})
			}
		}
	}

	out = append(out, toolResults...)
	if combined := strings.Join(textParts, "\n"); strings.TrimSpace(combined) != "" {
		out = append(out, chatMessage{Role: "user", Content: combined})
	}
	return out
}

func convertAssistantMessage(blocks []relaymodel.ClaudeContentBlock, thinkingEnabled bool) *chatMessage {
	var textParts []string
	var toolCalls []toolCall

	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "thinking":
			// render history thinking as literal tags so the backend
			// sees its earlier reasoning
			if thinkingEnabled && block.Thinking != "" {
				textParts = append(textParts, thinkingStartTag+block.Thinking+thinkingEndTag)
			}
		case "tool_use":
			if block.ID == "" || block.Name == "" {
				continue
			}
			args := "{}"
			if block.Input != nil {
				if b, err := json.Marshal(block.Input); err == nil {
					args = string(b)
				}
			}
			toolCalls = append(toolCalls, toolCall{
				ID:       block.ID,
				Type:     "function",
				Function: toolFunction{Name: block.Name, Arguments: args},
			})
		}
	}

	msg := chatMessage{Role: "assistant"}
	if combined := strings.Join(textParts, "\n"); strings.TrimSpace(combined) != "" {
		msg.Content = combined
	}
	msg.ToolCalls = toolCalls
	if msg.Content == nil && len(toolCalls) == 0 {
		return nil
	}
	return &msg
}

func convertTools(tools []relaymodel.ClaudeTool) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for i := range tools {
		nt := tools[i].NormalizedTool()
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        nt.Name,
				Description: nt.Description,
				Parameters:  nt.InputSchema,
			},
		})
	}
	return out
}

func buildBody(req *relaymodel.ClaudeRequest, targetModel string, thinkingEnabled bool) chatRequest {
	body := chatRequest{
		Model:         targetModel,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stop:          req.StopSequences,
	}

	system := req.SystemText()
	if thinkingEnabled {
		if system != "" {
			system += "\n" + thinkingHint
		} else {
			system = thinkingHint
		}
	}
	if system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: system})
	}

	for i := range req.Messages {
		blocks := req.Messages[i].ContentBlocks()
		switch req.Messages[i].Role {
		case "assistant":
			if msg := convertAssistantMessage(blocks, thinkingEnabled); msg != nil {
				body.Messages = append(body.Messages, *msg)
			}
		default:
			body.Messages = append(body.Messages, convertUserMessage(blocks)...)
		}
	}

	if len(req.Tools) > 0 {
		body.Tools = convertTools(req.Tools)
	}
	return body
}
