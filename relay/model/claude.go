package model

import (
	"encoding/json"
	"strings"
)

// ClaudeRequest is the inbound Claude Messages API request body.
// System and message content use `any` because the protocol allows both
// plain strings and structured block arrays in those positions.
type ClaudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []ClaudeMessage `json:"messages"`
	System        any             `json:"system,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []ClaudeTool    `json:"tools,omitempty"`
	ToolChoice    any             `json:"tool_choice,omitempty"`
	Thinking      *ClaudeThinking `json:"thinking,omitempty"`

	// Passthrough fields some Claude clients attach; upstream targets that
	// do not understand them get these stripped before forwarding.
	ContextManagement json.RawMessage `json:"context_management,omitempty"`
	Betas             json.RawMessage `json:"betas,omitempty"`
	AnthropicBeta     json.RawMessage `json:"anthropic_beta,omitempty"`
}

type ClaudeMessage struct {
	Role string `json:"role"`
	// Content is either a string or a []ClaudeContentBlock.
	Content any `json:"content"`
}

// ClaudeContentBlock covers every block shape the Messages protocol
// carries: text, image, thinking, tool_use and tool_result.
type ClaudeContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// image
	Source *ClaudeImageSource `json:"source,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	CacheControl *ClaudeCacheControl `json:"cache_control,omitempty"`
}

type ClaudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type ClaudeCacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

type ClaudeTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
	Type        string `json:"type,omitempty"`
	// Passthrough for custom/function wrapped tool declarations.
	Function *ClaudeToolFunction `json:"function,omitempty"`
	Custom   *ClaudeToolFunction `json:"custom,omitempty"`
}

type ClaudeToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// ClaudeThinking accepts both the documented object form
// {"type":"enabled","budget_tokens":N} and the shorthand boolean some
// clients send.
type ClaudeThinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (t *ClaudeThinking) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch trimmed {
	case "true":
		t.Type = "enabled"
		return nil
	case "false", "null":
		t.Type = "disabled"
		return nil
	}
	type plain ClaudeThinking
	return json.Unmarshal(data, (*plain)(t))
}

// Enabled reports whether the client asked for thinking output.
func (t *ClaudeThinking) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

type ClaudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ClaudeResponse is the non-stream Messages response body.
type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

type ClaudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ClaudeErrorResponse struct {
	Type  string      `json:"type"`
	Error ClaudeError `json:"error"`
}

// ErrorWithStatusCode pairs a Claude-shaped error body with the HTTP
// status to return it under.
type ErrorWithStatusCode struct {
	Error      ClaudeError
	StatusCode int
}

func (e *ErrorWithStatusCode) ToResponse() ClaudeErrorResponse {
	return ClaudeErrorResponse{Type: "error", Error: e.Error}
}

// WrapError builds an ErrorWithStatusCode from plain parts.
func WrapError(statusCode int, errType, message string) *ErrorWithStatusCode {
	return &ErrorWithStatusCode{
		StatusCode: statusCode,
		Error:      ClaudeError{Type: errType, Message: message},
	}
}

// ContentBlocks normalizes a message's content into block form. A plain
// string becomes a single text block.
func (m *ClaudeMessage) ContentBlocks() []ClaudeContentBlock {
	switch v := m.Content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []ClaudeContentBlock{{Type: "text", Text: v}}
	case []ClaudeContentBlock:
		return v
	case []any:
		blocks := make([]ClaudeContentBlock, 0, len(v))
		for _, item := range v {
			b, err := json.Marshal(item)
			if err != nil {
				continue
			}
			var block ClaudeContentBlock
			if err := json.Unmarshal(b, &block); err != nil {
				continue
			}
			blocks = append(blocks, block)
		}
		return blocks
	}
	return nil
}

// SystemText flattens the request system prompt to plain text,
// concatenating text blocks when the structured form is used.
func (r *ClaudeRequest) SystemText() string {
	switch v := r.System.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(text)
			}
		}
		return sb.String()
	}
	return ""
}

// NormalizedTool resolves wrapped tool declarations to the flat
// {name, description, input_schema} form upstreams expect.
func (t *ClaudeTool) NormalizedTool() ClaudeTool {
	out := ClaudeTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	wrapped := t.Function
	if wrapped == nil {
		wrapped = t.Custom
	}
	if wrapped != nil {
		if out.Name == "" {
			out.Name = wrapped.Name
		}
		if out.Description == "" {
			out.Description = wrapped.Description
		}
		if out.InputSchema == nil {
			if wrapped.InputSchema != nil {
				out.InputSchema = wrapped.InputSchema
			} else {
				out.InputSchema = wrapped.Parameters
			}
		}
	}
	if out.InputSchema == nil {
		out.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return out
}
