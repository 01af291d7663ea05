package model

// SSE event payloads for the Claude Messages streaming protocol. Every
// frame is emitted as a named event whose JSON body repeats the type.

type MessageStartEvent struct {
	Type    string         `json:"type"`
	Message ClaudeResponse `json:"message"`
}

func NewMessageStart(id, model string, usage ClaudeUsage) MessageStartEvent {
	return MessageStartEvent{
		Type: "message_start",
		Message: ClaudeResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ClaudeContentBlock{},
			Usage:   usage,
		},
	}
}

type ContentBlockStartEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock ClaudeContentBlock `json:"content_block"`
}

func NewTextBlockStart(index int) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        index,
		ContentBlock: ClaudeContentBlock{Type: "text"},
	}
}

func NewThinkingBlockStart(index int) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        index,
		ContentBlock: ClaudeContentBlock{Type: "thinking"},
	}
}

func NewToolUseBlockStart(index int, id, name string) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:  "content_block_start",
		Index: index,
		ContentBlock: ClaudeContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  name,
			Input: map[string]any{},
		},
	}
}

type Delta struct {
	Type string `json:"type"`
	// text_delta
	Text string `json:"text,omitempty"`
	// thinking_delta
	Thinking string `json:"thinking,omitempty"`
	// signature_delta
	Signature string `json:"signature,omitempty"`
	// input_json_delta
	PartialJSON string `json:"partial_json,omitempty"`
}

type ContentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

func NewTextDelta(index int, text string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: Delta{Type: "text_delta", Text: text},
	}
}

func NewThinkingDelta(index int, thinking string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: Delta{Type: "thinking_delta", Thinking: thinking},
	}
}

func NewSignatureDelta(index int, signature string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: Delta{Type: "signature_delta", Signature: signature},
	}
}

func NewInputJSONDelta(index int, partial string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: Delta{Type: "input_json_delta", PartialJSON: partial},
	}
}

type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func NewContentBlockStop(index int) ContentBlockStopEvent {
	return ContentBlockStopEvent{Type: "content_block_stop", Index: index}
}

type MessageDeltaBody struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence"`
}

type MessageDeltaEvent struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage ClaudeUsage      `json:"usage"`
}

func NewMessageDelta(stopReason string, usage ClaudeUsage) MessageDeltaEvent {
	return MessageDeltaEvent{
		Type:  "message_delta",
		Delta: MessageDeltaBody{StopReason: stopReason},
		Usage: usage,
	}
}

type MessageStopEvent struct {
	Type string `json:"type"`
}

func NewMessageStop() MessageStopEvent {
	return MessageStopEvent{Type: "message_stop"}
}

type StreamErrorEvent struct {
	Type  string      `json:"type"`
	Error ClaudeError `json:"error"`
}

func NewStreamError(errType, message string) StreamErrorEvent {
	return StreamErrorEvent{Type: "error", Error: ClaudeError{Type: errType, Message: message}}
}
