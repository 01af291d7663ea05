package amazonq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/qrelay/qrelay/common/helper"
	"github.com/qrelay/qrelay/common/random"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// thinkingHint asks the upstream to wrap its reasoning in thinking
	// tags so the stream adapter can split it back out.
	thinkingHint = "When reasoning through this request, wrap your internal reasoning in " +
		thinkingStartTag + "..." + thinkingEndTag + " tags before the final answer."
)

// request is the CodeWhisperer GenerateAssistantResponse body.
type request struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ConversationId  string         `json:"conversationId"`
	History         []historyEntry `json:"history"`
	CurrentMessage  currentMessage `json:"currentMessage"`
	ChatTriggerType string         `json:"chatTriggerType"`
}

type currentMessage struct {
	UserInputMessage userInputMessage `json:"userInputMessage"`
}

type userInputMessage struct {
	Content                 string       `json:"content"`
	ModelId                 string       `json:"modelId,omitempty"`
	Origin                  string       `json:"origin,omitempty"`
	UserInputMessageContext inputContext `json:"userInputMessageContext"`
}

type inputContext struct {
	EnvState envState   `json:"envState"`
	Tools    []toolSpec `json:"tools,omitempty"`
}

type envState struct {
	OperatingSystem         string `json:"operatingSystem"`
	CurrentWorkingDirectory string `json:"currentWorkingDirectory"`
}

type toolSpec struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON any `json:"json"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type assistantResponseMessage struct {
	MessageId string `json:"messageId"`
	Content   string `json:"content"`
}

// mergedTurn is one strict-alternation turn after history merging.
type mergedTurn struct {
	role string
	text string
}

// serializeBlocks flattens Claude content blocks to the tag-text form
// the upstream understands.
func serializeBlocks(msg *relaymodel.ClaudeMessage) string {
	if s, ok := msg.Content.(string); ok {
		return s
	}
	var parts []string
	for _, block := range msg.ContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "thinking":
			parts = append(parts, thinkingStartTag+block.Thinking+thinkingEndTag)
		case "tool_use":
			input, err := json.Marshal(block.Input)
			if err != nil {
				input = []byte("{}")
			}
			parts = append(parts, fmt.Sprintf("<tool_use><name>%s</name><input>%s</input></tool_use>",
				block.Name, input))
		case "tool_result":
			parts = append(parts, fmt.Sprintf(`<tool_result id="%s">%s</tool_result>`,
				block.ToolUseID, serializeToolResultContent(block.Content)))
		}
	}
	return strings.Join(parts, "\n")
}

func serializeToolResultContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
					continue
				}
			}
			if b, err := json.Marshal(item); err == nil {
				parts = append(parts, string(b))
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	}
	if b, err := json.Marshal(content); err == nil {
		return string(b)
	}
	return ""
}

// mergeTurns collapses consecutive same-role messages and forces the
// sequence to start with a user turn, so history alternates strictly.
func mergeTurns(messages []relaymodel.ClaudeMessage) []mergedTurn {
	var turns []mergedTurn
	for i := range messages {
		role := messages[i].Role
		if role != "assistant" {
			role = "user"
		}
		text := serializeBlocks(&messages[i])
		if n := len(turns); n > 0 && turns[n-1].role == role {
			if text != "" {
				if turns[n-1].text != "" {
					turns[n-1].text += "\n"
				}
				turns[n-1].text += text
			}
			continue
		}
		turns = append(turns, mergedTurn{role: role, text: text})
	}
	if len(turns) > 0 && turns[0].role != "user" {
		turns = append([]mergedTurn{{role: "user"}}, turns...)
	}
	return turns
}

// mapModel normalizes arbitrary Claude model names onto the upstream's
// supported set.
func mapModel(claudeModel string) string {
	lower := strings.ToLower(claudeModel)
	switch {
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5"
	case strings.Contains(lower, "opus"):
		return "claude-opus-4.5"
	default:
		return "claude-sonnet-4.5"
	}
}

// buildBody assembles the upstream request body. The current turn is
// the last merged user turn wrapped in the context preamble; everything
// before it becomes history.
func buildBody(req *relaymodel.ClaudeRequest, conversationId, profileArn, mappedModel string, thinkingEnabled bool) (*request, error) {
	turns := mergeTurns(req.Messages)
	if len(turns) == 0 {
		return nil, errors.New("request has no messages")
	}

	// the final turn must be a user turn for the upstream to respond
	if turns[len(turns)-1].role != "user" {
		turns = append(turns, mergedTurn{role: "user"})
	}

	current := turns[len(turns)-1]
	historyTurns := turns[:len(turns)-1]

	env := envState{OperatingSystem: "macos", CurrentWorkingDirectory: "/"}
	history := make([]historyEntry, 0, len(historyTurns))
	for _, turn := range historyTurns {
		if turn.role == "user" {
			history = append(history, historyEntry{UserInputMessage: &userInputMessage{
				Content:                 turn.text,
				Origin:                  "CLI",
				UserInputMessageContext: inputContext{EnvState: env},
			}})
		} else {
			history = append(history, historyEntry{AssistantResponseMessage: &assistantResponseMessage{
				MessageId: random.GetUUID(),
				Content:   turn.text,
			}})
		}
	}

	prompt := current.text
	if thinkingEnabled {
		if prompt != "" {
			prompt += "\n"
		}
		prompt += thinkingHint
	}

	var sb strings.Builder
	sb.WriteString("--- CONTEXT ENTRY BEGIN ---\n")
	sb.WriteString("Current time: " + helper.UpstreamTimestamp(time.Now()) + "\n")
	sb.WriteString("--- CONTEXT ENTRY END ---\n\n")
	if system := req.SystemText(); system != "" {
		sb.WriteString("--- SYSTEM PROMPT BEGIN ---\n")
		sb.WriteString(system)
		sb.WriteString("\n--- SYSTEM PROMPT END ---\n\n")
	}
	sb.WriteString("--- USER MESSAGE BEGIN ---\n")
	sb.WriteString(prompt)
	sb.WriteString("\n--- USER MESSAGE END ---")

	tools := make([]toolSpec, 0, len(req.Tools))
	for i := range req.Tools {
		tool := req.Tools[i].NormalizedTool()
		tools = append(tools, toolSpec{ToolSpecification: toolSpecification{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchema{JSON: tool.InputSchema},
		}})
	}

	return &request{
		ConversationState: conversationState{
			ConversationId: conversationId,
			History:        history,
			CurrentMessage: currentMessage{UserInputMessage: userInputMessage{
				Content:                 sb.String(),
				ModelId:                 mapModel(mappedModel),
				Origin:                  "CLI",
				UserInputMessageContext: inputContext{EnvState: env, Tools: tools},
			}},
			ChatTriggerType: "MANUAL",
		},
		ProfileArn: profileArn,
	}, nil
}

