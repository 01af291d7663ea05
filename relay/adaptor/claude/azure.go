package claude

import (
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

const (
	prevThinkingStartTag = "<previous_thinking>"
	prevThinkingEndTag   = "</previous_thinking>"
)

// cleanForAzure rewrites a Claude request for Azure-hosted Anthropic
// deployments, which reject extension fields, unsigned thinking blocks
// and wrapped tool declarations. The input is not modified.
func cleanForAzure(req *relaymodel.ClaudeRequest) *relaymodel.ClaudeRequest {
	cleaned := *req
	cleaned.ContextManagement = nil
	cleaned.Betas = nil
	cleaned.AnthropicBeta = nil

	cleaned.Messages = make([]relaymodel.ClaudeMessage, 0, len(req.Messages))
	for i := range req.Messages {
		msg := req.Messages[i]
		blocks := msg.ContentBlocks()
		if blocks != nil {
			kept := cleanBlocks(blocks)
			if len(kept) == 0 {
				// only the trailing assistant turn may stay empty
				if !(msg.Role == "assistant" && i == len(req.Messages)-1) {
					continue
				}
			}
			msg.Content = kept
		} else if s, ok := msg.Content.(string); ok && s == "" {
			if !(msg.Role == "assistant" && i == len(req.Messages)-1) {
				continue
			}
		}
		cleaned.Messages = append(cleaned.Messages, msg)
	}

	if len(req.Tools) > 0 {
		tools := make([]relaymodel.ClaudeTool, 0, len(req.Tools))
		for i := range req.Tools {
			tools = append(tools, req.Tools[i].NormalizedTool())
		}
		cleaned.Tools = tools
	}

	if !lastAssistantStartsWithSignedThinking(cleaned.Messages) {
		cleaned.Thinking = nil
	}
	return &cleaned
}

func cleanBlocks(blocks []relaymodel.ClaudeContentBlock) []relaymodel.ClaudeContentBlock {
	kept := make([]relaymodel.ClaudeContentBlock, 0, len(blocks))
	for i := range blocks {
		block := blocks[i]
		switch block.Type {
		case "thinking":
			if block.Signature != "" {
				kept = append(kept, block)
				continue
			}
			// unsigned thinking cannot be replayed; keep the text so
			// the model still sees its earlier reasoning
			kept = append(kept, relaymodel.ClaudeContentBlock{
				Type: "text",
				Text: prevThinkingStartTag + block.Thinking + prevThinkingEndTag,
			})
		case "redacted_thinking":
			if block.Data != "" {
				kept = append(kept, block)
			}
		default:
			kept = append(kept, block)
		}
	}
	return kept
}

// lastAssistantStartsWithSignedThinking reports whether the trailing
// assistant message opens with a thinking block that survived cleaning.
// The thinking parameter is only valid when it does.
func lastAssistantStartsWithSignedThinking(messages []relaymodel.ClaudeMessage) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		blocks := messages[i].ContentBlocks()
		return len(blocks) > 0 && blocks[0].Type == "thinking" && blocks[0].Signature != ""
	}
	return false
}
