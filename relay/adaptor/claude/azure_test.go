package claude

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relaymodel "github.com/qrelay/qrelay/relay/model"
)

func TestAzureRewritesUnsignedThinking(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{
			{Role: "assistant", Content: []relaymodel.ClaudeContentBlock{
				{Type: "thinking", Thinking: "x"},
				{Type: "text", Text: "y"},
			}},
		},
		Thinking: &relaymodel.ClaudeThinking{Type: "enabled", BudgetTokens: 1024},
	}
	cleaned := cleanForAzure(req)

	require.Len(t, cleaned.Messages, 1)
	blocks := cleaned.Messages[0].ContentBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "<previous_thinking>x</previous_thinking>", blocks[0].Text)
	assert.Equal(t, "y", blocks[1].Text)

	// first block no longer a signed thinking block, so the parameter goes
	assert.Nil(t, cleaned.Thinking)

	// original untouched
	assert.NotNil(t, req.Thinking)
	assert.Equal(t, "thinking", req.Messages[0].ContentBlocks()[0].Type)
}

func TestAzureKeepsSignedThinkingAndParameter(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{
			{Role: "user", Content: "question"},
			{Role: "assistant", Content: []relaymodel.ClaudeContentBlock{
				{Type: "thinking", Thinking: "reasoning", Signature: "sig-ok"},
				{Type: "text", Text: "answer"},
			}},
		},
		Thinking: &relaymodel.ClaudeThinking{Type: "enabled", BudgetTokens: 2048},
	}
	cleaned := cleanForAzure(req)

	blocks := cleaned.Messages[1].ContentBlocks()
	assert.Equal(t, "thinking", blocks[0].Type)
	assert.Equal(t, "sig-ok", blocks[0].Signature)
	require.NotNil(t, cleaned.Thinking)
	assert.Equal(t, 2048, cleaned.Thinking.BudgetTokens)
}

func TestAzureStripsExtensionFields(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model:             "claude-sonnet-4-5",
		Messages:          []relaymodel.ClaudeMessage{{Role: "user", Content: "hi"}},
		ContextManagement: json.RawMessage(`{"edits":[]}`),
		Betas:             json.RawMessage(`["beta-1"]`),
		AnthropicBeta:     json.RawMessage(`["beta-2"]`),
	}
	cleaned := cleanForAzure(req)
	assert.Nil(t, cleaned.ContextManagement)
	assert.Nil(t, cleaned.Betas)
	assert.Nil(t, cleaned.AnthropicBeta)
}

func TestAzureRedactedThinkingKeptOnlyWithData(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{
			{Role: "assistant", Content: []relaymodel.ClaudeContentBlock{
				{Type: "redacted_thinking", Data: "opaque"},
				{Type: "redacted_thinking"},
				{Type: "text", Text: "done"},
			}},
		},
	}
	cleaned := cleanForAzure(req)
	blocks := cleaned.Messages[0].ContentBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "redacted_thinking", blocks[0].Type)
	assert.Equal(t, "opaque", blocks[0].Data)
	assert.Equal(t, "text", blocks[1].Type)
}

func TestAzureDropsEmptyMessagesExceptTrailingAssistant(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: []relaymodel.ClaudeContentBlock{}},
			{Role: "user", Content: "again"},
			{Role: "assistant", Content: []relaymodel.ClaudeContentBlock{}},
		},
	}
	cleaned := cleanForAzure(req)
	require.Len(t, cleaned.Messages, 3)
	assert.Equal(t, "assistant", cleaned.Messages[2].Role)
}

func TestAzureNormalizesWrappedTools(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{{Role: "user", Content: "hi"}},
		Tools: []relaymodel.ClaudeTool{
			{Type: "custom", Custom: &relaymodel.ClaudeToolFunction{
				Name:        "lookup",
				Description: "find things",
				InputSchema: map[string]any{"type": "object"},
			}},
			{Function: &relaymodel.ClaudeToolFunction{
				Name:       "calc",
				Parameters: map[string]any{"type": "object"},
			}},
		},
	}
	cleaned := cleanForAzure(req)
	require.Len(t, cleaned.Tools, 2)
	assert.Equal(t, "lookup", cleaned.Tools[0].Name)
	assert.Equal(t, "find things", cleaned.Tools[0].Description)
	assert.NotNil(t, cleaned.Tools[0].InputSchema)
	assert.Equal(t, "calc", cleaned.Tools[1].Name)
	assert.NotNil(t, cleaned.Tools[1].InputSchema)
}
