package amazonq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relaymodel "github.com/qrelay/qrelay/relay/model"
)

func userMsg(text string) relaymodel.ClaudeMessage {
	return relaymodel.ClaudeMessage{Role: "user", Content: text}
}

func assistantMsg(text string) relaymodel.ClaudeMessage {
	return relaymodel.ClaudeMessage{Role: "assistant", Content: text}
}

func TestMergeTurnsCollapsesSameRole(t *testing.T) {
	turns := mergeTurns([]relaymodel.ClaudeMessage{
		userMsg("a"), userMsg("b"), assistantMsg("c"), assistantMsg("d"), userMsg("e"),
	})
	require.Len(t, turns, 3)
	assert.Equal(t, "user", turns[0].role)
	assert.Equal(t, "a\nb", turns[0].text)
	assert.Equal(t, "assistant", turns[1].role)
	assert.Equal(t, "c\nd", turns[1].text)
	assert.Equal(t, "e", turns[2].text)
}

func TestMergeTurnsPrependsEmptyUser(t *testing.T) {
	turns := mergeTurns([]relaymodel.ClaudeMessage{assistantMsg("hi"), userMsg("q")})
	require.Len(t, turns, 3)
	assert.Equal(t, "user", turns[0].role)
	assert.Empty(t, turns[0].text)
	assert.Equal(t, "assistant", turns[1].role)
}

func TestSerializeBlocksRendersTags(t *testing.T) {
	msg := relaymodel.ClaudeMessage{Role: "assistant", Content: []relaymodel.ClaudeContentBlock{
		{Type: "text", Text: "answer"},
		{Type: "thinking", Thinking: "pondering"},
		{Type: "tool_use", ID: "tu_1", Name: "get_weather", Input: map[string]any{"city": "SF"}},
	}}
	got := serializeBlocks(&msg)
	assert.Contains(t, got, "answer")
	assert.Contains(t, got, "<thinking>pondering</thinking>")
	assert.Contains(t, got, "<tool_use><name>get_weather</name>")
	assert.Contains(t, got, `"city":"SF"`)

	result := relaymodel.ClaudeMessage{Role: "user", Content: []relaymodel.ClaudeContentBlock{
		{Type: "tool_result", ToolUseID: "tu_1", Content: "72F"},
	}}
	assert.Equal(t, `<tool_result id="tu_1">72F</tool_result>`, serializeBlocks(&result))
}

func TestBuildBodyWrapsPromptInPreamble(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model:    "claude-sonnet-4-5",
		System:   "be brief",
		Messages: []relaymodel.ClaudeMessage{userMsg("hello")},
	}
	body, err := buildBody(req, "conv-1", "arn:aws:profile/x", "claude-sonnet-4-5", false)
	require.NoError(t, err)

	content := body.ConversationState.CurrentMessage.UserInputMessage.Content
	assert.Contains(t, content, "--- CONTEXT ENTRY BEGIN ---")
	assert.Contains(t, content, "Current time: ")
	assert.Contains(t, content, "--- SYSTEM PROMPT BEGIN ---\nbe brief\n--- SYSTEM PROMPT END ---")
	assert.Contains(t, content, "--- USER MESSAGE BEGIN ---\nhello\n--- USER MESSAGE END ---")
	assert.NotContains(t, content, thinkingHint)

	assert.Equal(t, "conv-1", body.ConversationState.ConversationId)
	assert.Equal(t, "arn:aws:profile/x", body.ProfileArn)
	assert.Empty(t, body.ConversationState.History)
}

func TestBuildBodyThinkingHintAppended(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{userMsg("solve this")},
	}
	body, err := buildBody(req, "conv-1", "", "claude-sonnet-4-5", true)
	require.NoError(t, err)
	assert.Contains(t,
		body.ConversationState.CurrentMessage.UserInputMessage.Content, thinkingHint)
}

func TestBuildBodySplitsHistoryFromCurrent(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{
			userMsg("first"), assistantMsg("reply"), userMsg("second"),
		},
	}
	body, err := buildBody(req, "conv-1", "", "claude-sonnet-4-5", false)
	require.NoError(t, err)

	require.Len(t, body.ConversationState.History, 2)
	require.NotNil(t, body.ConversationState.History[0].UserInputMessage)
	assert.Equal(t, "first", body.ConversationState.History[0].UserInputMessage.Content)
	require.NotNil(t, body.ConversationState.History[1].AssistantResponseMessage)
	assert.Equal(t, "reply", body.ConversationState.History[1].AssistantResponseMessage.Content)
	assert.NotEmpty(t, body.ConversationState.History[1].AssistantResponseMessage.MessageId)
	assert.Contains(t,
		body.ConversationState.CurrentMessage.UserInputMessage.Content, "second")
}

func TestBuildBodyConvertsTools(t *testing.T) {
	req := &relaymodel.ClaudeRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relaymodel.ClaudeMessage{userMsg("weather?")},
		Tools: []relaymodel.ClaudeTool{
			{Name: "get_weather", Description: "lookup", InputSchema: map[string]any{"type": "object"}},
		},
	}
	body, err := buildBody(req, "conv-1", "", "claude-sonnet-4-5", false)
	require.NoError(t, err)

	tools := body.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].ToolSpecification.Name)
	assert.Equal(t, "lookup", tools[0].ToolSpecification.Description)
}

func TestMapModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4.5", mapModel("claude-sonnet-4-5-20250929"))
	assert.Equal(t, "claude-opus-4.5", mapModel("claude-opus-4-1"))
	assert.Equal(t, "claude-haiku-4.5", mapModel("claude-haiku-3-5"))
	assert.Equal(t, "claude-sonnet-4.5", mapModel("some-unknown-model"))
}
