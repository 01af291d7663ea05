package relay

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	*httptest.ResponseRecorder
}

func (f *flushRecorder) Flush() {}

func newStreamContext() (*gin.Context, *flushRecorder) {
	gin.SetMode(gin.TestMode)
	rec := &flushRecorder{httptest.NewRecorder()}
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("POST", "/v1/messages", nil)
	return c, rec
}

func TestStreamStateFramesWellFormedSequence(t *testing.T) {
	c, rec := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")
	state.InputTokens = 12

	require.NoError(t, state.EmitMessageStart())
	require.NoError(t, state.EmitThinking("pondering"))
	require.NoError(t, state.EmitText("hello"))
	require.NoError(t, state.EmitText(" world"))
	require.NoError(t, state.Finish("end_turn"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: message_start"))
	// thinking block closes when the text block opens
	assert.Equal(t, 2, strings.Count(body, "event: content_block_start"))
	assert.Equal(t, 2, strings.Count(body, "event: content_block_stop"))
	assert.Contains(t, body, `"index":0`)
	assert.Contains(t, body, `"index":1`)
	assert.Contains(t, body, `"thinking":"pondering"`)
	assert.Contains(t, body, `"text":"hello"`)
	assert.Equal(t, 1, strings.Count(body, "event: message_delta"))
	assert.Equal(t, 1, strings.Count(body, "event: message_stop"))
	assert.Contains(t, body, `"input_tokens":12`)
	assert.True(t, state.Finished())
}

func TestStreamStatePingSuppressedInsideBlock(t *testing.T) {
	c, rec := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")

	// before message_start nothing may be written
	require.NoError(t, state.Ping())
	assert.Empty(t, rec.Body.String())

	require.NoError(t, state.EmitMessageStart())
	require.NoError(t, state.Ping())
	assert.Contains(t, rec.Body.String(), "event: ping")

	require.NoError(t, state.EmitText("chunk"))
	before := rec.Body.Len()
	require.NoError(t, state.Ping())
	assert.Equal(t, before, rec.Body.Len())

	require.NoError(t, state.CloseBlock())
	require.NoError(t, state.Ping())
	assert.Equal(t, 2, strings.Count(rec.Body.String(), "event: ping"))
}

func TestStreamStatePassthroughSuppressesPings(t *testing.T) {
	c, rec := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")
	state.MarkPassthrough()
	state.NotePassthroughWrite()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, state.Started())
	require.NoError(t, state.Ping())
	assert.Empty(t, rec.Body.String())
}

func TestStreamStateToolUseBlockGetsFreshIndex(t *testing.T) {
	c, rec := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")

	require.NoError(t, state.EmitMessageStart())
	require.NoError(t, state.EmitText("calling a tool"))
	require.NoError(t, state.StartToolUse("toolu_01", "get_weather"))
	require.NoError(t, state.EmitToolInput(`{"city":"Berlin"}`))
	require.NoError(t, state.Finish("tool_use"))

	body := rec.Body.String()
	assert.Contains(t, body, `"name":"get_weather"`)
	assert.Contains(t, body, `"partial_json":"{\"city\":\"Berlin\"}"`)
	assert.Contains(t, body, `"stop_reason":"tool_use"`)
	// text block is index 0, tool_use gets index 1
	assert.Contains(t, body, `"index":1`)
}

func TestStreamStateUpstreamUsageOverridesEstimates(t *testing.T) {
	c, _ := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")
	state.InputTokens = 100

	require.NoError(t, state.EmitMessageStart())
	require.NoError(t, state.EmitText("short"))
	estimated := state.OutputTokens()
	assert.Positive(t, estimated)

	state.ApplyUpstreamUsage(42, 7)
	usage := state.FinalUsage()
	assert.Equal(t, 42, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)

	// zero values keep what we already have
	state.ApplyUpstreamUsage(0, 0)
	usage = state.FinalUsage()
	assert.Equal(t, 42, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)
}

func TestStreamStateFinishIsIdempotent(t *testing.T) {
	c, rec := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")

	require.NoError(t, state.EmitMessageStart())
	require.NoError(t, state.Finish("end_turn"))
	require.NoError(t, state.Finish("end_turn"))
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: message_stop"))
}

func TestStreamStateFinishBeforeStartWritesNothing(t *testing.T) {
	c, rec := newStreamContext()
	state := NewStreamState(c, "msg_test", "claude-sonnet-4")

	require.NoError(t, state.Finish("end_turn"))
	assert.Empty(t, rec.Body.String())
	assert.True(t, state.Finished())
}
