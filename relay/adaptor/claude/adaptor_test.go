package claude

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrelay/qrelay/relay"
)

type flushRecorder struct{ *httptest.ResponseRecorder }

func (f *flushRecorder) Flush() {}

func newGinTestContext() (*gin.Context, *flushRecorder) {
	gin.SetMode(gin.TestMode)
	w := &flushRecorder{httptest.NewRecorder()}
	c, _ := gin.CreateTestContext(w)
	return c, w
}

const upstreamSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_up","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"pass through"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":11}}

event: message_stop
data: {"type":"message_stop"}

`

func TestPassthroughForwardsAndHarvestsUsage(t *testing.T) {
	c, w := newGinTestContext()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(upstreamSSE)),
	}
	state := relay.NewStreamState(c, "msg_local", "claude-sonnet-4-5")
	usage, errResp := (&Adaptor{}).AdaptStream(c, resp, state)
	require.Nil(t, errResp)
	require.NotNil(t, usage)

	assert.Equal(t, 25, usage.InputTokens)
	assert.Equal(t, 11, usage.OutputTokens)

	out := w.Body.String()
	// upstream message id survives untouched
	assert.Contains(t, out, `"id":"msg_up"`)
	assert.Contains(t, out, `"text":"pass through"`)
	assert.Contains(t, out, "event: message_stop")
	assert.True(t, state.Started())
}

func TestPassthroughPatchesCacheStatsIntoMessageStart(t *testing.T) {
	c, w := newGinTestContext()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(upstreamSSE)),
	}
	state := relay.NewStreamState(c, "msg_local", "claude-sonnet-4-5")
	state.CacheReadTokens = 40
	state.CacheCreationTokens = 0

	usage, errResp := (&Adaptor{}).AdaptStream(c, resp, state)
	require.Nil(t, errResp)
	require.NotNil(t, usage)
	assert.Equal(t, 40, usage.CacheReadInputTokens)

	out := w.Body.String()
	assert.Contains(t, out, `"cache_read_input_tokens":40`)
	// only message_start is rewritten; deltas stay verbatim
	assert.Contains(t, out, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"pass through"}}`)
}

func TestPassthroughPingSuppressed(t *testing.T) {
	c, w := newGinTestContext()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(upstreamSSE)),
	}
	state := relay.NewStreamState(c, "msg_local", "claude-sonnet-4-5")
	_, errResp := (&Adaptor{}).AdaptStream(c, resp, state)
	require.Nil(t, errResp)

	before := w.Body.Len()
	require.NoError(t, state.Ping())
	assert.Equal(t, before, w.Body.Len())
}
