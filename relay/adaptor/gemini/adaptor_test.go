package gemini

import (
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
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

func sseBody(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func adaptBody(t *testing.T, body io.ReadCloser) (string, *relay.StreamState) {
	t.Helper()
	c, w := newGinTestContext()
	resp := &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}
	state := relay.NewStreamState(c, "msg_test", "gemini-3-pro")
	usage, errResp := (&Adaptor{}).AdaptStream(c, resp, state)
	require.Nil(t, errResp)
	require.NotNil(t, usage)
	return w.Body.String(), state
}

func TestAdaptStreamTextParts(t *testing.T) {
	out, _ := adaptBody(t, sseBody(
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}`,
		``,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":7}}}`,
	))

	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, `"type":"text_delta","text":"Hello"`)
	assert.Contains(t, out, `"type":"text_delta","text":" world"`)
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, "event: message_stop")

	// usageMetadata overrides the local estimate
	assert.Contains(t, out, `"output_tokens":7`)
	assert.Contains(t, out, `"input_tokens":12`)
}

func TestAdaptStreamThoughtParts(t *testing.T) {
	out, _ := adaptBody(t, sseBody(
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"pondering","thought":true}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":" more","thought":true,"thoughtSignature":"sig-1"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}]}}`,
	))

	assert.Contains(t, out, `"content_block":{"type":"thinking"`)
	assert.Contains(t, out, `"type":"thinking_delta","thinking":"pondering"`)
	assert.Contains(t, out, `"type":"signature_delta","signature":"sig-1"`)

	// thinking block closes before the text block opens
	sigIdx := strings.Index(out, `"signature_delta"`)
	textIdx := strings.Index(out, `"text_delta","text":"answer"`)
	require.Greater(t, sigIdx, -1)
	require.Greater(t, textIdx, sigIdx)

	starts := regexp.MustCompile(`"type":"content_block_start","index":(\d+)`).FindAllStringSubmatch(out, -1)
	require.Len(t, starts, 2)
	assert.Equal(t, "0", starts[0][1])
	assert.Equal(t, "1", starts[1][1])
}

func TestAdaptStreamFunctionCall(t *testing.T) {
	out, _ := adaptBody(t, sseBody(
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Let me check."}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Tokyo"}}}]},"finishReason":"STOP"}]}}`,
	))

	assert.Contains(t, out, `"type":"tool_use"`)
	assert.Contains(t, out, `"name":"get_weather"`)
	assert.Contains(t, out, `"type":"input_json_delta"`)
	assert.Contains(t, out, `\"city\":\"Tokyo\"`)
	assert.Contains(t, out, `"stop_reason":"tool_use"`)
}

func TestAdaptStreamBareCandidates(t *testing.T) {
	// some deployments skip the response envelope
	out, _ := adaptBody(t, sseBody(
		`data: {"candidates":[{"content":{"parts":[{"text":"plain"}]},"finishReason":"MAX_TOKENS"}]}`,
	))
	assert.Contains(t, out, `"text":"plain"`)
	assert.Contains(t, out, `"stop_reason":"max_tokens"`)
}

func TestAdaptStreamEmptyBody(t *testing.T) {
	out, _ := adaptBody(t, sseBody(``))
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, "event: message_stop")
}

func TestAdaptStreamUpstreamError(t *testing.T) {
	c, _ := newGinTestContext()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body: sseBody(
			`data: {"error":{"code":500,"message":"internal failure","status":"INTERNAL"}}`,
		),
	}
	state := relay.NewStreamState(c, "msg_test", "gemini-3-pro")
	usage, errResp := (&Adaptor{}).AdaptStream(c, resp, state)
	assert.Nil(t, usage)
	require.NotNil(t, errResp)
	assert.Equal(t, http.StatusBadGateway, errResp.StatusCode)
	assert.Contains(t, errResp.Error.Message, "internal failure")
}
