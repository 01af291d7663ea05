package render

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
)

// SetEventStreamHeaders prepares the response writer for SSE output.
func SetEventStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// Event writes a named SSE event frame in the
// "event: <type>\ndata: <json>\n\n" wire form used by the Claude
// Messages protocol, then flushes the writer.
func Event(c *gin.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal sse payload")
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	Flush(c)
	return nil
}

// Ping emits the keepalive frame clients expect during long tool calls.
func Ping(c *gin.Context) error {
	return Event(c, "ping", map[string]string{"type": "ping"})
}

func Flush(c *gin.Context) {
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}
