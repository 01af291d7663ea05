// Package relay carries the streaming state shared by every channel
// adaptor: Claude SSE framing, block index allocation, and output
// token accounting.
package relay

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/render"
	"github.com/qrelay/qrelay/common/tokencount"
	relaymodel "github.com/qrelay/qrelay/relay/model"
)

// StreamState frames one outgoing Claude SSE stream. All writes go
// through one mutex so adaptor reads and the keepalive pinger never
// interleave frames.
type StreamState struct {
	mu sync.Mutex

	c         *gin.Context
	MessageID string
	Model     string

	nextIndex int
	curIndex  int
	curType   string
	blockOpen bool

	started     bool
	finished    bool
	passthrough bool

	lastWrite time.Time

	InputTokens         int
	CacheReadTokens     int
	CacheCreationTokens int
	outputTokens        int
}

func NewStreamState(c *gin.Context, messageID, model string) *StreamState {
	return &StreamState{
		c:         c,
		MessageID: messageID,
		Model:     model,
		lastWrite: time.Now(),
	}
}

func (s *StreamState) touch() {
	s.lastWrite = time.Now()
}

// LastWrite reports when the stream last emitted a frame.
func (s *StreamState) LastWrite() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

// EmitMessageStart opens the stream. Cache stats captured earlier are
// injected into the initial usage.
func (s *StreamState) EmitMessageStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.touch()
	render.SetEventStreamHeaders(s.c)
	event := relaymodel.NewMessageStart(s.MessageID, s.Model, relaymodel.ClaudeUsage{
		InputTokens:              s.InputTokens,
		CacheReadInputTokens:     s.CacheReadTokens,
		CacheCreationInputTokens: s.CacheCreationTokens,
	})
	return render.Event(s.c, "message_start", event)
}

// MarkPassthrough puts the state in passthrough mode: the adaptor
// forwards upstream frames itself, so keepalive pings are suppressed
// (block boundaries are not tracked here).
func (s *StreamState) MarkPassthrough() {
	s.mu.Lock()
	s.passthrough = true
	render.SetEventStreamHeaders(s.c)
	s.mu.Unlock()
}

// NotePassthroughWrite records a directly forwarded frame.
func (s *StreamState) NotePassthroughWrite() {
	s.mu.Lock()
	s.started = true
	s.touch()
	s.mu.Unlock()
}

// Ping emits a keepalive frame. Skipped while a content block is open
// so the event sequence stays well formed.
func (s *StreamState) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.finished || s.blockOpen || s.passthrough {
		return nil
	}
	s.touch()
	return render.Ping(s.c)
}

func (s *StreamState) ensureBlockLocked(blockType string, start relaymodel.ContentBlockStartEvent) error {
	if s.blockOpen && s.curType == blockType {
		return nil
	}
	if s.blockOpen {
		if err := s.closeBlockLocked(); err != nil {
			return err
		}
	}
	s.curIndex = s.nextIndex
	s.nextIndex++
	s.curType = blockType
	s.blockOpen = true
	s.touch()
	start.Index = s.curIndex
	return render.Event(s.c, "content_block_start", start)
}

func (s *StreamState) closeBlockLocked() error {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	s.curType = ""
	s.touch()
	return render.Event(s.c, "content_block_stop", relaymodel.NewContentBlockStop(s.curIndex))
}

// CloseBlock ends the currently open content block, if any.
func (s *StreamState) CloseBlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeBlockLocked()
}

// EmitText appends visible assistant text, opening a text block as
// needed.
func (s *StreamState) EmitText(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureBlockLocked("text", relaymodel.NewTextBlockStart(0)); err != nil {
		return err
	}
	s.outputTokens += tokencount.CountText(s.Model, text)
	s.touch()
	return render.Event(s.c, "content_block_delta", relaymodel.NewTextDelta(s.curIndex, text))
}

// EmitThinking appends thinking text, opening a thinking block as
// needed.
func (s *StreamState) EmitThinking(thinking string) error {
	if thinking == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureBlockLocked("thinking", relaymodel.NewThinkingBlockStart(0)); err != nil {
		return err
	}
	s.touch()
	return render.Event(s.c, "content_block_delta", relaymodel.NewThinkingDelta(s.curIndex, thinking))
}

// EmitSignature attaches a signature delta to the open thinking block.
func (s *StreamState) EmitSignature(signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.blockOpen || s.curType != "thinking" {
		return nil
	}
	s.touch()
	return render.Event(s.c, "content_block_delta", relaymodel.NewSignatureDelta(s.curIndex, signature))
}

// StartToolUse opens a tool_use block; any open block is closed first.
func (s *StreamState) StartToolUse(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockOpen {
		if err := s.closeBlockLocked(); err != nil {
			return err
		}
	}
	s.curIndex = s.nextIndex
	s.nextIndex++
	s.curType = "tool_use"
	s.blockOpen = true
	s.touch()
	return render.Event(s.c, "content_block_start",
		relaymodel.NewToolUseBlockStart(s.curIndex, id, name))
}

// EmitToolInput streams a fragment of the open tool_use block's
// argument JSON.
func (s *StreamState) EmitToolInput(partialJSON string) error {
	if partialJSON == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.blockOpen || s.curType != "tool_use" {
		return nil
	}
	s.outputTokens += tokencount.CountText(s.Model, partialJSON)
	s.touch()
	return render.Event(s.c, "content_block_delta",
		relaymodel.NewInputJSONDelta(s.curIndex, partialJSON))
}

// ApplyUpstreamUsage replaces the estimated token counts with numbers
// the upstream reported itself. Zero values keep the estimate.
func (s *StreamState) ApplyUpstreamUsage(inputTokens, outputTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inputTokens > 0 {
		s.InputTokens = inputTokens
	}
	if outputTokens > 0 {
		s.outputTokens = outputTokens
	}
}

// OutputTokens is the running output token estimate over emitted text
// and tool-input JSON.
func (s *StreamState) OutputTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputTokens
}

// Started reports whether message_start has been written.
func (s *StreamState) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// FinalUsage is the usage attached to message_delta at stream end.
func (s *StreamState) FinalUsage() relaymodel.ClaudeUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return relaymodel.ClaudeUsage{
		InputTokens:              s.InputTokens,
		OutputTokens:             s.outputTokens,
		CacheReadInputTokens:     s.CacheReadTokens,
		CacheCreationInputTokens: s.CacheCreationTokens,
	}
}

// Finish closes any open block and terminates the stream with
// message_delta and message_stop. Idempotent.
func (s *StreamState) Finish(stopReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || !s.started {
		s.finished = true
		return nil
	}
	s.finished = true
	if err := s.closeBlockLocked(); err != nil {
		return err
	}
	usage := relaymodel.ClaudeUsage{
		InputTokens:              s.InputTokens,
		OutputTokens:             s.outputTokens,
		CacheReadInputTokens:     s.CacheReadTokens,
		CacheCreationInputTokens: s.CacheCreationTokens,
	}
	s.touch()
	if err := render.Event(s.c, "message_delta", relaymodel.NewMessageDelta(stopReason, usage)); err != nil {
		return err
	}
	return render.Event(s.c, "message_stop", relaymodel.NewMessageStop())
}

// Finished reports whether the terminal frames were written.
func (s *StreamState) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
