// Package thinkparse splits a streamed assistant text into plain and
// thinking segments by scanning for <thinking>...</thinking> tags that
// may straddle chunk boundaries.
package thinkparse

import "strings"

const (
	startTag = "<thinking>"
	endTag   = "</thinking>"
)

// Segment is a run of streamed text attributed to either the thinking
// channel or the visible text channel.
type Segment struct {
	Thinking bool
	Text     string
}

// Parser consumes arbitrarily chunked text. Tags split across chunks
// are held in the buffer until they resolve, so the produced segment
// structure does not depend on chunking.
type Parser struct {
	buf        strings.Builder
	inThinking bool
}

func New() *Parser {
	return &Parser{}
}

// Feed appends a chunk and returns every segment that can be resolved
// so far.
func (p *Parser) Feed(chunk string) []Segment {
	p.buf.WriteString(chunk)
	var segments []Segment

	for {
		buffered := p.buf.String()
		if p.inThinking {
			idx := strings.Index(buffered, endTag)
			if idx < 0 {
				emit := holdBackPartialTag(buffered, endTag)
				if emit > 0 {
					segments = appendSegment(segments, Segment{Thinking: true, Text: buffered[:emit]})
					p.resetBuf(buffered[emit:])
				}
				return segments
			}
			if idx > 0 {
				segments = appendSegment(segments, Segment{Thinking: true, Text: buffered[:idx]})
			}
			p.resetBuf(buffered[idx+len(endTag):])
			p.inThinking = false
			continue
		}

		idx := strings.Index(buffered, startTag)
		if idx < 0 {
			emit := holdBackPartialTag(buffered, startTag)
			if emit > 0 {
				segments = appendSegment(segments, Segment{Text: buffered[:emit]})
				p.resetBuf(buffered[emit:])
			}
			return segments
		}
		if idx > 0 {
			segments = appendSegment(segments, Segment{Text: buffered[:idx]})
		}
		p.resetBuf(buffered[idx+len(startTag):])
		p.inThinking = true
	}
}

// Flush drains any held-back tail at end of stream. An unclosed
// thinking section is emitted as thinking text; a dangling partial tag
// is emitted literally.
func (p *Parser) Flush() []Segment {
	buffered := p.buf.String()
	p.buf.Reset()
	if buffered == "" {
		return nil
	}
	return []Segment{{Thinking: p.inThinking, Text: buffered}}
}

func (p *Parser) resetBuf(rest string) {
	p.buf.Reset()
	p.buf.WriteString(rest)
}

// holdBackPartialTag returns how many leading bytes are safe to emit,
// keeping any suffix that is a proper prefix of tag.
func holdBackPartialTag(buffered, tag string) int {
	max := len(tag) - 1
	if max > len(buffered) {
		max = len(buffered)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buffered, tag[:n]) {
			return len(buffered) - n
		}
	}
	return len(buffered)
}

func appendSegment(segments []Segment, seg Segment) []Segment {
	if seg.Text == "" {
		return segments
	}
	if n := len(segments); n > 0 && segments[n-1].Thinking == seg.Thinking {
		segments[n-1].Text += seg.Text
		return segments
	}
	return append(segments, seg)
}
