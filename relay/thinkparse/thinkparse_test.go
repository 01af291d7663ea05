package thinkparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect feeds the input in the given chunk sizes and coalesces
// adjacent segments of the same kind, so results are comparable across
// chunkings.
func collect(input string, chunkSize int) []Segment {
	p := New()
	var all []Segment
	for i := 0; i < len(input); i += chunkSize {
		end := i + chunkSize
		if end > len(input) {
			end = len(input)
		}
		for _, seg := range p.Feed(input[i:end]) {
			all = appendSegment(all, seg)
		}
	}
	for _, seg := range p.Flush() {
		all = appendSegment(all, seg)
	}
	return all
}

func TestPlainTextPassesThrough(t *testing.T) {
	segments := collect("hello world", 4)
	require.Equal(t, []Segment{{Text: "hello world"}}, segments)
}

func TestThinkingSectionExtracted(t *testing.T) {
	segments := collect("before<thinking>ponder</thinking>after", len("before<thinking>ponder</thinking>after"))
	require.Equal(t, []Segment{
		{Text: "before"},
		{Thinking: true, Text: "ponder"},
		{Text: "after"},
	}, segments)
}

func TestChunkingInvariance(t *testing.T) {
	input := "a<thinking>deep thought</thinking>b<thinking>more</thinking>tail"
	want := collect(input, len(input))
	require.Equal(t, []Segment{
		{Text: "a"},
		{Thinking: true, Text: "deep thought"},
		{Text: "b"},
		{Thinking: true, Text: "more"},
		{Text: "tail"},
	}, want)

	for chunkSize := 1; chunkSize <= len(input); chunkSize++ {
		got := collect(input, chunkSize)
		assert.Equal(t, want, got, "chunk size %d", chunkSize)
	}
}

func TestTagSplitAcrossChunks(t *testing.T) {
	p := New()
	var all []Segment
	for _, chunk := range []string{"x<thin", "king>inner</thinki", "ng>y"} {
		for _, seg := range p.Feed(chunk) {
			all = appendSegment(all, seg)
		}
	}
	for _, seg := range p.Flush() {
		all = appendSegment(all, seg)
	}
	require.Equal(t, []Segment{
		{Text: "x"},
		{Thinking: true, Text: "inner"},
		{Text: "y"},
	}, all)
}

func TestUnclosedThinkingFlushesAsThinking(t *testing.T) {
	segments := collect("<thinking>never closed", 3)
	require.Equal(t, []Segment{{Thinking: true, Text: "never closed"}}, segments)
}

func TestDanglingPartialTagFlushesLiterally(t *testing.T) {
	segments := collect("text ends with <think", 5)
	require.Equal(t, []Segment{{Text: "text ends with <think"}}, segments)
}

func TestAngleBracketsWithoutTagsKept(t *testing.T) {
	input := "a < b and x<y> done"
	segments := collect(input, 2)
	require.Equal(t, []Segment{{Text: input}}, segments)
}

func TestEmptyThinkingSection(t *testing.T) {
	segments := collect("a<thinking></thinking>b", 1)
	require.Equal(t, []Segment{{Text: "ab"}}, segments)
}
