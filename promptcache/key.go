package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/qrelay/qrelay/relay/model"
)

// KeyOf hashes raw cacheable content.
func KeyOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CacheableContent assembles the cacheable prefix of a request: the
// system text, every block marked cache_control ephemeral in message
// order, and the tool list when tools appear before the last marker
// (tools always precede messages on the wire, so any marker suffices).
func CacheableContent(req *model.ClaudeRequest) string {
	var sb strings.Builder
	sb.WriteString(req.SystemText())

	sawMarker := false
	for i := range req.Messages {
		for _, block := range req.Messages[i].ContentBlocks() {
			if block.CacheControl == nil || block.CacheControl.Type != "ephemeral" {
				continue
			}
			sawMarker = true
			switch block.Type {
			case "text":
				sb.WriteString(block.Text)
			case "thinking":
				sb.WriteString(block.Thinking)
			default:
				if b, err := json.Marshal(block); err == nil {
					sb.Write(b)
				}
			}
		}
	}

	if sawMarker && len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			sb.Write(b)
		}
	}
	return sb.String()
}

// KeyForRequest is the content-addressed cache key of a request.
func KeyForRequest(req *model.ClaudeRequest) string {
	return KeyOf(CacheableContent(req))
}
