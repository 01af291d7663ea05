package tokencount

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/relay/model"
)

// Estimator counts tokens for a block of text. The concrete estimator
// is swappable so callers are not tied to one tokenizer implementation.
type Estimator interface {
	Count(model, text string) int
}

var (
	estimatorMu sync.RWMutex
	estimator   Estimator
)

// SetEstimator swaps the process-wide estimator. Passing nil restores
// the default selection.
func SetEstimator(e Estimator) {
	estimatorMu.Lock()
	defer estimatorMu.Unlock()
	estimator = e
}

func getEstimator() Estimator {
	estimatorMu.RLock()
	e := estimator
	estimatorMu.RUnlock()
	if e != nil {
		return e
	}

	estimatorMu.Lock()
	defer estimatorMu.Unlock()
	if estimator == nil {
		if config.ApproximateTokenEnabled {
			estimator = ApproximateEstimator{}
		} else {
			estimator = newTiktokenEstimator()
		}
	}
	return estimator
}

// ApproximateEstimator is the cheap chars-based fallback used when
// tiktoken encodings are unavailable or disabled.
type ApproximateEstimator struct{}

func (ApproximateEstimator) Count(_ string, text string) int {
	return int(float64(len(text)) * 0.38)
}

type tiktokenEstimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	fallback *tiktoken.Tiktoken
}

func newTiktokenEstimator() *tiktokenEstimator {
	t := &tiktokenEstimator{encoders: map[string]*tiktoken.Tiktoken{}}
	// cl100k_base covers the Claude-ish token densities well enough for
	// rate-limit accounting.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		t.fallback = enc
	}
	return t
}

func (t *tiktokenEstimator) Count(modelName, text string) int {
	t.mu.Lock()
	enc, ok := t.encoders[modelName]
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(modelName)
		if err != nil {
			enc = t.fallback
		}
		t.encoders[modelName] = enc
	}
	t.mu.Unlock()

	if enc == nil {
		return ApproximateEstimator{}.Count(modelName, text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountText counts tokens in a text fragment for the given model.
func CountText(modelName, text string) int {
	if text == "" {
		return 0
	}
	return getEstimator().Count(modelName, text)
}

// CountClaudeRequest estimates the input token count of a whole
// Messages request: system prompt, every message block, and the JSON
// form of tool declarations.
func CountClaudeRequest(req *model.ClaudeRequest) int {
	total := 0
	if system := req.SystemText(); system != "" {
		total += CountText(req.Model, system)
	}
	for i := range req.Messages {
		total += countMessage(req.Model, &req.Messages[i])
	}
	for i := range req.Tools {
		if b, err := json.Marshal(req.Tools[i]); err == nil {
			total += CountText(req.Model, string(b))
		}
	}
	return total
}

func countMessage(modelName string, msg *model.ClaudeMessage) int {
	total := CountText(modelName, msg.Role)
	for _, block := range msg.ContentBlocks() {
		switch block.Type {
		case "text":
			total += CountText(modelName, block.Text)
		case "thinking":
			total += CountText(modelName, block.Thinking)
		case "tool_use":
			total += CountText(modelName, block.Name)
			if b, err := json.Marshal(block.Input); err == nil {
				total += CountText(modelName, string(b))
			}
		case "tool_result":
			if b, err := json.Marshal(block.Content); err == nil {
				total += CountText(modelName, string(b))
			}
		case "image":
			// flat charge per image, the upstream bill is opaque anyway
			total += 1000
		}
	}
	return total
}

// IsZeroInputModel reports whether the model is configured to report
// zero input tokens in usage frames.
func IsZeroInputModel(modelName string) bool {
	for _, m := range config.ZeroInputTokenModels {
		if m == modelName {
			return true
		}
	}
	return false
}
