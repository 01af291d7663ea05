package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	relaymodel "github.com/qrelay/qrelay/relay/model"
)

// Wire shapes for the internal streamGenerateContent surface. The
// request is an envelope carrying the project and model next to the
// generateContent body itself.
type request struct {
	Project   string   `json:"project"`
	RequestId string   `json:"request_id"`
	Request   innerReq `json:"request"`
	Model     string   `json:"model"`
	UserAgent string   `json:"user_agent"`
}

type innerReq struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// schemaDroppedKeys are JSON-schema fields the internal surface rejects.
// Bound constraints are folded into the description so the model still
// sees them.
var schemaDroppedKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
}

var schemaBoundKeys = []string{"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum"}

// cleanSchema strips schema fields the upstream rejects, recursively.
func cleanSchema(schema any) any {
	switch v := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		var notes []string
		for key, value := range v {
			if schemaDroppedKeys[key] {
				continue
			}
			out[key] = cleanSchema(value)
		}
		for _, key := range schemaBoundKeys {
			if bound, ok := out[key]; ok {
				delete(out, key)
				notes = append(notes, fmt.Sprintf("%s: %v", key, bound))
			}
		}
		if len(notes) > 0 {
			desc, _ := out["description"].(string)
			if desc != "" {
				desc += " "
			}
			out["description"] = desc + "(" + strings.Join(notes, ", ") + ")"
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cleanSchema(item)
		}
		return out
	default:
		return schema
	}
}

func convertTools(tools []relaymodel.ClaudeTool) []tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]functionDeclaration, 0, len(tools))
	for i := range tools {
		nt := tools[i].NormalizedTool()
		decls = append(decls, functionDeclaration{
			Name:        nt.Name,
			Description: nt.Description,
			Parameters:  cleanSchema(normalizeSchema(nt.InputSchema)),
		})
	}
	return []tool{{FunctionDeclarations: decls}}
}

// normalizeSchema round-trips typed schemas through JSON so cleanSchema
// only ever sees maps and slices.
func normalizeSchema(schema any) any {
	if _, ok := schema.(map[string]any); ok {
		return schema
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return schema
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return schema
	}
	return out
}

// responseObject wraps a tool result so functionResponse.response is
// always a JSON object.
func responseObject(result any) any {
	if m, ok := result.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": result}
}

// flattenToolResult renders a tool_result body to plain text where
// possible, falling back to its JSON form.
func flattenToolResult(body any) any {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		textOnly := true
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				textOnly = false
				break
			}
			if text, ok := m["text"].(string); ok {
				sb.WriteString(text)
			} else {
				textOnly = false
				break
			}
		}
		if textOnly {
			return sb.String()
		}
	}
	return body
}

func convertBlocks(blocks []relaymodel.ClaudeContentBlock, toolNames map[string]string) []part {
	parts := make([]part, 0, len(blocks))
	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, part{Text: block.Text})
			}
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			parts = append(parts, part{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		case "redacted_thinking":
			// opaque to this upstream
		case "image":
			if block.Source != nil && block.Source.Data != "" {
				parts = append(parts, part{InlineData: &inlineData{
					MimeType: block.Source.MediaType,
					Data:     block.Source.Data,
				}})
			}
		case "tool_use":
			toolNames[block.ID] = block.Name
			parts = append(parts, part{FunctionCall: &functionCall{
				Name: block.Name,
				Args: block.Input,
			}})
		case "tool_result":
			name := block.Name
			if name == "" {
				name = toolNames[block.ToolUseID]
			}
			parts = append(parts, part{FunctionResponse: &functionResponse{
				Name:     name,
				Response: responseObject(flattenToolResult(block.Content)),
			}})
		}
	}
	return parts
}

// hasPlainText reports whether any part carries visible (non-thought)
// text.
func hasPlainText(parts []part) bool {
	for i := range parts {
		if parts[i].Text != "" && !parts[i].Thought {
			return true
		}
	}
	return false
}

func hasFunctionPart(parts []part) bool {
	for i := range parts {
		if parts[i].FunctionCall != nil || parts[i].FunctionResponse != nil {
			return true
		}
	}
	return false
}

func convertMessages(messages []relaymodel.ClaudeMessage) []content {
	contents := make([]content, 0, len(messages))
	toolNames := map[string]string{}
	for i := range messages {
		role := "user"
		if messages[i].Role == "assistant" {
			role = "model"
		}
		parts := convertBlocks(messages[i].ContentBlocks(), toolNames)
		if len(parts) == 0 {
			continue
		}
		// The upstream rejects model turns that are all thought; pad
		// them with a placeholder text part.
		if role == "model" && !hasPlainText(parts) && !hasFunctionPart(parts) {
			parts = append(parts, part{Text: "..."})
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}
	return contents
}

// buildBody assembles the generateContent envelope for one request.
// maxOutputTokens must cover the thinking budget or the visible answer
// gets truncated, hence max(max_tokens, budget)+1.
func buildBody(req *relaymodel.ClaudeRequest, project, requestId, mappedModel string,
	thinkingEnabled bool, thinkingBudget int) request {
	budget := 0
	if thinkingEnabled {
		budget = thinkingBudget
	}
	maxOutput := req.MaxTokens
	if budget > maxOutput {
		maxOutput = budget
	}
	maxOutput++

	inner := innerReq{
		Contents: convertMessages(req.Messages),
		GenerationConfig: &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: maxOutput,
			StopSequences:   req.StopSequences,
			ThinkingConfig: &thinkingConfig{
				IncludeThoughts: thinkingEnabled,
				ThinkingBudget:  budget,
			},
		},
		Tools: convertTools(req.Tools),
	}
	if system := req.SystemText(); system != "" {
		inner.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	return request{
		Project:   project,
		RequestId: requestId,
		Request:   inner,
		Model:     mappedModel,
		UserAgent: bodyUserAgent,
	}
}
