package llm

import (
	"encoding/json"
	"strings"
)

// toolCallMarker is the literal prefix models are instructed to emit
// when wrapping a tool call.
const toolCallMarker = `{"tool_call":`

// parsedCall is a tool invocation recovered from prompt-injected
// response text.
type parsedCall struct {
	Name       string
	Parameters map[string]any
}

// extractToolCall recovers a tool call from a prompt-injected model
// response. Three forms are recognized, tried in order:
//
//  1. The wrapped format: a {"tool_call": {...}} object anywhere in
//     the text.
//  2. The whole trimmed response as a bare {"name": ..., "parameters":
//     ...} object.
//  3. The whole trimmed response as a bare parameters object whose
//     top-level keys match at least 70% of a registered tool's
//     parameter names. Earlier-registered tools win ties.
//
// Returns false when the response is ordinary prose.
func extractToolCall(content string, tools []toolSchema) (*parsedCall, bool) {
	// Form 1: wrapped marker with brace-depth extraction, so prose
	// around the JSON does not break parsing.
	if idx := strings.Index(content, toolCallMarker); idx >= 0 {
		if obj, ok := extractJSONObject(content[idx:]); ok {
			var wrapper struct {
				ToolCall struct {
					Name       string         `json:"name"`
					Parameters map[string]any `json:"parameters"`
				} `json:"tool_call"`
			}
			if err := json.Unmarshal([]byte(obj), &wrapper); err == nil && wrapper.ToolCall.Name != "" {
				return &parsedCall{
					Name:       wrapper.ToolCall.Name,
					Parameters: nonNil(wrapper.ToolCall.Parameters),
				}, true
			}
		}
	}

	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || len(obj) == 0 {
		return nil, false
	}

	// Form 2: bare {"name": ..., "parameters": ...}. Both fields must
	// be present so an argument object with a "name" parameter is not
	// mistaken for a call.
	if name, ok := obj["name"].(string); ok && name != "" {
		if params, ok := obj["parameters"].(map[string]any); ok {
			return &parsedCall{Name: name, Parameters: params}, true
		}
	}

	// Form 3: a bare parameters object matched against registered
	// tool schemas.

	var best *toolSchema
	var bestRatio float64
	for i := range tools {
		t := &tools[i]
		if len(t.params) == 0 {
			continue
		}
		matched := 0
		for _, p := range t.params {
			if _, ok := obj[p]; ok {
				matched++
			}
		}
		ratio := float64(matched) / float64(len(t.params))
		// Strict greater-than keeps the earliest registered tool on ties.
		if ratio > bestRatio {
			bestRatio = ratio
			best = t
		}
	}

	if best == nil || bestRatio < 0.7 {
		return nil, false
	}
	return &parsedCall{Name: best.name, Parameters: obj}, true
}

// extractJSONObject returns the first balanced JSON object starting at
// the leading '{' of s, honoring string literals and escapes.
func extractJSONObject(s string) (string, bool) {
	if s == "" || s[0] != '{' {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1], true
				}
			}
		}
	}
	return "", false
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
