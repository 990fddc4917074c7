package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ConvertSimplifiedSchema expands a simplified parameter map into a
// JSON-Schema object. Simplified maps use "type: description" string
// values:
//
//	{"operation": "string: add, subtract, multiply, or divide",
//	 "a": "number: first operand"}
//
// Recognized type tokens (case-insensitive) are string, number, int,
// and bool; anything else leaves the whole value as the description
// with type string. Maps that already carry a "type" key are assumed
// to be full JSON Schema and pass through untouched.
func ConvertSimplifiedSchema(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	if _, ok := params["type"]; ok {
		return params
	}

	props := make(map[string]any, len(params))
	for name, v := range params {
		desc, _ := v.(string)
		typ := "string"
		d := desc

		if idx := strings.Index(desc, ":"); idx >= 0 {
			token := strings.ToLower(strings.TrimSpace(desc[:idx]))
			switch token {
			case "string":
				typ = "string"
				d = strings.TrimSpace(desc[idx+1:])
			case "number", "int", "integer", "float":
				typ = "number"
				d = strings.TrimSpace(desc[idx+1:])
			case "bool", "boolean":
				typ = "boolean"
				d = strings.TrimSpace(desc[idx+1:])
			}
		}

		props[name] = map[string]any{
			"type":        typ,
			"description": d,
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

// toolSchema is the session's view of one registered tool: its name
// and parameter names, kept in registration order for the extraction
// heuristic's tie-breaking.
type toolSchema struct {
	name        string
	description string
	params      []string
}

// toolSchemas extracts ordered tool schemas from wire-format tool
// specs ({"type":"function","function":{...}} maps).
func toolSchemas(specs []map[string]any) []toolSchema {
	var out []toolSchema
	for _, spec := range specs {
		fn, ok := spec["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}

		ts := toolSchema{name: name}
		ts.description, _ = fn["description"].(string)

		if params, ok := fn["parameters"].(map[string]any); ok {
			if props, ok := params["properties"].(map[string]any); ok {
				for p := range props {
					ts.params = append(ts.params, p)
				}
				sort.Strings(ts.params)
			}
		}
		out = append(out, ts)
	}
	return out
}

// buildToolInstructions renders the system-prompt block describing the
// registered tools and the JSON reply formats the model may use.
func buildToolInstructions(specs []map[string]any) string {
	schemas := toolSchemas(specs)
	if len(schemas) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("AVAILABLE TOOLS:\n")
	for _, spec := range specs {
		fn, ok := spec["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
		if params, ok := fn["parameters"].(map[string]any); ok {
			if enc, err := json.Marshal(params); err == nil {
				fmt.Fprintf(&b, "  Parameters: %s\n", enc)
			}
		}
	}

	b.WriteString("\nTo use a tool, respond with JSON in this format:\n")
	b.WriteString(`{"tool_call": {"name": "tool_name", "parameters": {}}}`)
	b.WriteString("\n\nOr just: ")
	b.WriteString(`{"name": "tool_name", "parameters": {}}`)
	b.WriteString("\n\nIf you don't need a tool, respond normally.")
	return b.String()
}
