package llm

import (
	"strings"
	"testing"
)

func TestConvertSimplifiedSchema(t *testing.T) {
	tests := []struct {
		name      string
		params    map[string]any
		wantProps map[string]string // property name → expected type
	}{
		{
			name: "simple string and number",
			params: map[string]any{
				"operation": "string: add, subtract, multiply, or divide",
				"a":         "number: first operand",
			},
			wantProps: map[string]string{"operation": "string", "a": "number"},
		},
		{
			name:      "int maps to number",
			params:    map[string]any{"count": "int: how many"},
			wantProps: map[string]string{"count": "number"},
		},
		{
			name:      "bool maps to boolean",
			params:    map[string]any{"verbose": "bool: include detail"},
			wantProps: map[string]string{"verbose": "boolean"},
		},
		{
			name:      "type token is case insensitive",
			params:    map[string]any{"n": "Number: value"},
			wantProps: map[string]string{"n": "number"},
		},
		{
			name:      "unrecognized token defaults to string",
			params:    map[string]any{"when": "tomorrow: or later"},
			wantProps: map[string]string{"when": "string"},
		},
		{
			name:      "no colon defaults to string",
			params:    map[string]any{"q": "the query"},
			wantProps: map[string]string{"q": "string"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertSimplifiedSchema(tt.params)
			if got["type"] != "object" {
				t.Fatalf("type = %v, want object", got["type"])
			}
			props, ok := got["properties"].(map[string]any)
			if !ok {
				t.Fatalf("properties missing: %v", got)
			}
			for name, wantType := range tt.wantProps {
				prop, ok := props[name].(map[string]any)
				if !ok {
					t.Fatalf("property %q missing", name)
				}
				if prop["type"] != wantType {
					t.Errorf("property %q type = %v, want %q", name, prop["type"], wantType)
				}
			}
		})
	}
}

func TestConvertSimplifiedSchema_Passthrough(t *testing.T) {
	full := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
		"required": []string{"x"},
	}

	got := ConvertSimplifiedSchema(full)
	if _, ok := got["required"]; !ok {
		t.Error("full JSON Schema should pass through unchanged")
	}
}

func TestConvertSimplifiedSchema_DescriptionKept(t *testing.T) {
	got := ConvertSimplifiedSchema(map[string]any{"a": "number: first operand"})
	props := got["properties"].(map[string]any)
	prop := props["a"].(map[string]any)
	if prop["description"] != "first operand" {
		t.Errorf("description = %q, want %q", prop["description"], "first operand")
	}
}

func TestConvertSimplifiedSchema_Nil(t *testing.T) {
	got := ConvertSimplifiedSchema(nil)
	if got["type"] != "object" {
		t.Errorf("nil params should produce an empty object schema, got %v", got)
	}
}

func TestBuildToolInstructions(t *testing.T) {
	specs := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "calculator",
				"description": "Performs basic arithmetic.",
				"parameters":  ConvertSimplifiedSchema(map[string]any{"a": "number: first operand"}),
			},
		},
	}

	got := buildToolInstructions(specs)

	for _, want := range []string{
		"AVAILABLE TOOLS:",
		"- calculator: Performs basic arithmetic.",
		`{"tool_call": {"name": "tool_name", "parameters": {}}}`,
		`Or just: {"name": "tool_name", "parameters": {}}`,
		"If you don't need a tool, respond normally.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q:\n%s", want, got)
		}
	}
}

func TestBuildToolInstructions_Empty(t *testing.T) {
	if got := buildToolInstructions(nil); got != "" {
		t.Errorf("no tools should produce no instructions, got %q", got)
	}
}

func TestToolSchemas(t *testing.T) {
	specs := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name": "calculator",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"b": map[string]any{"type": "number"},
						"a": map[string]any{"type": "number"},
					},
				},
			},
		},
		{"broken": "entry"},
		{
			"type":     "function",
			"function": map[string]any{"name": "datetime"},
		},
	}

	got := toolSchemas(specs)
	if len(got) != 2 {
		t.Fatalf("got %d schemas, want 2 (malformed entries skipped)", len(got))
	}
	if got[0].name != "calculator" || got[1].name != "datetime" {
		t.Errorf("order not preserved: %+v", got)
	}
	if len(got[0].params) != 2 {
		t.Errorf("calculator params = %v", got[0].params)
	}
}
