package llm

import (
	"context"
	"strings"
)

// Capability describes how the model accepts tool definitions.
type Capability int

const (
	// CapabilityUnknown means the probe has not completed or failed.
	// Treated like prompt injection for request building, but history
	// is not persisted since the dialect may be wrong.
	CapabilityUnknown Capability = iota
	// CapabilityNative means the model accepts structured tool
	// definitions on the chat endpoint.
	CapabilityNative
	// CapabilityPromptInjected means tool definitions must be embedded
	// in the system prompt as text.
	CapabilityPromptInjected
)

func (c Capability) String() string {
	switch c {
	case CapabilityNative:
		return "native"
	case CapabilityPromptInjected:
		return "prompt_injected"
	default:
		return "unknown"
	}
}

// detectCapability probes the model metadata endpoint once and decides
// the tool dialect. A model whose modelfile, template, or details
// mention tool support is assumed native; anything else gets prompt
// injection. Transport failures leave the capability unknown.
func detectCapability(ctx context.Context, a *api, model string) (Capability, error) {
	resp, err := a.show(ctx, model)
	if err != nil {
		return CapabilityUnknown, err
	}

	haystack := strings.ToLower(resp.Modelfile + " " + resp.Template + " " + string(resp.Details))
	if strings.Contains(haystack, "tool") || strings.Contains(haystack, "function") {
		return CapabilityNative, nil
	}
	return CapabilityPromptInjected, nil
}
