package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSessionRequestTimeout(t *testing.T) {
	if sessionTimeout != 90*time.Second {
		t.Fatalf("sessionTimeout = %v, want 90s", sessionTimeout)
	}
	a := newAPI("")
	if a.client.Timeout != sessionTimeout {
		t.Errorf("client timeout = %v, want %v", a.client.Timeout, sessionTimeout)
	}
}

func TestStreamChat_ToolCallStopsTokenEmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNDJSON(w,
			chatResponse{Message: Message{Role: "assistant", Content: "Checking"}},
			chatResponse{Message: Message{
				Content: " the weather",
				ToolCalls: []ToolCall{{Function: ToolCallFunction{
					Name:      "weather",
					Arguments: map[string]any{"city": "Oslo"},
				}}},
			}},
			chatResponse{Message: Message{Content: " for you"}},
			chatResponse{Message: Message{Role: "assistant"}, Done: true},
		)
	}))
	defer srv.Close()

	a := newAPI(srv.URL)
	var tokens []string
	resp, err := a.streamChat(context.Background(), []byte(`{}`), func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("streamChat() error: %v", err)
	}

	// A tool call mid-stream stops token emission for the rest of the
	// turn, including the content of the chunk carrying the call.
	if got := strings.Join(tokens, ""); got != "Checking" {
		t.Errorf("emitted tokens = %q, want %q", got, "Checking")
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "weather" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	// The full text is still accumulated on the response.
	if resp.Message.Content != "Checking the weather for you" {
		t.Errorf("accumulated content = %q", resp.Message.Content)
	}
}
