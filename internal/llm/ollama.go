// Package llm implements the streaming chat session client for
// Ollama-dialect servers: capability detection, conversation history
// with token budgeting, retry with exponential backoff, and tool-call
// extraction in both the native and prompt-injected dialects.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parley-chat/parley/internal/httpkit"
)

// sessionTimeout caps one request/response exchange, including the
// full streamed reply.
const sessionTimeout = 90 * time.Second

// Message represents a chat message on the wire.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the tool name and arguments of a call.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
}

// Options are model generation parameters passed through to the server.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// forGenerate splits the options for the generate endpoint, which
// takes num_predict as a top-level body field.
func (o Options) forGenerate() (Options, int) {
	numPredict := o.NumPredict
	o.NumPredict = 0
	return o, numPredict
}

// chatRequest is the request format for the chat endpoint.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *Options         `json:"options,omitempty"`
}

// chatResponse is one streamed chunk (or the final message) from the
// chat endpoint.
type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// generateRequest is the request format for the generate endpoint,
// used by the prompt-injected dialect. Unlike chat, num_predict sits
// at the top level of the body rather than inside options.
type generateRequest struct {
	Model      string   `json:"model"`
	Prompt     string   `json:"prompt"`
	System     string   `json:"system,omitempty"`
	Stream     bool     `json:"stream"`
	Options    *Options `json:"options,omitempty"`
	NumPredict int      `json:"num_predict,omitempty"`
}

// generateResponse is one streamed chunk from the generate endpoint.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// showRequest asks the server to describe a model.
type showRequest struct {
	Name string `json:"name"`
}

// showResponse carries the model metadata used for capability
// detection. Details is kept raw so arbitrary server dialects can be
// searched as text.
type showResponse struct {
	Modelfile string          `json:"modelfile"`
	Template  string          `json:"template"`
	Details   json.RawMessage `json:"details"`
}

// api is a thin wrapper over the Ollama HTTP surface. It knows how to
// POST a pre-marshaled payload and decode the ndjson reply stream;
// retry policy and session state live in Client.
type api struct {
	baseURL string
	client  *http.Client
}

func newAPI(baseURL string) *api {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &api{
		baseURL: baseURL,
		client: httpkit.NewClient(
			// Streams are bounded by this overall wall-clock cap
			// rather than a per-read deadline.
			httpkit.WithTimeout(sessionTimeout),
		),
	}
}

// post sends payload to path and returns the open response body. The
// caller owns the body.
func (a *api) post(ctx context.Context, path string, payload []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, errBody)
	}

	return resp.Body, nil
}

// streamChat POSTs a marshaled chatRequest and decodes the ndjson
// stream, invoking onToken for each content fragment. The returned
// response carries the accumulated content and any tool calls.
func (a *api) streamChat(ctx context.Context, payload []byte, onToken func(string)) (*chatResponse, error) {
	body, err := a.post(ctx, "/api/chat", payload)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var final chatResponse
	var content strings.Builder
	var sawToolCalls bool
	decoder := json.NewDecoder(body)

	for {
		var chunk chatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		// Tool calls usually arrive on the final message; a call seen
		// mid-stream stops token emission for the rest of the turn.
		if len(chunk.Message.ToolCalls) > 0 {
			final.Message.ToolCalls = chunk.Message.ToolCalls
			sawToolCalls = true
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if onToken != nil && !sawToolCalls {
				onToken(chunk.Message.Content)
			}
		}

		if chunk.Done {
			calls := final.Message.ToolCalls
			final = chunk
			if len(final.Message.ToolCalls) == 0 {
				final.Message.ToolCalls = calls
			}
			break
		}
	}

	final.Message.Content = content.String()
	if final.Message.Role == "" {
		final.Message.Role = "assistant"
	}
	return &final, nil
}

// streamGenerate POSTs a marshaled generateRequest and decodes the
// ndjson stream, invoking onToken per fragment. Returns the full
// accumulated response text.
func (a *api) streamGenerate(ctx context.Context, payload []byte, onToken func(string)) (string, error) {
	body, err := a.post(ctx, "/api/generate", payload)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var content strings.Builder
	decoder := json.NewDecoder(body)

	for {
		var chunk generateResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Response != "" {
			content.WriteString(chunk.Response)
			if onToken != nil {
				onToken(chunk.Response)
			}
		}

		if chunk.Done {
			break
		}
	}

	return content.String(), nil
}

// show fetches model metadata for capability detection.
func (a *api) show(ctx context.Context, model string) (*showResponse, error) {
	payload, err := json.Marshal(showRequest{Name: model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	body, err := a.post(ctx, "/api/show", payload)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp showResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Ping checks whether the server is reachable.
func (a *api) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
