package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/parley-chat/parley/internal/buildinfo"
	"github.com/parley-chat/parley/internal/httpkit"
)

// maxResponseBytes caps how much of a server reply we read.
const maxResponseBytes = 10 << 20

// HTTPTransport sends JSON-RPC messages to an MCP server over HTTP
// POST. Servers that frame single replies as text/event-stream
// ("event: message\ndata: {...}") are unwrapped transparently.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session header for session affinity
}

// NewHTTPTransport creates a transport for the given server URL.
// headers are sent with every request (e.g. Authorization).
func NewHTTPTransport(url string, headers map[string]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		httpClient: httpkit.NewClient(
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
		logger: logger,
	}
}

// URL returns the server endpoint this transport talks to.
func (t *HTTPTransport) URL() string {
	return t.url
}

func (t *HTTPTransport) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session", t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", t.url, err)
	}

	if sid := resp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Send posts a JSON-RPC request and returns the decoded response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("server returned %d: %s", httpResp.StatusCode, errBody)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	raw = unwrapEventStream(raw)

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify posts a JSON-RPC notification. No reply content is
// expected, but the HTTP status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	return nil
}

// unwrapEventStream strips text/event-stream framing from a reply
// that carries a single JSON payload in its data field.
func unwrapEventStream(raw []byte) []byte {
	text := string(raw)
	if !strings.HasPrefix(text, "event:") {
		return raw
	}
	idx := strings.Index(text, "data: ")
	if idx < 0 {
		return raw
	}
	return []byte(strings.TrimSpace(text[idx+len("data: "):]))
}
