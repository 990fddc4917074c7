package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/buildinfo"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/httpkit"
	"github.com/parley-chat/parley/internal/sse"
)

// callTimeout bounds a single networked tool call.
const callTimeout = 90 * time.Second

// maxResponseBytes caps how much of a tool server's reply we read.
const maxResponseBytes = 10 << 20

// Result is the terminal outcome of one tool call.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Dispatcher executes registered tools. Execute returns a call id
// immediately; the outcome arrives later through the done callback.
// Faults never propagate to the caller of Execute — local panics,
// HTTP errors, and stream disconnects all become failed Results.
type Dispatcher struct {
	registry *Registry
	bus      *events.Bus
	logger   *slog.Logger

	// rpc carries request/response tool calls; streaming uses a
	// client without an overall timeout so long streams survive.
	rpc       *http.Client
	streaming *http.Client

	mu      sync.Mutex
	streams map[string]*sse.Stream
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		bus:      bus,
		logger:   logger.With("component", "tools"),
		rpc: httpkit.NewClient(
			httpkit.WithTimeout(callTimeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
		streaming: httpkit.NewClient(
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
		streams: make(map[string]*sse.Stream),
	}
}

// Execute dispatches a tool call and returns its call id without
// waiting for completion. done is invoked exactly once with the
// terminal Result; a nil done discards it.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any, done func(Result)) string {
	return d.ExecuteStream(ctx, name, args, nil, done)
}

// ExecuteStream is Execute with incremental delivery: for streaming
// transports, onEvent receives one Result per decoded event before the
// terminal one reaches done. Request/response transports never invoke
// onEvent.
func (d *Dispatcher) ExecuteStream(ctx context.Context, name string, args map[string]any, onEvent, done func(Result)) string {
	callID := uuid.NewString()[:8]

	d.logger.Info("dispatching tool call", "tool", name, "call_id", callID)
	d.bus.Emit(events.SourceTools, events.KindToolDispatch, map[string]any{
		"tool":    name,
		"call_id": callID,
	})

	go func() {
		res := d.call(ctx, callID, name, args, onEvent)
		if res.IsError {
			d.logger.Warn("tool call failed", "tool", name, "call_id", callID, "error", res.Content)
		} else {
			d.logger.Debug("tool call completed", "tool", name, "call_id", callID)
		}
		d.bus.Emit(events.SourceTools, events.KindToolDone, map[string]any{
			"tool":    name,
			"call_id": callID,
			"error":   res.IsError,
		})
		if done != nil {
			done(res)
		}
	}()

	return callID
}

func (d *Dispatcher) call(ctx context.Context, callID, name string, args map[string]any, onEvent func(Result)) Result {
	t := d.registry.Get(name)
	if t == nil {
		return Result{
			CallID:  callID,
			Name:    name,
			Content: fmt.Sprintf("tool %q not found", name),
			IsError: true,
		}
	}

	switch t.Transport {
	case TransportLocal:
		return d.callLocal(ctx, callID, t, args)
	case TransportHTTP:
		return d.callHTTP(ctx, callID, t, args)
	case TransportSSE:
		return d.callSSE(ctx, callID, t, args, onEvent)
	default:
		return Result{
			CallID:  callID,
			Name:    name,
			Content: fmt.Sprintf("tool %q has unknown transport", name),
			IsError: true,
		}
	}
}

func (d *Dispatcher) callLocal(ctx context.Context, callID string, t *Tool, args map[string]any) (res Result) {
	res = Result{CallID: callID, Name: t.Name}

	// A handler panic is a failed call, never a crash.
	defer func() {
		if r := recover(); r != nil {
			res.Content = fmt.Sprintf("tool %q panicked: %v", t.Name, r)
			res.IsError = true
		}
	}()

	out, err := t.Handler(ctx, args)
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
		return res
	}
	res.Content = out
	return res
}

func (d *Dispatcher) callHTTP(ctx context.Context, callID string, t *Tool, args map[string]any) Result {
	fail := func(err error) Result {
		return Result{CallID: callID, Name: t.Name, Content: err.Error(), IsError: true}
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      callID,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      t.Name,
			"arguments": args,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := d.rpc.Do(req)
	if err != nil {
		return fail(fmt.Errorf("call %s: %w", t.Endpoint, err))
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	content, err := decodeRPCResult(raw)
	if err != nil {
		return fail(err)
	}
	return Result{CallID: callID, Name: t.Name, Content: content}
}

// decodeRPCResult parses a JSON-RPC tools/call reply, unwrapping an
// event-stream envelope ("event: message\ndata: {...}") when the
// server frames its single response that way.
func decodeRPCResult(raw []byte) (string, error) {
	text := string(raw)
	if strings.HasPrefix(text, "event:") {
		idx := strings.Index(text, "data: ")
		if idx < 0 {
			return "", fmt.Errorf("event-stream reply without data field")
		}
		text = strings.TrimSpace(text[idx+len("data: "):])
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if reply.Error != nil {
		if reply.Error.Message != "" {
			return "", fmt.Errorf("server error: %s", reply.Error.Message)
		}
		return "", fmt.Errorf("server error %d", reply.Error.Code)
	}
	if len(reply.Result) == 0 {
		return "", fmt.Errorf("response has neither result nor error")
	}
	return flattenResult(reply.Result), nil
}

// flattenResult extracts readable text from a tools/call result. MCP
// servers return {content: [{type: "text", text: ...}]}; anything
// else passes through as compact JSON.
func flattenResult(result json.RawMessage) string {
	var mcp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &mcp); err == nil && len(mcp.Content) > 0 {
		var parts []string
		for _, c := range mcp.Content {
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(result)
}

// terminalEvent reports whether an event type ends an SSE tool call.
func terminalEvent(typ string) bool {
	switch typ {
	case "done", "complete", "end":
		return true
	}
	return false
}

func (d *Dispatcher) callSSE(ctx context.Context, callID string, t *Tool, args map[string]any, onEvent func(Result)) Result {
	fail := func(err error) Result {
		return Result{CallID: callID, Name: t.Name, Content: err.Error(), IsError: true}
	}

	target := t.Endpoint
	if len(args) > 0 {
		q := url.Values{}
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q.Encode()
	}

	// One persistent stream per tool name; a new call reconnects with
	// the new argument query string, superseding whatever the previous
	// call left open. The stream is detached from the call's context so
	// it survives past the terminal event for reuse.
	d.mu.Lock()
	if prev, ok := d.streams[t.Name]; ok {
		prev.Close()
		delete(d.streams, t.Name)
	}
	stream, err := sse.Dial(context.WithoutCancel(ctx), d.streaming, target, d.logger)
	if err != nil {
		d.mu.Unlock()
		return fail(fmt.Errorf("connect stream: %w", err))
	}
	d.streams[t.Name] = stream
	d.mu.Unlock()

	d.bus.Emit(events.SourceTools, events.KindStreamOpen, map[string]any{
		"tool": t.Name,
		"url":  t.Endpoint,
	})

	var parts []string
	for {
		select {
		case <-ctx.Done():
			d.dropStream(t.Name, stream)
			return fail(ctx.Err())
		case ev, ok := <-stream.Events():
			if !ok {
				// Stream closed before a terminal event.
				err := stream.Err()
				d.dropStream(t.Name, stream)
				if err != nil {
					return fail(fmt.Errorf("stream closed: %w", err))
				}
				return fail(fmt.Errorf("stream closed before completion"))
			}
			if ev.Data != "" {
				parts = append(parts, ev.Data)
			}
			if terminalEvent(ev.Type) {
				// The connection stays open for the next call.
				return Result{CallID: callID, Name: t.Name, Content: strings.Join(parts, "\n")}
			}
			if onEvent != nil {
				onEvent(Result{CallID: callID, Name: t.Name, Content: ev.Data})
			}
		}
	}
}

// dropStream closes and forgets the stream for a tool, unless a newer
// call has already replaced it.
func (d *Dispatcher) dropStream(name string, stream *sse.Stream) {
	stream.Close()
	d.mu.Lock()
	current := d.streams[name] == stream
	if current {
		delete(d.streams, name)
	}
	d.mu.Unlock()
	if current {
		d.bus.Emit(events.SourceTools, events.KindStreamClosed, map[string]any{
			"tool": name,
		})
	}
}

// OpenStreams reports how many tool streams are currently held open.
func (d *Dispatcher) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// CloseStreams tears down any open tool streams.
func (d *Dispatcher) CloseStreams() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, s := range d.streams {
		s.Close()
		delete(d.streams, name)
	}
}
