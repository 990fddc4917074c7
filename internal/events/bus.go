// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (session client, tool
// dispatcher, MCP discovery, RAG engine) to subscribers (CLI status
// display, future metrics collector). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks. Primary deliveries (tokens, responses, tool results) go
// through registered callbacks, not the bus.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the LLM session client.
	SourceSession = "session"
	// SourceTools identifies events from the tool dispatcher.
	SourceTools = "tools"
	// SourceMCP identifies events from MCP server discovery.
	SourceMCP = "mcp"
	// SourceRAG identifies events from the retrieval engine.
	SourceRAG = "rag"
)

// Kind constants describe the type of event within a source.
const (
	// KindRetryAttempt signals a request is about to be retried.
	// Data: attempt, max_attempts, delay_ms.
	KindRetryAttempt = "retry_attempt"
	// KindCapabilityDetected signals model capability probing finished.
	// Data: model, capability.
	KindCapabilityDetected = "capability_detected"
	// KindHistoryPruned signals messages were dropped to fit the context window.
	// Data: dropped, kept, budget_tokens.
	KindHistoryPruned = "history_pruned"

	// KindToolDispatch signals the start of a tool execution.
	// Data: call_id, tool, transport.
	KindToolDispatch = "tool_dispatch"
	// KindToolDone signals completion of a tool execution.
	// Data: call_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindStreamOpen signals a persistent SSE tool stream connected.
	// Data: tool, url.
	KindStreamOpen = "stream_open"
	// KindStreamClosed signals a persistent SSE tool stream ended.
	// Data: tool, expected.
	KindStreamClosed = "stream_closed"

	// KindDiscoveryStart signals the beginning of MCP server discovery.
	// Data: server, url.
	KindDiscoveryStart = "discovery_start"
	// KindDiscoveryDone signals MCP server discovery finished.
	// Data: server, tools, ok.
	KindDiscoveryDone = "discovery_done"

	// KindIngestProgress signals per-chunk progress during document indexing.
	// Data: document_id, chunk, total.
	KindIngestProgress = "ingest_progress"
	// KindIngestComplete signals a document finished indexing.
	// Data: document_id, chunks.
	KindIngestComplete = "ingest_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Emit is a convenience wrapper that stamps the current time and
// publishes. Safe to call on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
