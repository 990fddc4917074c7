package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/events"
)

// ErrClosed is returned for sends on a closed client.
var ErrClosed = errors.New("llm: client closed")

// capabilityProbeTimeout bounds the one-time model metadata probe.
const capabilityProbeTimeout = 10 * time.Second

// Callbacks are the delivery interfaces an application registers to
// receive session output. Any nil callback is skipped. Callbacks are
// invoked from the session's worker goroutine, in order: zero or more
// OnToken calls, then exactly one of OnResponse or OnToolCalls per
// completed request; OnError fires instead when a request fails.
type Callbacks struct {
	// OnToken receives each streamed content fragment.
	OnToken func(token string)
	// OnResponse receives the complete response text.
	OnResponse func(text string)
	// OnToolCalls receives tool invocations requested by the model.
	OnToolCalls func(calls []ToolCall)
	// OnError receives request failures after retries are exhausted.
	OnError func(err error)
	// OnRetryAttempt fires before each retry delay.
	OnRetryAttempt func(attempt, max int)
}

// ToolResult is the outcome of one tool call, fed back into the
// session with SendToolResults.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Config configures a session Client.
type Config struct {
	BaseURL string
	Model   string
	System  string
	Options Options
	Retry   RetryPolicy
	Logger  *slog.Logger
	Bus     *events.Bus
}

// Client is a streaming chat session against one Ollama-dialect
// server. Requests are processed strictly in order by a single worker;
// sends issued before capability detection completes queue up and
// drain once the probe finishes. All Send methods block until their
// request completes or ctx is cancelled.
type Client struct {
	api       *api
	callbacks Callbacks
	logger    *slog.Logger
	bus       *events.Bus

	mu         sync.Mutex
	model      string
	system     string
	opts       Options
	retry      RetryPolicy
	capability Capability
	probed     bool
	history    []Message
	lastPrompt string
	lastTools  []map[string]any
	closed     bool

	queue chan *request
	stop  chan struct{}
	done  chan struct{}
}

type reqKind int

const (
	reqPrompt reqKind = iota
	reqPromptTools
	reqToolResults
)

type request struct {
	ctx     context.Context
	kind    reqKind
	prompt  string
	tools   []map[string]any
	results []ToolResult
	errc    chan error
}

// NewClient creates a session client and starts its worker.
func NewClient(cfg Config, callbacks Callbacks) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryPolicy()
	}
	if cfg.Options.NumCtx == 0 {
		cfg.Options.NumCtx = 4096
	}

	c := &Client{
		api:       newAPI(cfg.BaseURL),
		callbacks: callbacks,
		logger:    logger.With("component", "llm"),
		bus:       cfg.Bus,
		model:     cfg.Model,
		system:    cfg.System,
		opts:      cfg.Options,
		retry:     retry,
		queue:     make(chan *request, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go c.loop()
	return c
}

// SendPrompt sends a plain user prompt. Tokens stream to OnToken; the
// full text arrives on OnResponse.
func (c *Client) SendPrompt(ctx context.Context, prompt string) error {
	return c.submit(&request{ctx: ctx, kind: reqPrompt, prompt: prompt})
}

// SendPromptWithTools sends a user prompt with tool definitions in
// wire format ({"type":"function","function":{...}} maps). If the
// model requests a tool, OnToolCalls fires instead of OnResponse.
func (c *Client) SendPromptWithTools(ctx context.Context, prompt string, tools []map[string]any) error {
	return c.submit(&request{ctx: ctx, kind: reqPromptTools, prompt: prompt, tools: tools})
}

// SendToolResults feeds tool outcomes back to the model for a
// follow-up turn. The reply arrives through the usual callbacks.
func (c *Client) SendToolResults(ctx context.Context, results []ToolResult) error {
	if len(results) == 0 {
		return errors.New("llm: no tool results to send")
	}
	return c.submit(&request{ctx: ctx, kind: reqToolResults, results: results})
}

// ClearHistory drops all conversation history.
func (c *Client) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.lastPrompt = ""
}

// SetModel switches the chat model. The capability probe is not
// repeated; it runs once per client lifetime.
func (c *Client) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// SetOptions replaces the generation options for subsequent requests.
func (c *Client) SetOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.NumCtx == 0 {
		opts.NumCtx = 4096
	}
	c.opts = opts
}

// SetSystemPrompt replaces the base system prompt.
func (c *Client) SetSystemPrompt(system string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = system
}

// Capability reports the detected tool dialect. CapabilityUnknown
// before the first request completes detection.
func (c *Client) Capability() Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capability
}

// History returns a copy of the persisted conversation history.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Ping checks whether the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Ping(ctx)
}

// Close stops the worker after any queued requests finish. Sends
// after Close fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stop)
	<-c.done
}

func (c *Client) submit(req *request) error {
	req.errc = make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	select {
	case c.queue <- req:
	case <-c.stop:
		return ErrClosed
	case <-req.ctx.Done():
		return req.ctx.Err()
	}

	select {
	case err := <-req.errc:
		return err
	case <-req.ctx.Done():
		return req.ctx.Err()
	}
}

// loop is the session worker: strict FIFO processing, with capability
// detection gating the first request.
func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			// Fail anything still queued.
			for {
				select {
				case req := <-c.queue:
					req.errc <- ErrClosed
				default:
					return
				}
			}
		case req := <-c.queue:
			if err := req.ctx.Err(); err != nil {
				req.errc <- err
				continue
			}

			c.ensureCapability(req.ctx)

			err := c.process(req)
			if err != nil && c.callbacks.OnError != nil {
				c.callbacks.OnError(err)
			}
			req.errc <- err
		}
	}
}

// ensureCapability runs the model metadata probe exactly once. Probe
// failure leaves the capability unknown: requests proceed in the
// prompt-injected dialect but history persistence stays off.
func (c *Client) ensureCapability(ctx context.Context) {
	c.mu.Lock()
	if c.probed {
		c.mu.Unlock()
		return
	}
	model := c.model
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, capabilityProbeTimeout)
	defer cancel()

	capability, err := detectCapability(probeCtx, c.api, model)
	if err != nil {
		c.logger.Warn("capability probe failed, assuming prompt injection",
			"model", model, "error", err)
	} else {
		c.logger.Info("model capability detected",
			"model", model, "capability", capability.String())
	}

	c.mu.Lock()
	c.capability = capability
	c.probed = true
	c.mu.Unlock()

	c.bus.Emit(events.SourceSession, events.KindCapabilityDetected, map[string]any{
		"model":      model,
		"capability": capability.String(),
	})
}

func (c *Client) process(req *request) error {
	c.mu.Lock()
	capability := c.capability
	c.mu.Unlock()

	switch req.kind {
	case reqPrompt, reqPromptTools:
		c.mu.Lock()
		c.lastPrompt = req.prompt
		c.lastTools = req.tools
		c.mu.Unlock()

		if capability == CapabilityNative {
			return c.sendChat(req.ctx, req.prompt, req.tools)
		}
		return c.sendGenerate(req.ctx, req.prompt, req.tools)

	case reqToolResults:
		if capability == CapabilityNative {
			return c.sendChatToolResults(req.ctx, req.results)
		}
		return c.sendGenerateToolResults(req.ctx, req.results)
	}

	return fmt.Errorf("llm: unknown request kind %d", req.kind)
}

// sendChat drives the native dialect: history plus the new user
// message on the chat endpoint, with structured tool definitions.
func (c *Client) sendChat(ctx context.Context, prompt string, tools []map[string]any) error {
	c.mu.Lock()
	model, system, opts := c.model, c.system, c.opts
	kept, dropped := pruneHistory(c.history, system, prompt, opts.NumCtx)
	if dropped > 0 {
		c.history = append([]Message(nil), kept...)
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("pruned history to fit context window",
			"dropped", dropped, "kept", len(kept))
		c.bus.Emit(events.SourceSession, events.KindHistoryPruned, map[string]any{
			"dropped": dropped,
			"kept":    len(kept),
		})
	}

	userMsg := Message{Role: "user", Content: prompt}
	msgs := make([]Message, 0, len(kept)+2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, kept...)
	msgs = append(msgs, userMsg)

	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Tools:    tools,
		Options:  &opts,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var resp *chatResponse
	err = c.withRetry(ctx, func() error {
		var attemptErr error
		resp, attemptErr = c.api.streamChat(ctx, payload, c.callbacks.OnToken)
		return attemptErr
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.history = append(c.history, userMsg, resp.Message)
	c.mu.Unlock()

	if len(resp.Message.ToolCalls) > 0 {
		if c.callbacks.OnToolCalls != nil {
			c.callbacks.OnToolCalls(resp.Message.ToolCalls)
		}
		return nil
	}
	if c.callbacks.OnResponse != nil {
		c.callbacks.OnResponse(resp.Message.Content)
	}
	return nil
}

// sendGenerate drives the prompt-injected dialect: tool instructions
// embedded in the system prompt on the generate endpoint. History is
// not persisted in this dialect.
func (c *Client) sendGenerate(ctx context.Context, prompt string, tools []map[string]any) error {
	c.mu.Lock()
	model, system, opts := c.model, c.system, c.opts
	c.mu.Unlock()

	var schemas []toolSchema
	if len(tools) > 0 {
		instructions := buildToolInstructions(tools)
		if system == "" {
			system = instructions
		} else {
			system = system + "\n\n" + instructions
		}
		schemas = toolSchemas(tools)
	}

	genOpts, numPredict := opts.forGenerate()
	payload, err := json.Marshal(generateRequest{
		Model:      model,
		Prompt:     prompt,
		System:     system,
		Stream:     true,
		Options:    &genOpts,
		NumPredict: numPredict,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	// When tools are injected the response may be a JSON tool call, so
	// tokens are withheld until the end instead of streaming fragments
	// of JSON at the application.
	onToken := c.callbacks.OnToken
	if len(tools) > 0 {
		onToken = nil
	}

	var text string
	err = c.withRetry(ctx, func() error {
		var attemptErr error
		text, attemptErr = c.api.streamGenerate(ctx, payload, onToken)
		return attemptErr
	})
	if err != nil {
		return err
	}

	if len(schemas) > 0 {
		if call, ok := extractToolCall(text, schemas); ok {
			if c.callbacks.OnToolCalls != nil {
				c.callbacks.OnToolCalls([]ToolCall{{
					Function: ToolCallFunction{
						Name:      call.Name,
						Arguments: call.Parameters,
					},
				}})
			}
			return nil
		}
	}

	if c.callbacks.OnResponse != nil {
		c.callbacks.OnResponse(text)
	}
	return nil
}

// sendChatToolResults appends tool messages to history and re-issues
// the chat request so the model can use the results.
func (c *Client) sendChatToolResults(ctx context.Context, results []ToolResult) error {
	c.mu.Lock()
	model, system, opts := c.model, c.system, c.opts
	tools := c.lastTools
	for _, r := range results {
		c.history = append(c.history, Message{Role: "tool", Content: r.Content})
	}
	msgs := make([]Message, 0, len(c.history)+1)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, c.history...)
	c.mu.Unlock()

	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Tools:    tools,
		Options:  &opts,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var resp *chatResponse
	err = c.withRetry(ctx, func() error {
		var attemptErr error
		resp, attemptErr = c.api.streamChat(ctx, payload, c.callbacks.OnToken)
		return attemptErr
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.history = append(c.history, resp.Message)
	c.mu.Unlock()

	if len(resp.Message.ToolCalls) > 0 {
		if c.callbacks.OnToolCalls != nil {
			c.callbacks.OnToolCalls(resp.Message.ToolCalls)
		}
		return nil
	}
	if c.callbacks.OnResponse != nil {
		c.callbacks.OnResponse(resp.Message.Content)
	}
	return nil
}

// sendGenerateToolResults synthesizes a follow-up turn in the
// prompt-injected dialect: the tool output is embedded in a fresh
// prompt asking the model to answer the original question with it.
func (c *Client) sendGenerateToolResults(ctx context.Context, results []ToolResult) error {
	c.mu.Lock()
	model, system, opts := c.model, c.system, c.opts
	lastPrompt := c.lastPrompt
	c.mu.Unlock()

	var b strings.Builder
	for _, r := range results {
		if r.IsError {
			fmt.Fprintf(&b, "The tool %q failed with: %s\n\n", r.Name, r.Content)
		} else {
			fmt.Fprintf(&b, "The tool %q returned:\n%s\n\n", r.Name, r.Content)
		}
	}
	if lastPrompt != "" {
		fmt.Fprintf(&b, "Use this result to answer the original question: %s", lastPrompt)
	} else {
		b.WriteString("Use this result to respond to the user.")
	}

	genOpts, numPredict := opts.forGenerate()
	payload, err := json.Marshal(generateRequest{
		Model:      model,
		Prompt:     b.String(),
		System:     system,
		Stream:     true,
		Options:    &genOpts,
		NumPredict: numPredict,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = c.withRetry(ctx, func() error {
		var attemptErr error
		text, attemptErr = c.api.streamGenerate(ctx, payload, c.callbacks.OnToken)
		return attemptErr
	})
	if err != nil {
		return err
	}

	if c.callbacks.OnResponse != nil {
		c.callbacks.OnResponse(text)
	}
	return nil
}

// withRetry runs do, resending the identical payload on transient
// transport failures with exponentially growing delays. OnRetryAttempt
// fires before each wait.
func (c *Client) withRetry(ctx context.Context, do func() error) error {
	err := do()
	if err == nil || !isRetryable(err) {
		return err
	}

	c.mu.Lock()
	retry := c.retry
	c.mu.Unlock()

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		delay := retry.backoffDelay(attempt)

		c.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"max_attempts", retry.MaxAttempts,
			"delay", delay,
			"error", err)
		if c.callbacks.OnRetryAttempt != nil {
			c.callbacks.OnRetryAttempt(attempt, retry.MaxAttempts)
		}
		c.bus.Emit(events.SourceSession, events.KindRetryAttempt, map[string]any{
			"attempt":      attempt,
			"max_attempts": retry.MaxAttempts,
			"delay_ms":     delay.Milliseconds(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err = do()
		if err == nil || !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("request failed after %d retries: %w", retry.MaxAttempts, err)
}
