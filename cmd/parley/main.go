// Parley is a chat client for Ollama-dialect model servers.
//
// It negotiates how the backend expects tool calls to be expressed,
// dispatches tool invocations over local, HTTP, and SSE transports,
// discovers remote tools via MCP, and augments prompts with context
// retrieved from ingested documents.
//
// Usage:
//
//	parley chat              Start an interactive session
//	parley ask <question>    Ask a single question
//	parley ingest <files>    Index documents for retrieval
//	parley version           Print version and build information
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parley-chat/parley/internal/buildinfo"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/embeddings"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/mcp"
	"github.com/parley-chat/parley/internal/rag"
	"github.com/parley-chat/parley/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to run so
// the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand — the flag package's global state gets
// in the way of calling run concurrently from tests, and the argument
// surface is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "chat":
		return runChat(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ingest <file> [file...]")
		}
		return runIngest(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - chat client for Ollama-dialect model servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]       Create a workspace with an example config")
	fmt.Fprintln(w, "  chat             Start an interactive session")
	fmt.Fprintln(w, "  ask <question>   Ask a single question")
	fmt.Fprintln(w, "  ingest <files>   Index documents for retrieval")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates and parses the YAML config. A missing file is
// not fatal for a chat client — defaults talk to localhost.
func loadConfig(explicit string, logger *slog.Logger) *config.Config {
	path, err := config.FindConfig(explicit)
	if err != nil {
		logger.Info("no config file found, using defaults")
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("failed to load config, using defaults", "path", path, "error", err)
		return config.Default()
	}
	logger.Info("config loaded", "path", path)
	return cfg
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// logEvents drains the bus into debug logs so every subsystem's
// telemetry ends up in one stream.
func logEvents(ch <-chan events.Event, logger *slog.Logger) {
	for ev := range ch {
		logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
	}
}

func runChat(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	s, err := newSession(ctx, stdout, stderr, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintf(stdout, "%s — model %s (%d tools). /help for commands.\n",
		buildinfo.String(), s.cfg.Ollama.Model, s.registry.Len())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(stdout, "/clear   forget conversation history")
			fmt.Fprintln(stdout, "/tools   list registered tools")
			fmt.Fprintln(stdout, "/docs    list ingested documents")
			fmt.Fprintln(stdout, "/quit    exit")
			continue
		case "/clear":
			s.client.ClearHistory()
			fmt.Fprintln(stdout, "history cleared")
			continue
		case "/tools":
			for _, entry := range s.registry.List() {
				fn := entry["function"].(map[string]any)
				fmt.Fprintf(stdout, "  %s — %s\n", fn["name"], fn["description"])
			}
			continue
		case "/docs":
			fmt.Fprintf(stdout, "  %d chunks indexed\n", s.ragChunks())
			continue
		}

		if err := s.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(stderr, "error: %s\n", err)
		}
		fmt.Fprintln(stdout)
	}
	return scanner.Err()
}

func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, question string) error {
	s, err := newSession(ctx, stdout, stderr, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.turn(ctx, question); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout)
	return nil
}

func runIngest(ctx context.Context, stdout, stderr io.Writer, configPath string, paths []string) error {
	logger := newLogger(stderr, slog.LevelInfo)
	cfg := loadConfig(configPath, logger)

	engine, store, err := buildRAG(cfg, nil, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	for _, path := range paths {
		count, err := engine.IngestFile(ctx, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Fprintf(stdout, "%s: %d chunks indexed\n", path, count)
	}
	return nil
}

// buildRAG wires the embeddings client, optional SQLite store, and
// retrieval engine from config.
func buildRAG(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*rag.Engine, *rag.Store, error) {
	baseURL := cfg.Embeddings.BaseURL
	if baseURL == "" {
		baseURL = cfg.Ollama.URL
	}
	embedder := embeddings.New(embeddings.Config{
		BaseURL: baseURL,
		Model:   cfg.Embeddings.Model,
	})

	var store *rag.Store
	if cfg.RAG.StorePath != "" {
		var err error
		store, err = rag.NewStore(cfg.RAG.StorePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open rag store: %w", err)
		}
	}

	engine, err := rag.NewEngine(rag.Config{
		Embedder:     embedder,
		Store:        store,
		Bus:          bus,
		Logger:       logger,
		ChunkSize:    cfg.RAG.ChunkSize,
		ChunkOverlap: cfg.RAG.ChunkOverlap,
	}, rag.Callbacks{})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return engine, store, nil
}

// maxToolRounds bounds how many consecutive tool-call exchanges a
// single user turn may trigger.
const maxToolRounds = 5

// session ties the model client, tool registry, and retrieval engine
// together for the interactive commands.
type session struct {
	cfg        *config.Config
	client     *llm.Client
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	engine     *rag.Engine
	store      *rag.Store
	bus        *events.Bus
	logger     *slog.Logger
	stdout     io.Writer
	stderr     io.Writer

	// Turn state. Callbacks run on the client worker before the
	// blocking Send returns, so reads after Send are ordered.
	tokensPrinted bool
	pendingCalls  []llm.ToolCall
}

func newSession(ctx context.Context, stdout, stderr io.Writer, configPath string) (*session, error) {
	logger := newLogger(stderr, slog.LevelInfo)
	cfg := loadConfig(configPath, logger)

	if cfg.LogLevel != "" {
		if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			logger = newLogger(stderr, level)
		}
	}

	bus := events.New()
	go logEvents(bus.Subscribe(64), logger)

	s := &session{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		stdout: stdout,
		stderr: stderr,
	}

	s.registry = tools.NewRegistry(logger)
	tools.RegisterBuiltins(s.registry)
	s.dispatcher = tools.NewDispatcher(s.registry, bus, logger)

	if n := mcp.RegisterConfigured(ctx, cfg.MCPServers, s.registry, bus, logger); n > 0 {
		logger.Info("remote tools registered", "count", n)
	}

	engine, store, err := buildRAG(cfg, bus, logger)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	s.store = store

	s.client = llm.NewClient(llm.Config{
		BaseURL: cfg.Ollama.URL,
		Model:   cfg.Ollama.Model,
		System:  cfg.Ollama.SystemPrompt,
		Options: llm.Options{
			Temperature: cfg.Ollama.Temperature,
			TopP:        cfg.Ollama.TopP,
			TopK:        cfg.Ollama.TopK,
			NumCtx:      cfg.Ollama.ContextSize,
			NumPredict:  cfg.Ollama.MaxTokens,
		},
		Retry: llm.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		},
		Logger: logger,
		Bus:    bus,
	}, llm.Callbacks{
		OnToken: func(token string) {
			s.tokensPrinted = true
			fmt.Fprint(stdout, token)
		},
		OnResponse: func(text string) {
			if !s.tokensPrinted {
				fmt.Fprint(stdout, text)
			}
		},
		OnToolCalls: func(calls []llm.ToolCall) {
			s.pendingCalls = calls
		},
		OnRetryAttempt: func(attempt, max int) {
			fmt.Fprintf(stderr, "connection lost, retrying (%d/%d)...\n", attempt, max)
		},
	})

	return s, nil
}

func (s *session) close() {
	s.client.Close()
	s.dispatcher.CloseStreams()
	if s.store != nil {
		s.store.Close()
	}
}

func (s *session) ragChunks() int {
	return s.engine.ChunkCount()
}

// turn runs one full user exchange: retrieval augmentation, the
// prompt itself, and any tool-call rounds it triggers.
func (s *session) turn(ctx context.Context, prompt string) error {
	s.tokensPrinted = false
	s.pendingCalls = nil

	enhanced := s.augment(ctx, prompt)

	enabled := s.registry.List()
	var err error
	if len(enabled) > 0 {
		err = s.client.SendPromptWithTools(ctx, enhanced, enabled)
	} else {
		err = s.client.SendPrompt(ctx, enhanced)
	}
	if err != nil {
		return err
	}

	for round := 0; round < maxToolRounds && len(s.pendingCalls) > 0; round++ {
		calls := s.pendingCalls
		s.pendingCalls = nil
		s.tokensPrinted = false

		results := s.runTools(ctx, calls)
		if err := s.client.SendToolResults(ctx, results); err != nil {
			return err
		}
	}
	return nil
}

// augment prepends retrieved document context to the prompt when the
// index has anything to offer.
func (s *session) augment(ctx context.Context, prompt string) string {
	if s.engine.ChunkCount() == 0 {
		return prompt
	}

	chunks, err := s.engine.Retrieve(ctx, prompt, s.cfg.RAG.TopK)
	if err != nil || len(chunks) == 0 {
		if err != nil {
			s.logger.Warn("retrieval failed, proceeding without context", "error", err)
		}
		return prompt
	}

	var b strings.Builder
	b.WriteString("CONTEXT FROM DOCUMENTS:\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "--- Document Chunk %d ---\n%s\n\n", i+1, c.Text)
	}
	b.WriteString("\nPlease use the above context to answer the user's question.\n\n")
	b.WriteString("USER QUESTION: ")
	b.WriteString(prompt)
	return b.String()
}

// runTools executes every requested call and gathers the results in
// request order.
func (s *session) runTools(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	type indexed struct {
		idx int
		res tools.Result
	}
	ch := make(chan indexed, len(calls))

	for i, call := range calls {
		i := i
		name := call.Function.Name
		fmt.Fprintf(s.stdout, "[calling tool %s]\n", name)
		onEvent := func(res tools.Result) {
			s.logger.Debug("tool stream event", "tool", res.Name, "call_id", res.CallID, "data", res.Content)
		}
		s.dispatcher.ExecuteStream(ctx, name, call.Function.Arguments, onEvent, func(res tools.Result) {
			ch <- indexed{idx: i, res: res}
		})
	}

	results := make([]llm.ToolResult, len(calls))
	for range calls {
		in := <-ch
		results[in.idx] = llm.ToolResult{
			CallID:  in.res.CallID,
			Name:    in.res.Name,
			Content: in.res.Content,
			IsError: in.res.IsError,
		}
	}
	return results
}
