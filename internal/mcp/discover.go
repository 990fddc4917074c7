package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-chat/parley/internal/buildinfo"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/tools"
)

// stepTimeout bounds each discovery round-trip. Discovery blocks the
// calling flow, so the cap keeps a dead server from hanging startup.
const stepTimeout = 5 * time.Second

// toolEntry is one item from a tools/list result.
type toolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Discover performs the two-step MCP handshake against serverURL —
// initialize, then tools/list — and registers every discovered tool
// as an HTTP tool bound to that server. It returns the number of
// tools registered; 0 means a healthy server with no tools, while a
// failed handshake returns -1 alongside the error.
func Discover(ctx context.Context, serverName, serverURL string, registry *tools.Registry, bus *events.Bus, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp", "server", serverName)

	logger.Info("discovering tools", "url", serverURL)
	bus.Emit(events.SourceMCP, events.KindDiscoveryStart, map[string]any{
		"server": serverName,
		"url":    serverURL,
	})

	transport := NewHTTPTransport(serverURL, nil, logger)

	initCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	initResp, err := transport.Send(initCtx, NewRequest("1", "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": buildinfo.Version,
		},
	}))
	if err != nil {
		return discoveryFailed(bus, logger, serverName, fmt.Errorf("initialize: %w", err))
	}
	if initResp.Error != nil {
		return discoveryFailed(bus, logger, serverName, fmt.Errorf("initialize: %w", initResp.Error))
	}

	// Best effort; some servers want it, none should break on it.
	if err := transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		logger.Debug("initialized notification rejected", "error", err)
	}

	listCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	listResp, err := transport.Send(listCtx, NewRequest("2", "tools/list", map[string]any{}))
	if err != nil {
		return discoveryFailed(bus, logger, serverName, fmt.Errorf("tools/list: %w", err))
	}
	if listResp.Error != nil {
		return discoveryFailed(bus, logger, serverName, fmt.Errorf("tools/list: %w", listResp.Error))
	}

	var result struct {
		Tools []toolEntry `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &result); err != nil {
		return discoveryFailed(bus, logger, serverName, fmt.Errorf("parse tools/list result: %w", err))
	}

	registered := 0
	for _, entry := range result.Tools {
		if entry.Name == "" {
			logger.Warn("skipping tool with empty name")
			continue
		}
		desc := entry.Description
		if desc == "" {
			desc = fmt.Sprintf("Tool from %s", serverName)
		}
		err := registry.Register(&tools.Tool{
			Name:        entry.Name,
			Description: desc,
			Parameters:  entry.InputSchema,
			Transport:   tools.TransportHTTP,
			Endpoint:    serverURL,
		})
		if err != nil {
			logger.Warn("failed to register discovered tool", "tool", entry.Name, "error", err)
			continue
		}
		logger.Debug("registered tool", "tool", entry.Name)
		registered++
	}

	logger.Info("discovery complete", "registered", registered, "listed", len(result.Tools))
	bus.Emit(events.SourceMCP, events.KindDiscoveryDone, map[string]any{
		"server":     serverName,
		"registered": registered,
	})
	return registered, nil
}

func discoveryFailed(bus *events.Bus, logger *slog.Logger, serverName string, err error) (int, error) {
	logger.Error("discovery failed", "error", err)
	bus.Emit(events.SourceMCP, events.KindDiscoveryDone, map[string]any{
		"server":     serverName,
		"registered": -1,
		"error":      err.Error(),
	})
	return -1, err
}

// RegisterConfigured walks the configured MCP server list, discovers
// every enabled HTTP server, and registers SSE servers as streaming
// tools. Failures are logged and skipped; the return value counts
// tools registered across all servers.
func RegisterConfigured(ctx context.Context, servers []config.MCPServer, registry *tools.Registry, bus *events.Bus, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	total := 0
	for _, srv := range servers {
		if !srv.Enabled || srv.Name == "" || srv.URL == "" {
			continue
		}
		switch srv.Type {
		case "sse":
			err := registry.Register(&tools.Tool{
				Name:        srv.Name,
				Description: fmt.Sprintf("Streamed tool from %s", srv.Name),
				Transport:   tools.TransportSSE,
				Endpoint:    srv.URL,
			})
			if err != nil {
				logger.Warn("failed to register sse server", "server", srv.Name, "error", err)
				continue
			}
			total++
		default:
			count, err := Discover(ctx, srv.Name, srv.URL, registry, bus, logger)
			if err != nil {
				logger.Warn("skipping server after failed discovery", "server", srv.Name, "error", err)
				continue
			}
			total += count
		}
	}
	return total
}
