package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunInit_FreshDirectory(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil {
		t.Errorf("expected data directory: %v", err)
	} else if !info.IsDir() {
		t.Error("data is not a directory")
	}

	cfg, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	for _, want := range []string{"ollama:", "retry:", "rag:", "mcp_servers:"} {
		if !strings.Contains(string(cfg), want) {
			t.Errorf("config.yaml missing %q section", want)
		}
	}

	out := buf.String()
	if !strings.Contains(out, "✓") || !strings.Contains(out, "config.yaml") {
		t.Errorf("output missing created marker: %q", out)
	}
}

func TestRunInit_SkipsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("first runInit failed: %v", err)
	}

	sentinel := []byte("# customized\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml after second run: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: %q", got)
	}
}

func TestRunInit_ExampleConfigParses(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfg := loadConfig(filepath.Join(dir, "config.yaml"), discardLogger())
	if cfg.Ollama.URL != "http://localhost:11434" {
		t.Errorf("ollama url = %q", cfg.Ollama.URL)
	}
	if cfg.RAG.ChunkSize != 512 || cfg.RAG.ChunkOverlap != 50 {
		t.Errorf("rag chunking = %d/%d", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
	if len(cfg.MCPServers) != 0 {
		t.Errorf("expected no mcp servers, got %d", len(cfg.MCPServers))
	}
}
