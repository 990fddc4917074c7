package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMarkdownToPlain(t *testing.T) {
	src := []byte(`# Setup Guide

Install the **latest** release from [the site](https://example.com).

- step one
- step two

` + "```sh\nmake install\n```\n")

	got := markdownToPlain(src)

	for _, want := range []string{"Setup Guide", "latest", "the site", "step one", "step two", "make install"} {
		if !strings.Contains(got, want) {
			t.Errorf("plain text missing %q:\n%s", want, got)
		}
	}
	for _, banned := range []string{"# ", "**", "](", "```"} {
		if strings.Contains(got, banned) {
			t.Errorf("markdown syntax %q survived:\n%s", banned, got)
		}
	}
}

func TestIngestFile_Markdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.md")
	if err := os.WriteFile(path, []byte("# Title\n\nBody **text** here.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	emb := &fakeEmbedder{vectors: map[string][]float32{"Body": {1, 0}}}
	e := newTestEngine(t, emb)

	count, err := e.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile() error: %v", err)
	}
	if count != 1 {
		t.Errorf("IngestFile() = %d chunks", count)
	}

	chunks, err := e.Retrieve(context.Background(), "Body", 1)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(chunks[0].Text, "**") {
		t.Errorf("ingested chunk kept markdown formatting: %q", chunks[0].Text)
	}
}

func TestIngestFile_Missing(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{})
	if _, err := e.IngestFile(context.Background(), "/nonexistent/file.txt"); err == nil {
		t.Error("IngestFile on missing path succeeded")
	}
}
