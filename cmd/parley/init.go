package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parley-chat/parley/internal/defaults"
)

// runInit prepares a Parley working directory: the directory itself,
// a data subdirectory for the retrieval index, and an example config.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Parley workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your Ollama server, then run:")
	fmt.Fprintf(w, "  parley -config %s chat\n", configPath)
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never clobbers user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
