// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Ollama     OllamaConfig     `yaml:"ollama"`
	Retry      RetryConfig      `yaml:"retry"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	RAG        RAGConfig        `yaml:"rag"`
	MCPServers []MCPServer      `yaml:"mcp_servers"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// OllamaConfig defines the LLM server connection and generation settings.
type OllamaConfig struct {
	URL          string  `yaml:"url"`   // Base URL (default: http://localhost:11434)
	Model        string  `yaml:"model"` // Chat model name
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	TopK         int     `yaml:"top_k"`
	ContextSize  int     `yaml:"context_size"` // num_ctx (default: 4096)
	MaxTokens    int     `yaml:"max_tokens"`   // num_predict, 0 = model default
}

// RetryConfig defines automatic retry behavior for transient LLM failures.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // Default: 3
	BaseDelayMS int `yaml:"base_delay_ms"` // First retry delay; doubles each attempt. Default: 1000
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to ollama.url)
}

// RAGConfig defines document retrieval settings.
type RAGConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`    // Characters per chunk (default: 512)
	ChunkOverlap int    `yaml:"chunk_overlap"` // Characters carried between chunks (default: 50)
	TopK         int    `yaml:"top_k"`         // Chunks returned per query (default: 3)
	StorePath    string `yaml:"store_path"`    // SQLite file; empty = in-memory only
}

// MCPServer defines a single configured MCP server.
type MCPServer struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Type    string `yaml:"type"` // "http" or "sse"
	Enabled bool   `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Ollama: OllamaConfig{
			URL:         "http://localhost:11434",
			Model:       "qwen3:4b",
			Temperature: 0.7,
			ContextSize: 4096,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
		},
		Embeddings: EmbeddingsConfig{
			Model: "nomic-embed-text",
		},
		RAG: RAGConfig{
			ChunkSize:    512,
			ChunkOverlap: 50,
			TopK:         3,
		},
	}
}
