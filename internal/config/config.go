package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models conductor.yml.
type Config struct {
	Backends struct {
		Default            string `yaml:"default"`
		Advanced           string `yaml:"advanced"`
		LargeContextTokens int    `yaml:"large_context_tokens"`
	} `yaml:"backends"`
	Inference struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"inference"`
	Retrieval struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		TopK           int    `yaml:"top_k"`
	} `yaml:"retrieval"`
	Planner struct {
		MinSteps int `yaml:"min_steps"`
		MaxSteps int `yaml:"max_steps"`
	} `yaml:"planner"`
	Execution struct {
		MaxRetries    int  `yaml:"max_retries"`
		IngestResults bool `yaml:"ingest_results"`
	} `yaml:"execution"`
	// Webhooks receive new audit log entries by POST. Cursors are kept in
	// memory, so a restart re-delivers nothing and skips nothing new.
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
	// Simulate swaps both collaborators for in-process implementations.
	// It is never inferred; callers must set it and must log it.
	Simulate bool `yaml:"simulate"`
}

// WebhookConfig describes one delivery target. An empty Events list
// matches every action.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with conductor config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or defaults if the file does
// not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Backends.Default == "" {
		return fmt.Errorf("config.backends.default is required")
	}
	if c.Backends.Advanced == "" {
		return fmt.Errorf("config.backends.advanced is required")
	}
	if c.Backends.LargeContextTokens <= 0 {
		return fmt.Errorf("config.backends.large_context_tokens must be positive")
	}
	if c.Planner.MinSteps < 1 {
		return fmt.Errorf("config.planner.min_steps must be at least 1")
	}
	if c.Planner.MaxSteps < c.Planner.MinSteps {
		return fmt.Errorf("config.planner.max_steps must be >= min_steps")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("config.execution.max_retries must not be negative")
	}
	if c.Inference.TimeoutSeconds < 0 || c.Retrieval.TimeoutSeconds < 0 {
		return fmt.Errorf("config timeouts must not be negative")
	}
	if c.Retrieval.TopK < 0 {
		return fmt.Errorf("config.retrieval.top_k must not be negative")
	}
	if !c.Simulate && c.Inference.BaseURL == "" {
		return fmt.Errorf("config.inference.base_url is required unless simulate is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conductor.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct. It parses the same template
// GenerateDefault writes, so file and struct defaults cannot drift.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `backends:
  default: general-standard
  advanced: general-advanced
  large_context_tokens: 48000

inference:
  base_url: ""
  api_key: ""
  timeout_seconds: 120

retrieval:
  base_url: ""
  api_key: ""
  timeout_seconds: 30
  top_k: 5

planner:
  min_steps: 5
  max_steps: 10

execution:
  max_retries: 2
  ingest_results: true

simulate: true
`
