// Package config holds process-wide configuration for the analysis pipeline:
// tenant identifiers, the graph store target, the LLM model, per-stage
// concurrency caps, and the retry/backoff policy shared by every outbound
// call.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pipeline configuration.
type Config struct {
	// ProjectID is the LLM / store tenant.
	ProjectID string `yaml:"project_id"`

	// Graph store target.
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`

	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Workers  WorkerConfig   `yaml:"workers"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the Gemini client.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	ModelName string `yaml:"model_name"`
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
}

// PipelineConfig configures stage concurrency and the retry discipline.
type PipelineConfig struct {
	// Bounded worker-pool sizes per fan-out stage.
	ClassifyConcurrency int `yaml:"classify_concurrency"`
	ExtractConcurrency  int `yaml:"extract_concurrency"`
	FlowConcurrency     int `yaml:"flow_concurrency"`

	// Retry/backoff applied to every outbound LLM call.
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
}

// WorkerConfig holds per-stage worker URLs for the distributed deployment
// mode. Empty URLs mean the stage runs its workers in-process.
type WorkerConfig struct {
	EntityWorkerURL string `yaml:"entity_worker_url"`
	FlowWorkerURL   string `yaml:"flow_worker_url"`
}

// StoreConfig configures the graph store.
type StoreConfig struct {
	// DatabasePath is the sqlite file. Empty derives a path from the
	// instance and database ids under data/.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures category file logging.
type LoggingConfig struct {
	Debug     bool   `yaml:"debug"`
	Level     string `yaml:"level"`
	Workspace string `yaml:"workspace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ProjectID:  "wz-cobol-graph",
		InstanceID: "cobol-graph-v2",
		DatabaseID: "cobol-graph-db",
		LLM: LLMConfig{
			ModelName: "gemini-3-pro-preview",
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
			Timeout:   "60s",
		},
		Pipeline: PipelineConfig{
			ClassifyConcurrency: 20,
			ExtractConcurrency:  50,
			FlowConcurrency:     20,
			MaxRetries:          3,
			InitialBackoff:      "1s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path, falling back to defaults for
// unset fields, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays environment variables onto the config.
// Environment always wins over file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COBOLGRAPH_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("COBOLGRAPH_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("COBOLGRAPH_DATABASE_ID"); v != "" {
		c.DatabaseID = v
	}
	if v := os.Getenv("COBOLGRAPH_MODEL_NAME"); v != "" {
		c.LLM.ModelName = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("COBOLGRAPH_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("COBOLGRAPH_ENTITY_WORKER_URL"); v != "" {
		c.Workers.EntityWorkerURL = v
	}
	if v := os.Getenv("COBOLGRAPH_FLOW_WORKER_URL"); v != "" {
		c.Workers.FlowWorkerURL = v
	}
	if v := os.Getenv("COBOLGRAPH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxRetries = n
		}
	}
	if v := os.Getenv("COBOLGRAPH_DATABASE_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
}

// DatabasePath resolves the sqlite path for the graph store target.
func (c *Config) DatabasePath() string {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath
	}
	return filepath.Join("data", fmt.Sprintf("%s_%s.db", c.InstanceID, c.DatabaseID))
}

// LLMTimeout parses the LLM call timeout, defaulting to 60s.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// InitialBackoff parses the retry backoff seed, defaulting to 1s.
func (c *Config) InitialBackoff() time.Duration {
	return parseDuration(c.Pipeline.InitialBackoff, time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
