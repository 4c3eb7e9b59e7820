package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	UploadDir  string `json:"upload_dir" yaml:"upload_dir" toml:"upload_dir"`
	ResultsDir string `json:"results_dir" yaml:"results_dir" toml:"results_dir"`

	// Scheduler
	Workers         int `json:"workers" yaml:"workers" toml:"workers"`
	QueueDepth      int `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	StageTimeoutSec int `json:"stage_timeout_sec" yaml:"stage_timeout_sec" toml:"stage_timeout_sec"`

	// Model residency
	MemoryBudgetMB int    `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int    `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`
	DefaultDevice  string `json:"default_device" yaml:"default_device" toml:"default_device"`

	// Extraction collaborators
	ModelServerURL string `json:"model_server_url" yaml:"model_server_url" toml:"model_server_url"`
	LLMBaseURL     string `json:"llm_base_url" yaml:"llm_base_url" toml:"llm_base_url"`
	LLMAPIKey      string `json:"llm_api_key" yaml:"llm_api_key" toml:"llm_api_key"`

	// Fallback retry policy for enhancement stages
	RetryMaxAttempts      int `json:"retry_max_attempts" yaml:"retry_max_attempts" toml:"retry_max_attempts"`
	RetryInitialBackoffMS int `json:"retry_initial_backoff_ms" yaml:"retry_initial_backoff_ms" toml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMS     int `json:"retry_max_backoff_ms" yaml:"retry_max_backoff_ms" toml:"retry_max_backoff_ms"`

	// Record store; empty RedisAddr selects the in-memory store.
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" toml:"redis_db"`

	// Upload limits and retention
	MaxUploadMB    int `json:"max_upload_mb" yaml:"max_upload_mb" toml:"max_upload_mb"`
	RetentionHours int `json:"retention_hours" yaml:"retention_hours" toml:"retention_hours"`

	// CORS (opt-in)
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
