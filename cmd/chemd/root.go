package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"chemd/internal/common/fsutil"
	"chemd/internal/config"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "chemd",
		Short:         "Chemical extraction daemon: PDF upload, model-backed pipelines, polling API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (.yaml/.json/.toml); env vars override")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (defaults CHEMD_LOG_LEVEL or info)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}
	root.AddCommand(serve)
	return root
}

// loadConfig layers file config under CHEMD_* environment overrides.
// A .env file in the working directory is honored first.
func loadConfig(path string) (config.Config, error) {
	_ = godotenv.Load()

	var cfg config.Config
	if path != "" {
		if !fsutil.PathExists(path) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	envString(&cfg.Addr, "CHEMD_ADDR")
	envString(&cfg.UploadDir, "CHEMD_UPLOAD_DIR")
	envString(&cfg.ResultsDir, "CHEMD_RESULTS_DIR")
	envInt(&cfg.Workers, "CHEMD_WORKERS")
	envInt(&cfg.QueueDepth, "CHEMD_QUEUE_DEPTH")
	envInt(&cfg.StageTimeoutSec, "CHEMD_STAGE_TIMEOUT_SEC")
	envInt(&cfg.MemoryBudgetMB, "CHEMD_MEMORY_BUDGET_MB")
	envInt(&cfg.MemoryMarginMB, "CHEMD_MEMORY_MARGIN_MB")
	envString(&cfg.DefaultDevice, "CHEMD_DEFAULT_DEVICE")
	envString(&cfg.ModelServerURL, "CHEMD_MODEL_SERVER_URL")
	envString(&cfg.LLMBaseURL, "CHEMD_LLM_BASE_URL")
	envString(&cfg.LLMAPIKey, "CHEMD_LLM_API_KEY")
	envInt(&cfg.RetryMaxAttempts, "CHEMD_RETRY_MAX_ATTEMPTS")
	envString(&cfg.RedisAddr, "CHEMD_REDIS_ADDR")
	envString(&cfg.RedisPassword, "CHEMD_REDIS_PASSWORD")
	envInt(&cfg.RedisDB, "CHEMD_REDIS_DB")
	envInt(&cfg.MaxUploadMB, "CHEMD_MAX_UPLOAD_MB")
	envInt(&cfg.RetentionHours, "CHEMD_RETENTION_HOURS")

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *config.Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "~/chemd/uploads"
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "~/chemd/results"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}
	if cfg.StageTimeoutSec <= 0 {
		cfg.StageTimeoutSec = 300
	}
	if cfg.DefaultDevice == "" {
		cfg.DefaultDevice = "cpu"
	}
	if cfg.ModelServerURL == "" {
		cfg.ModelServerURL = "http://127.0.0.1:8501"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
