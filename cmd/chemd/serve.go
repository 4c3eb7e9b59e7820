package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chemd/internal/common/fsutil"
	"chemd/internal/config"
	"chemd/internal/extract"
	"chemd/internal/httpapi"
	"chemd/internal/registry"
	"chemd/internal/residency"
	"chemd/internal/scheduler"
	"chemd/internal/service"
	"chemd/internal/stage"
	"chemd/internal/store"
)

func runServe(configPath, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := buildLogger(logLevel)

	uploadDir, err := fsutil.ExpandHome(cfg.UploadDir)
	if err != nil {
		return err
	}
	resultsDir, err := fsutil.ExpandHome(cfg.ResultsDir)
	if err != nil {
		return err
	}
	for _, dir := range []string{uploadDir, resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	modelClient := extract.NewModelClient(cfg.ModelServerURL, log)
	models := residency.New(residency.Config{
		BudgetMB: cfg.MemoryBudgetMB,
		MarginMB: cfg.MemoryMarginMB,
		Loader:   modelClient.Loader(),
		Logger:   log,
	})
	defer models.Close()

	// Zero fields fall back to the policy defaults inside the fallback chain.
	retry := stage.RetryPolicy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: time.Duration(cfg.RetryInitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.RetryMaxBackoffMS) * time.Millisecond,
	}
	reg := registry.New()
	if err := extract.RegisterAll(reg, extract.Deps{
		LLM:             extract.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, log),
		ResultsDir:      resultsDir,
		Retry:           retry,
		FallbackTimeout: time.Duration(cfg.StageTimeoutSec) * time.Second / 2,
		Events:          stage.LogPublisher{Log: log},
	}); err != nil {
		return fmt.Errorf("registering stages: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Workers,
		QueueDepth:   cfg.QueueDepth,
		StageTimeout: time.Duration(cfg.StageTimeoutSec) * time.Second,
		Logger:       log,
	}, st, reg, models)
	if err := sched.Recover(context.Background()); err != nil {
		return fmt.Errorf("recovering queued work: %w", err)
	}
	sched.Start()
	defer sched.Close()

	retention := time.Duration(cfg.RetentionHours) * time.Hour
	svc := service.New(service.Config{
		UploadDir:     uploadDir,
		ResultsDir:    resultsDir,
		DefaultDevice: cfg.DefaultDevice,
		Workers:       cfg.Workers,
		QueueDepth:    cfg.QueueDepth,
		Retention:     retention,
		Logger:        log,
	}, st, sched, models)

	baseCtx, stopBase := context.WithCancel(context.Background())
	defer stopBase()
	go svc.Janitor(baseCtx, time.Hour)

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetMaxUploadBytes(int64(cfg.MaxUploadMB) << 20)
	httpapi.SetDefaultCleanupAge(retention)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins,
		[]string{"GET", "POST", "DELETE"}, []string{"Content-Type", "X-Log-Level"})

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(svc)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("upload_dir", uploadDir).Msg("chemd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	stopBase()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	return nil
}

func buildLogger(level string) zerolog.Logger {
	if level == "" {
		level = os.Getenv("CHEMD_LOG_LEVEL")
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		// Not a terminal: plain JSON lines.
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func buildStore(cfg config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("using in-memory record store")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewRedisStore(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("using redis record store")
	return st, nil
}
