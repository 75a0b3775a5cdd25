package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relayforge/gemini-relay/internal/auth"
	openaicodec "github.com/relayforge/gemini-relay/internal/codec/openai"
	"github.com/relayforge/gemini-relay/internal/config"
	"github.com/relayforge/gemini-relay/internal/fallback"
	"github.com/relayforge/gemini-relay/internal/ledger"
	"github.com/relayforge/gemini-relay/internal/server"
	"github.com/relayforge/gemini-relay/internal/telemetry"
	"github.com/relayforge/gemini-relay/internal/upstream"
	"github.com/relayforge/gemini-relay/internal/usage"
)

// resetCheckInterval paces the daily-quota reset checks.
const resetCheckInterval = time.Minute

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("gemini-relay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rotator := auth.NewRotator(
		cfg.Credentials.ActivePath,
		cfg.Credentials.ResetHour,
		cfg.Credentials.ResetUTCOffset,
		logger,
	)
	switch {
	case len(cfg.Credentials.Paths) > 0:
		rotator.Initialize(cfg.Credentials.Paths)
	case cfg.Credentials.Directory != "":
		if err := rotator.InitializeFromDirectory(cfg.Credentials.Directory); err != nil {
			log.Fatalf("Failed to scan credential directory: %v", err)
		}
		if cfg.Credentials.Watch {
			watcher := auth.NewWatcher(cfg.Credentials.Directory, rotator, logger)
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					logger.Error("credential watcher stopped", slog.String("error", err.Error()))
				}
			}()
		}
	default:
		logger.Info("no credential pool configured, rotation disabled")
	}

	go func() {
		ticker := time.NewTicker(resetCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rotator.CheckDailyReset()
			}
		}
	}()

	client := upstream.New(upstream.Options{
		PremiumEndpoints:   cfg.Upstream.PremiumEndpoints,
		StandardEndpoints:  cfg.Upstream.StandardEndpoints,
		DiscoveryEndpoints: cfg.Upstream.DiscoveryEndpoints,
		PremiumPrefixes:    cfg.Models.PremiumPrefixes,
		DefaultProjectID:   cfg.Upstream.DefaultProjectID,
		RequestTimeout:     cfg.Upstream.RequestTimeout,
		UserAgent:          cfg.Upstream.UserAgent,
		ClientMetadata:     cfg.Upstream.ClientMetadata,
	}, rotator, logger)

	engine := fallback.NewEngine(cfg.Fallback.Chain, cfg.Fallback.CooldownTTL, logger)
	translator := openaicodec.NewTranslator(cfg.Upstream.UserAgent, openaicodec.NewSession())
	requestLedger := ledger.Open(cfg.Ledger.Path, logger)

	var usageStore *usage.Store
	if cfg.Usage.SQLitePath != "" {
		usageStore, err = usage.New(cfg.Usage.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open usage store: %v", err)
		}
		defer usageStore.Close()
	}

	handler := server.NewChatHandler(server.ChatHandlerOptions{
		Translator:      translator,
		Client:          client,
		Engine:          engine,
		Rotator:         rotator,
		Ledger:          requestLedger,
		UsageStore:      usageStore,
		DefaultModel:    cfg.Models.Default,
		AvailableModels: cfg.Models.Available,
		Logger:          logger,
	})

	srv := server.New(cfg.Server.Port, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-sigCh:
		logger.Info("shutdown signal received")
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
