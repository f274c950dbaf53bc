package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/anthropic"
	"github.com/MikeSquared-Agency/wayne/internal/api"
	"github.com/MikeSquared-Agency/wayne/internal/config"
	"github.com/MikeSquared-Agency/wayne/internal/dispatch"
	"github.com/MikeSquared-Agency/wayne/internal/gemini"
	"github.com/MikeSquared-Agency/wayne/internal/history"
	"github.com/MikeSquared-Agency/wayne/internal/openai"
	"github.com/MikeSquared-Agency/wayne/internal/stability"
	"github.com/MikeSquared-Agency/wayne/internal/usage"
)

const purgeInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("wayne starting", "port", cfg.Port, "env", cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Provider adapters
	oa := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	oa.SetBaseURL(cfg.OpenAIBaseURL)
	gm := gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	gm.SetBaseURL(cfg.GeminiBaseURL)
	st := stability.NewClient(cfg.StabilityAPIKey, cfg.StabilityEngine)
	st.SetBaseURL(cfg.StabilityBaseURL)

	for name, key := range map[string]string{
		openai.Name:    cfg.OpenAIAPIKey,
		gemini.Name:    cfg.GeminiAPIKey,
		stability.Name: cfg.StabilityAPIKey,
	} {
		if key == "" {
			slog.Warn("provider API key not set", "provider", name)
		}
	}

	adapters := []dispatch.Adapter{oa, gm, st}
	if cfg.AnthropicAPIKey != "" {
		an := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		an.SetBaseURL(cfg.AnthropicBaseURL)
		adapters = append(adapters, an)
	}

	dispatcher := dispatch.New(cfg.DefaultProvider, cfg.ProviderTimeout, slog.Default(), adapters...)
	slog.Info("dispatcher ready",
		"providers", dispatcher.Providers(),
		"default", cfg.DefaultProvider,
		"timeout", cfg.ProviderTimeout,
	)

	// Usage sink: NATS when configured, structured log otherwise.
	var sink usage.Sink = usage.NewLogSink(slog.Default())
	if cfg.NatsURL != "" {
		natsSink, err := usage.NewNATSSink(ctx, cfg.NatsURL, cfg.NatsToken, cfg.UsageSubject, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsSink.Close()
		sink = natsSink
		slog.Info("NATS connected", "url", cfg.NatsURL, "subject", cfg.UsageSubject)
	} else {
		slog.Warn("NATS not configured, usage records go to the log")
	}
	recorder := usage.NewRecorder(sink, slog.Default())

	store, closeStore, err := openHistory(ctx, cfg)
	if err != nil {
		slog.Error("failed to open history store", "backend", cfg.HistoryBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if p, ok := store.(purger); ok {
		go runPurger(ctx, p, purgeInterval)
	}

	srv := api.NewServer(api.Options{
		Port:              cfg.Port,
		Production:        cfg.Production(),
		StaticDir:         cfg.StaticDir,
		BackgroundTimeout: cfg.BackgroundTimeout,
		Logger:            slog.Default(),
	}, dispatcher, recorder, store)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("wayne ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ProviderTimeout+cfg.BackgroundTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	cancel()
	slog.Info("wayne stopped")
}

type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// openHistory returns the configured store (nil when disabled) and a close func.
func openHistory(ctx context.Context, cfg config.Config) (history.Store, func(), error) {
	noop := func() {}
	switch cfg.HistoryBackend {
	case "none", "off", "disabled":
		slog.Info("conversation history disabled")
		return nil, noop, nil
	case "", "memory":
		slog.Info("conversation history in memory", "ttl", cfg.HistoryTTL)
		return history.NewMemoryStore(cfg.HistoryTTL), noop, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, noop, fmt.Errorf("DATABASE_URL is required for postgres history")
		}
		pool, err := history.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		pg := history.NewPostgresStore(pool, cfg.HistoryTTL)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		slog.Info("conversation history in postgres", "ttl", cfg.HistoryTTL)
		return pg, pool.Close, nil
	case "bolt":
		bs, err := history.OpenBoltStore(cfg.BoltPath, cfg.HistoryTTL)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("conversation history in bolt", "path", cfg.BoltPath, "ttl", cfg.HistoryTTL)
		return bs, func() { bs.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}

func runPurger(ctx context.Context, p purger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("history purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged expired conversations", "count", n)
			}
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
