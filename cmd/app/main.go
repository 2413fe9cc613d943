package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courseassist/internal/attach"
	"courseassist/internal/chat"
	"courseassist/internal/config"
	"courseassist/internal/genai"
	"courseassist/internal/httpserver"
	"courseassist/internal/storage"
	"courseassist/internal/transport"
)

const (
	sessionSweepInterval   = 10 * time.Minute
	retentionSweepInterval = 12 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	if cfg.APIKey == "" {
		logger.Warn("GENAI_API_KEY not set; chat requests will be rejected")
	}

	httpClient := transport.NewHTTPClient(cfg.GenAI.RequestTimeout())
	streamClient := transport.NewStreamingClient(cfg.GenAI.StreamTimeout())
	studio := genai.NewStudioClient(cfg.GenAI, cfg.APIKey, genai.InstructionRules(cfg.ModelSettings), httpClient, streamClient, logger)

	normalizer := attach.NewNormalizer(cfg.Upload, logger)

	relayCfg := chat.RelayConfig{
		Client: studio,
		Attach: normalizer,
		Window: cfg.Advanced.MemoryPerConversation,
		HasKey: cfg.APIKey != "",
		Logger: logger,
	}
	deps := httpserver.ServerDeps{
		Upstream: studio,
		Config:   cfg,
		Logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessions *chat.SessionStore
	var store *storage.Store
	if cfg.Storage.Persistent() {
		store, err = storage.Open(cfg.Storage, cfg.Advanced.MemoryPerConversation, logger)
		if err != nil {
			log.Fatalf("failed to open storage: %v", err)
		}
		relayCfg.Store = store
		relayCfg.Convs = store
		deps.Store = store
		go retentionSweep(ctx, store, cfg.Storage.RetentionHorizon(), logger)
	} else {
		sessions = chat.NewSessionStore(cfg.SessionTTL).WithWindow(cfg.Advanced.MemoryPerConversation)
		relayCfg.Store = sessions
		deps.Sessions = sessions
		go sessionSweep(ctx, sessions, logger)
	}

	deps.Relay = chat.NewRelay(relayCfg)
	router := httpserver.NewRouter(deps)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
		// WriteTimeout must outlast the stream duration cap or streams get
		// cut mid-response.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GenAI.MaxStreamDuration() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("storage", cfg.Storage.Mode),
			slog.String("model", cfg.GenAI.Model))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
	}
}

// retentionSweep purges conversations idle past the retention horizon, once
// at startup and then on a fixed interval.
func retentionSweep(ctx context.Context, store *storage.Store, horizon time.Duration, logger *slog.Logger) {
	if horizon <= 0 {
		return
	}
	sweep := func() {
		if _, err := store.PurgeOlderThan(ctx, horizon); err != nil {
			logger.Error("retention sweep failed", slog.String("error", err.Error()))
		}
	}
	sweep()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sessionSweep drops expired ephemeral sessions on a fixed interval.
func sessionSweep(ctx context.Context, sessions *chat.SessionStore, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped, _ := sessions.ClearExpired(ctx, time.Now())
			if dropped > 0 {
				logger.Info("expired sessions cleared", slog.Int("count", dropped))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
