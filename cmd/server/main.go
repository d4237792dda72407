package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/platform/web"
	"github.com/MonGDCH/gaia-queue/internal/service"
	"github.com/MonGDCH/gaia-queue/internal/sink"
)

func main() {
	// 1. Load configuration and initialize logger
	cfg := config.Default()
	config.FromEnv(&cfg)
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Queue service as the producer backend
	svc := service.New(cfg, service.WithLogger(logger))
	defer svc.Close()

	// 3. Start outcome broadcaster (Background goroutine)
	hub := web.NewHub()
	feed, err := sink.NewBroadcastFor(svc, "")
	if err != nil {
		slog.Error("Failed to open outcome feed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := hub.Run(ctx, feed); err != nil {
			slog.Error("Outcome broadcaster stopped", "error", err)
		}
	}()

	// 4. Rate limiter: 0.5 tokens/sec (1 request every 2s), burst 5
	limiter := web.NewRateLimiter(ctx, 0.5, 5.0)

	// 5. Router
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           web.NewServer(svc, limiter, hub).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API Server starting", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
