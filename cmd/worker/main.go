package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/consumers"
	"github.com/MonGDCH/gaia-queue/internal/dispatcher"
	"github.com/MonGDCH/gaia-queue/internal/service"
	"github.com/MonGDCH/gaia-queue/internal/sink"
	"github.com/MonGDCH/gaia-queue/internal/worker"
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
	slog.Info("Starting queue worker...", "listen", cfg.Listen, "driver", cfg.HandlerDriver)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Initialize queue service (connections are opened on first use)
	svc := service.New(cfg, service.WithLogger(logger))
	defer svc.Close()

	// 3. Outcome sink selected by QUEUE_HANDLER_DRIVER
	out, err := sink.FromConfig(cfg, svc)
	if err != nil {
		slog.Error("Failed to initialize handler driver", "error", err)
		os.Exit(1)
	}

	// 4. Register consumers (fail fast on duplicates or unreachable Redis)
	opts := []dispatcher.Option{dispatcher.WithLogger(logger)}
	if out != nil {
		opts = append(opts, dispatcher.WithSink(out))
	}
	d := dispatcher.New(svc, opts...)
	if err := d.Register(ctx, consumers.Builtin(logger)...); err != nil {
		slog.Error("Failed to register consumers", "error", err)
		os.Exit(1)
	}

	// 5. Introspection listener
	go func() {
		if err := d.ListenAndServe(ctx, cfg.Listen); err != nil {
			slog.Error("Introspection listener failed", "error", err)
			cancel()
		}
	}()

	// 6. One delivery loop per connection
	clients := svc.Clients()
	loops := make([]worker.Loop, 0, len(clients))
	for _, c := range clients {
		loops = append(loops, c)
	}
	pool := worker.NewPool(loops...)
	pool.Start(ctx)

	<-ctx.Done()
	slog.Info("Shutdown signal received")
	pool.Stop()
}
