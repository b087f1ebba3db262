package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/config"
	"github.com/Mattis142/feed-generator/internal/fatigue"
	"github.com/Mattis142/feed-generator/internal/firehose"
	"github.com/Mattis142/feed-generator/internal/ingest"
	"github.com/Mattis142/feed-generator/internal/store"
	"github.com/Mattis142/feed-generator/internal/taste"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", "path", cfg.DBPath)

	appView := bluesky.NewAppView(cfg.AppViewURL, logger)
	tasteEngine := taste.NewEngine(st, appView, logger)
	fatigueEngine := fatigue.NewEngine(st, logger)

	ingester := ingest.New(st, tasteEngine, fatigueEngine, logger)
	subscriber := firehose.NewSubscriber(cfg.FirehoseURL, ingester, cfg.ReconnectDelay, logger)
	refresher := ingest.NewTrackedRefresher(st, ingester, cfg.Whitelist, subscriber.UpdateWantedDids, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go refresher.Run(ctx)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	logger.Info("ingester started", "firehose", cfg.FirehoseURL)

	// The flush loop owns the final flush on shutdown; run it in the
	// foreground so main blocks until it drains.
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()
	ingester.Run(ctx)

	logger.Info("ingester stopped")
	return nil
}
