package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/config"
	"github.com/Mattis142/feed-generator/internal/fatigue"
	"github.com/Mattis142/feed-generator/internal/feedback"
	"github.com/Mattis142/feed-generator/internal/firehose"
	"github.com/Mattis142/feed-generator/internal/graph"
	"github.com/Mattis142/feed-generator/internal/httpserver"
	"github.com/Mattis142/feed-generator/internal/ingest"
	"github.com/Mattis142/feed-generator/internal/keywords"
	"github.com/Mattis142/feed-generator/internal/ranking"
	"github.com/Mattis142/feed-generator/internal/scheduler"
	"github.com/Mattis142/feed-generator/internal/semantic"
	"github.com/Mattis142/feed-generator/internal/serve"
	"github.com/Mattis142/feed-generator/internal/store"
	"github.com/Mattis142/feed-generator/internal/taste"
	"github.com/Mattis142/feed-generator/internal/vectorindex"
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

	logger := newLogger(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", "path", cfg.DBPath)

	appView := bluesky.NewAppView(cfg.AppViewURL, logger)
	graphSvc := graph.NewService(st, appView, logger)
	tasteEngine := taste.NewEngine(st, appView, logger)
	fatigueEngine := fatigue.NewEngine(st, logger)
	feedbackEngine := feedback.NewEngine(st, tasteEngine, fatigueEngine, appView, cfg.RestrictedKeywords, logger)
	keywordEngine := keywords.NewEngine(st, &keywords.CLIExtractor{Command: cfg.KeywordCmd}, logger)
	ranker := ranking.NewRanker(st, graphSvc, logger)

	index, err := vectorindex.NewQdrant(cfg.QdrantAddr, logger)
	if err != nil {
		return fmt.Errorf("connect vector index: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	if err := index.EnsureCollections(initCtx); err != nil {
		cancelInit()
		return fmt.Errorf("prepare vector index: %w", err)
	}
	cancelInit()

	pipeline := semantic.NewPipeline(st, ranker, index,
		&semantic.CLIEmbedder{Command: cfg.EmbedderCmd, ModelPath: cfg.ModelPath},
		&semantic.CLIClusterer{Command: cfg.ClustererCmd},
		appView, logger)

	sched := scheduler.New(logger)
	registerJobs(sched, cfg, st, graphSvc, keywordEngine, pipeline, logger)

	fusion := serve.NewFusion(st, ranker, graphSvc, fatigueEngine,
		func(userDid string, forcePriority bool) {
			sched.Trigger("semantic", forcePriority)
		}, logger)

	interactions := httpserver.NewInteractionHandler(st, feedbackEngine, fatigueEngine, logger)
	server := httpserver.NewServer(cfg, fusion, interactions, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Optionally run the firehose ingester in-process.
	if cfg.EmbedIngester {
		ingester := ingest.New(st, tasteEngine, fatigueEngine, logger)
		subscriber := firehose.NewSubscriber(cfg.FirehoseURL, ingester, cfg.ReconnectDelay, logger)
		refresher := ingest.NewTrackedRefresher(st, ingester, cfg.Whitelist, subscriber.UpdateWantedDids, logger)
		go refresher.Run(ctx)
		go ingester.Run(ctx)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("firehose subscriber exited with error", "error", err)
			}
		}()
		logger.Info("embedded ingester started")
	}

	sched.Start(ctx)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname,
		"feed", cfg.FeedURI(), "whitelist", len(cfg.Whitelist))

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}
	return nil
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, st *store.Store,
	graphSvc *graph.Service, keywordEngine *keywords.Engine, pipeline *semantic.Pipeline,
	logger *slog.Logger) {

	must := func(err error) {
		if err != nil {
			logger.Error("job registration failed", "error", err)
		}
	}

	must(sched.Register("semantic", "@every 90m", 10*time.Minute, func(ctx context.Context, priority bool) error {
		return pipeline.Run(ctx, cfg.Whitelist, priority)
	}))

	must(sched.Register("graph", "@every 6h", time.Hour, func(ctx context.Context, _ bool) error {
		for _, did := range cfg.Whitelist {
			if err := graphSvc.BuildUserGraph(ctx, did); err != nil {
				logger.Error("graph rebuild failed", "user", did, "error", err)
			}
		}
		return nil
	}))

	must(sched.Register("keywords", "@every 24h", 6*time.Hour, func(ctx context.Context, _ bool) error {
		for _, did := range cfg.Whitelist {
			if err := keywordEngine.RebuildForUser(ctx, did); err != nil {
				logger.Error("keyword rebuild failed", "user", did, "error", err)
			}
		}
		return nil
	}))

	must(sched.Register("gc", "@every 1h", 30*time.Minute, func(ctx context.Context, _ bool) error {
		if deleted, err := st.DeleteStalePosts(ctx, 7*24*time.Hour); err != nil {
			logger.Error("post GC failed", "error", err)
		} else if deleted > 0 {
			logger.Info("post GC complete", "deleted", deleted)
		}
		if deleted, err := st.GCLogs(ctx, 6*time.Hour, 8*time.Hour); err != nil {
			logger.Error("log GC failed", "error", err)
		} else if deleted > 0 {
			logger.Info("log GC complete", "deleted", deleted)
		}
		return nil
	}))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
