package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/siglab/scout/alert"
	"github.com/siglab/scout/analysis"
	"github.com/siglab/scout/api"
	"github.com/siglab/scout/collector"
	"github.com/siglab/scout/config"
	"github.com/siglab/scout/insight"
	"github.com/siglab/scout/scheduler"
	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Log, logLevel)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := source.NewRegistry()
	if err := registry.Replace(cfg.Sources); err != nil {
		return fmt.Errorf("register sources: %w", err)
	}

	collectors := collector.NewSet(collector.Options{
		Timeout:           cfg.Collector.Timeout(),
		RequestsPerSecond: cfg.Collector.RequestsPerSecond,
		Logger:            logger,
	})

	sched := scheduler.New(registry, collectors, st, scheduler.Config{
		Concurrency:     cfg.Scheduler.Concurrency,
		CollectTimeout:  cfg.Scheduler.CollectTimeout(),
		InitialLookback: cfg.Scheduler.InitialLookback(),
		BackoffBase:     cfg.Scheduler.BackoffBase(),
		BackoffMax:      cfg.Scheduler.BackoffMax(),
	}, scheduler.WithLogger(logger))

	engine := analysis.New(st, registry, analysis.Config{
		Window:             cfg.Analysis.Window(),
		TrailingWindows:    cfg.Analysis.TrailingWindows,
		AnomalySensitivity: cfg.Analysis.AnomalySensitivity,
		SentimentThreshold: cfg.Analysis.SentimentThreshold,
		CycleInterval:      cfg.Analysis.CycleInterval(),
	}, analysis.WithLogger(logger))

	alertOpts := []alert.Option{alert.WithLogger(logger)}
	if cfg.NATS.URL != "" {
		pub, err := alert.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			// Alerts still land in the store; only the fan-out is lost.
			logger.Warn("alert publishing disabled", "error", err)
		} else {
			defer pub.Close()
			alertOpts = append(alertOpts, alert.WithPublisher(pub))
		}
	}
	engine.AddSink(alert.New(st, cfg.Rules, alertOpts...))

	if cfg.Insight.Enabled {
		client := insight.NewClient(insight.ClientConfig{
			Endpoint:    cfg.Insight.Endpoint,
			APIKey:      cfg.Insight.APIKey,
			Model:       cfg.Insight.Model,
			MaxTokens:   cfg.Insight.MaxTokens,
			Temperature: cfg.Insight.Temperature,
			Timeout:     cfg.Insight.Timeout(),
		}, insight.WithClientLogger(logger))
		engine.AddSink(insight.NewGenerator(st, client, cfg.Analysis.SentimentThreshold,
			insight.WithLogger(logger)))
	}

	server := api.New(registry, st, sched, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.API.Addr)
	})
	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			if err := registry.Replace(next.Sources); err != nil {
				logger.Error("apply reloaded sources", "error", err)
			}
		}, logger)
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	logger.Info("scout ready",
		"version", Version,
		"sources", len(cfg.Sources),
		"rules", len(cfg.Rules),
		"addr", cfg.API.Addr)

	return g.Wait()
}

func buildLogger(cfg config.LogConfig, override string) *slog.Logger {
	levelName := cfg.Level
	if override != "" {
		levelName = override
	}

	level := slog.LevelInfo
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
