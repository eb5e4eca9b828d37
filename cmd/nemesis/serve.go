// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nemesis-dev/nemesis/internal/config"
	"github.com/nemesis-dev/nemesis/internal/dispatch"
	"github.com/nemesis-dev/nemesis/internal/feedback"
	"github.com/nemesis-dev/nemesis/internal/provider/anthropic"
	"github.com/nemesis-dev/nemesis/internal/provider/openai"
	"github.com/nemesis-dev/nemesis/internal/server"
	"github.com/nemesis-dev/nemesis/internal/session"
	"github.com/nemesis-dev/nemesis/internal/store/sqlite"
	"github.com/nemesis-dev/nemesis/internal/tenant"
	"github.com/nemesis-dev/nemesis/internal/vector"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nemesis server",
		Long:  "Load configuration, restore persisted tenants, and serve the REST and WebSocket API.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	vectors := vector.NewStore(db, db, vector.Config{
		Overfetch:          cfg.Index.Overfetch,
		FlatMaxEntries:     cfg.Index.FlatMaxEntries,
		HNSWM:              cfg.Index.HNSWM,
		HNSWEfConstruction: cfg.Index.HNSWEfConstruction,
		HNSWEfSearch:       cfg.Index.HNSWEfSearch,
	}, logger)

	retention := vector.NewRetention(vectors, vector.RetentionConfig{
		MutationThreshold: cfg.Retention.MutationThreshold,
		MinEffectiveness:  cfg.Retention.MinEffectiveness,
	}, logger)

	tenants := tenant.NewManager(vectors, db, logger)
	if err := tenants.Restore(ctx); err != nil {
		return err
	}

	sessions := session.NewRegistry(logger)
	go sessions.Run(ctx, cfg.Sessions.SweepInterval, cfg.Sessions.MaxIdle)

	embedder, err := openai.New(openai.Config{
		APIKey:    cfg.Providers.OpenAI.APIKey,
		BaseURL:   cfg.Providers.OpenAI.Endpoint,
		Model:     cfg.Providers.OpenAI.Model,
		Dimension: cfg.Providers.OpenAI.Dimension,
	})
	if err != nil {
		return err
	}
	generator, err := anthropic.New(anthropic.Config{
		APIKey:    cfg.Providers.Anthropic.APIKey,
		BaseURL:   cfg.Providers.Anthropic.Endpoint,
		Model:     cfg.Providers.Anthropic.Model,
		MaxTokens: cfg.Providers.Anthropic.MaxTokens,
	})
	if err != nil {
		return err
	}

	cache, err := dispatch.NewCache(dispatch.CacheConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	coordinator := dispatch.NewCoordinator(dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		DefaultTopK:    cfg.Dispatch.DefaultTopK,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		SweepInterval:  cfg.Dispatch.SweepInterval,
	}, vectors, embedder, generator, sessions, db, cache, logger)
	defer coordinator.Close()

	aggregator := feedback.NewAggregator(feedback.Config{
		InsertThreshold: cfg.Feedback.InsertThreshold,
		WindowSize:      cfg.Feedback.WindowSize,
		ShortWindow:     cfg.Feedback.ShortWindow,
		TrendEpsilon:    cfg.Feedback.TrendEpsilon,
	}, vectors, retention, db, sessions, cache, logger)
	defer aggregator.Close()

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, server.Deps{
		Tenants:     tenants,
		Vectors:     vectors,
		Retention:   retention,
		Sessions:    sessions,
		Coordinator: coordinator,
		Aggregator:  aggregator,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}
