package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/memtrace/internal/observability"
	"github.com/aixgo-dev/memtrace/internal/prompt"
	"github.com/aixgo-dev/memtrace/internal/server"
	"github.com/aixgo-dev/memtrace/internal/snapshot"
	"github.com/aixgo-dev/memtrace/pkg/conversation"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "HTTP port")
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(cfg.Tracing, logger); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tool, err := openMemory(cfg, logger)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(Version)
	for _, check := range healthChecks(store, tool) {
		health.RegisterCheck(check)
	}
	logger.Debug("health checks registered", zap.Strings("checks", health.Names()))

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithHealthChecker(health),
	}
	if j := journalOf(store); j != nil {
		opts = append(opts, server.WithJournal(j))
	}
	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr(),
		Provider:        cfg.Provider,
		Model:           cfg.Model,
		Prompt:          cfg.Prompts.Default,
		MaxTokens:       cfg.MaxTokens,
		APIKeySet:       cfg.APIKey() != "",
		LogLevel:        cfg.Logging.Level,
		DiagramDir:      cfg.Diagrams.Dir,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ChatRateLimit:   cfg.Server.ChatRateLimit,
		ChatBurst:       cfg.Server.ChatBurst,
	}, store, tool, prompt.NewLibrary(cfg.Prompts.Dir), func(name, key string) (conversation.Model, error) {
		return newModel(cfg, logger, name, key)
	}, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if cfg.Snapshot.Enabled {
		sched, err := snapshot.New(cfg.Snapshot.Schedule, func() snapshot.Target {
			if conv := srv.Current(); conv != nil {
				return conv
			}
			return nil
		}, snapshot.WithLogger(logger.Named("snapshot")))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	logger.Info("memtrace started",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("provider", cfg.Provider),
		zap.String("storage", cfg.Storage.Backend),
	)
	err = g.Wait()
	logger.Info("memtrace stopped")
	return err
}
