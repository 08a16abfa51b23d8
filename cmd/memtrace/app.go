package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/internal/memory"
	"github.com/aixgo-dev/memtrace/internal/observability"
	"github.com/aixgo-dev/memtrace/internal/provider"
	"github.com/aixgo-dev/memtrace/pkg/config"
	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// openStore opens the configured session store. Both backends also journal
// events as they are appended.
func openStore(cfg *config.Config) (trace.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		store, err := trace.NewRedisStore(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendFile:
		store, err := trace.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func journalOf(store trace.Store) trace.Journal {
	j, _ := store.(trace.Journal)
	return j
}

func openMemory(cfg *config.Config, logger *zap.Logger) (*memory.Tool, error) {
	opts := []memory.Option{memory.WithLogger(logger)}
	if cfg.Memory.RateLimit > 0 {
		opts = append(opts, memory.WithRateLimit(cfg.Memory.RateLimit, cfg.Memory.Burst))
	}
	return memory.New(cfg.Memory.Dir, opts...)
}

// newModel builds a provider by name. An empty key falls back to the
// configured key for that provider.
func newModel(cfg *config.Config, logger *zap.Logger, name, apiKey string) (conversation.Model, error) {
	if apiKey == "" {
		switch name {
		case "anthropic":
			apiKey = cfg.AnthropicKey
		case "openai":
			apiKey = cfg.OpenAIKey
		}
	}
	return provider.New(provider.Config{
		Provider:      name,
		APIKey:        apiKey,
		BaseURL:       cfg.BaseURL,
		MaxIterations: cfg.MaxIterations,
		Timeout:       cfg.Timeout,
		Logger:        logger.Named(name),
	})
}

func healthChecks(store trace.Store, tool *memory.Tool) []observability.HealthCheck {
	checks := []observability.HealthCheck{{
		Name: "memory",
		CheckFunc: func(context.Context) error {
			info, err := os.Stat(tool.Dir())
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return errors.New("memory root is not a directory")
			}
			return nil
		},
	}}
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, observability.HealthCheck{
			Name:      "store",
			CheckFunc: pinger.Ping,
			Critical:  true,
		})
	}
	return checks
}
