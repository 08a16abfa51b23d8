package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "MEMTRACE_MODEL", "MEMTRACE_PROVIDER",
		"REDIS_ADDR", "LOG_LEVEL", "PORT", "OTEL_TRACES_EXPORTER", "OTEL_SERVICE_NAME",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_HEADERS",
		"LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memtrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, 2048, cfg.MaxTokens)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "./traces", cfg.Storage.Dir)
	assert.Equal(t, "./memory/memories", cfg.Memory.Dir)
	assert.Equal(t, "./diagrams", cfg.Diagrams.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memtrace", cfg.Tracing.ServiceName)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
provider: openai
openai_key: sk-test
max_tokens: 512
timeout: 30s
server:
  host: 127.0.0.1
  port: 9090
storage:
  backend: redis
  redis:
    addr: localhost:6379
    prefix: "mt:"
memory:
  dir: /tmp/mem
  rate_limit: 2.5
snapshot:
  enabled: true
  schedule: "@every 30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, "sk-test", cfg.APIKey())
	assert.Equal(t, 512, cfg.MaxTokens)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "mt:", cfg.Storage.Redis.Prefix)
	assert.Equal(t, 2.5, cfg.Memory.RateLimit)
	assert.True(t, cfg.Snapshot.Enabled)
	assert.Equal(t, "@every 30s", cfg.Snapshot.Schedule)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "ak")
	t.Setenv("MEMTRACE_MODEL", "claude-test")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "7000")

	cfg, err := Load(writeFile(t, "model: from-file\nlogging:\n  level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, "ak", cfg.APIKey())
	assert.Equal(t, "claude-test", cfg.Model)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "provider: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeFile(t, strings.Repeat("x: value\n", 200000)))
	assert.ErrorContains(t, err, "too large")
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "mock needs no key", mutate: func(c *Config) { c.Provider = "mock" }},
		{name: "anthropic with key", mutate: func(c *Config) { c.AnthropicKey = "k" }},
		{name: "missing key", mutate: func(*Config) {}, want: "requires an API key"},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "llama" }, want: "unknown provider"},
		{name: "bad port", mutate: func(c *Config) { c.Provider = "mock"; c.Server.Port = 70000 }, want: "invalid port"},
		{name: "redis without addr", mutate: func(c *Config) { c.Provider = "mock"; c.Storage.Backend = BackendRedis }, want: "storage.redis.addr"},
		{name: "unknown backend", mutate: func(c *Config) { c.Provider = "mock"; c.Storage.Backend = "s3" }, want: "unknown storage backend"},
		{name: "negative rate", mutate: func(c *Config) { c.Provider = "mock"; c.Memory.RateLimit = -1 }, want: "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestSaveOmitsKeys(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.AnthropicKey = "secret"
	path := filepath.Join(t.TempDir(), "out.yaml")

	require.NoError(t, Save(cfg, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, loaded.Model)
	assert.Equal(t, "secret", cfg.AnthropicKey)
}
