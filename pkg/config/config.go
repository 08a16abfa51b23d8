// Package config loads memtrace's YAML configuration and applies
// environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/memtrace/internal/observability"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// MaxFileSize caps the size of a config file.
const MaxFileSize = 1 << 20

// Storage backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config represents the application configuration
type Config struct {
	// Provider selects the model collaborator: anthropic, openai, or mock
	Provider string `yaml:"provider"`

	// API Keys
	AnthropicKey string `yaml:"anthropic_key"`
	OpenAIKey    string `yaml:"openai_key"`

	// Model Configuration
	Model         string        `yaml:"model"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxIterations int           `yaml:"max_iterations"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`

	Server   ServerConfig         `yaml:"server"`
	Storage  StorageConfig        `yaml:"storage"`
	Memory   MemoryConfig         `yaml:"memory"`
	Prompts  PromptConfig         `yaml:"prompts"`
	Diagrams DiagramConfig        `yaml:"diagrams"`
	Snapshot SnapshotConfig       `yaml:"snapshot"`
	Logging  LoggingConfig        `yaml:"logging"`
	Tracing  observability.Config `yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ChatRateLimit   float64       `yaml:"chat_rate_limit"`
	ChatBurst       int           `yaml:"chat_burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects where session records are kept.
type StorageConfig struct {
	Backend string            `yaml:"backend"`
	Dir     string            `yaml:"dir"`
	Redis   trace.RedisConfig `yaml:"redis"`
}

// MemoryConfig configures the memory tool.
type MemoryConfig struct {
	Dir       string  `yaml:"dir"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// PromptConfig points at the system prompt library.
type PromptConfig struct {
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
}

// DiagramConfig holds where rendered diagrams are written.
type DiagramConfig struct {
	Dir string `yaml:"dir"`
}

// SnapshotConfig controls periodic snapshots of the active session.
type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with every default applied and no file
// or environment input.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, if any, then applies environment
// overrides and defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("config file too large: exceeds %d bytes", MaxFileSize)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.AnthropicKey, "ANTHROPIC_API_KEY")
	setString(&c.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.Model, "MEMTRACE_MODEL")
	setString(&c.Provider, "MEMTRACE_PROVIDER")
	setString(&c.Logging.Level, "LOG_LEVEL")
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
		c.Storage.Backend = BackendRedis
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	c.Tracing.ApplyEnv()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "anthropic"
	}
	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = "gpt-4o"
		case "mock":
			c.Model = "mock"
		default:
			c.Model = "claude-sonnet-4-5"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.ChatBurst == 0 {
		c.Server.ChatBurst = 5
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./traces"
	}
	if c.Memory.Dir == "" {
		c.Memory.Dir = "./memory/memories"
	}
	if c.Memory.Burst == 0 {
		c.Memory.Burst = 10
	}
	if c.Prompts.Dir == "" {
		c.Prompts.Dir = "./prompts"
	}
	if c.Diagrams.Dir == "" {
		c.Diagrams.Dir = "./diagrams"
	}
	if c.Snapshot.Schedule == "" {
		c.Snapshot.Schedule = "@every 1m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = observability.DefaultServiceName
	}
}

// APIKey returns the key for the configured provider.
func (c *Config) APIKey() string {
	switch c.Provider {
	case "anthropic":
		return c.AnthropicKey
	case "openai":
		return c.OpenAIKey
	}
	return ""
}

// Save writes the configuration to a YAML file. API keys are not written.
func Save(cfg *Config, path string) error {
	out := *cfg
	out.AnthropicKey = ""
	out.OpenAIKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case "anthropic", "openai":
		if c.APIKey() == "" {
			errs = append(errs, fmt.Errorf("%s provider requires an API key", c.Provider))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, errors.New("max_tokens must be positive"))
	}
	if c.MaxIterations < 1 {
		errs = append(errs, errors.New("max_iterations must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Memory.Dir == "" {
		errs = append(errs, errors.New("memory.dir is required"))
	}
	if c.Server.ChatRateLimit < 0 {
		errs = append(errs, errors.New("server.chat_rate_limit must not be negative"))
	}
	if c.Memory.RateLimit < 0 {
		errs = append(errs, errors.New("memory.rate_limit must not be negative"))
	}

	return errors.Join(errs...)
}
