// Package provider implements conversation.Model for hosted LLM APIs.
//
// Every provider runs the whole tool loop of a turn: it streams a response,
// executes the tool calls the model asks for, feeds the results back and
// streams again until the model stops calling tools. Everything that happens
// along the way is reported as conversation signals.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
)

// DefaultMaxIterations bounds the tool loop of one turn.
const DefaultMaxIterations = 10

// ErrMaxIterations is returned when the model keeps calling tools past the
// iteration limit.
var ErrMaxIterations = errors.New("tool loop exceeded max iterations")

// Config selects and configures a provider.
type Config struct {
	// Provider is the registered provider name ("anthropic", "openai", "mock").
	Provider string
	APIKey   string
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL       string
	MaxIterations int
	Timeout       time.Duration
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Factory builds a provider from its configuration.
type Factory func(cfg Config) (conversation.Model, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a provider available to New under name.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Names returns the registered provider names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (conversation.Model, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not found (available: %v)", cfg.Provider, Names())
	}
	return f(cfg.withDefaults())
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Type          string `json:"type,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// ErrorCode returns the code recorded as the error_type of a failed turn.
func (e *ProviderError) ErrorCode() string {
	return e.Code
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeOverloaded      = "overloaded"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeInvalidResponse = "invalid_response"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableError(code),
	}
}

// isRetryableError determines if an error code is retryable
func isRetryableError(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeOverloaded, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// codeForStatus maps an HTTP status to an error code.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrorCodeAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorCodeRateLimit
	case status == http.StatusBadRequest:
		return ErrorCodeInvalidRequest
	case status == http.StatusNotFound:
		return ErrorCodeModelNotFound
	case status == 529:
		return ErrorCodeOverloaded
	case status >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}
