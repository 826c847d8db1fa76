package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Provider is the uniform contract every upstream LLM vendor is normalized to
type Provider interface {
	// Name returns the provider name (e.g., "openai", "anthropic", "azure")
	Name() string

	// ChatCompletion performs one chat completion request. Implementations
	// never retry; the router owns retries and fallback.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// Model identifier as the vendor knows it (e.g., "gpt-4o", "claude-3-haiku-20240307")
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`

	// Timeout for the request; zero means the adapter default
	Timeout time.Duration `json:"-"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role" validate:"required,oneof=system user assistant"`

	// Content is the message text
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`
}

// ChatResponse is the canonical response shape handed to the pipeline
type ChatResponse struct {
	// ID is the vendor's completion id
	ID string `json:"id"`

	// Model that actually served the completion
	Model string `json:"model"`

	// Provider that handled the request
	Provider string `json:"provider"`

	// Content is the assistant's text
	Content string `json:"content"`

	// FinishReason as reported by the vendor ("stop", "length", ...)
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage statistics
	Usage Usage `json:"usage"`

	// CostUSD is filled in by the router from the cost oracle
	CostUSD float64 `json:"cost_usd"`

	// Latency of the request
	Latency time.Duration `json:"latency"`

	// Created timestamp
	Created time.Time `json:"created"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// Name overrides the adapter's default provider name
	Name string

	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for requests
	Timeout time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 30 * time.Second,
		Headers: make(map[string]string),
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates a transient failure worth another attempt
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable reports whether err is a transient, network-class failure.
// Semantic errors (4xx other than 429, malformed payloads) are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.Retryable {
			return true
		}
		if provErr.Cause == nil {
			return false
		}
		err = provErr.Cause
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryableStatus reports whether an HTTP status is worth retrying
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// TransportError wraps a failed round trip
func TransportError(provider string, err error) *ProviderError {
	return NewProviderError(provider, "HTTP_ERROR", "HTTP request failed", 0, true, err)
}

// StatusError builds the error for a non-2xx response
func StatusError(provider string, status int, code, message string) *ProviderError {
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}
	return NewProviderError(provider, code, message, status, RetryableStatus(status), nil)
}

// SplitModelRef splits "provider/model" into its parts. A bare model has an empty provider.
func SplitModelRef(ref string) (provider, model string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
