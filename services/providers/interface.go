package providers

import (
	"context"
	"time"

	"github.com/upb/llm-failover/utils"
)

// Backend identifies a concrete inference service implementation
type Backend string

const (
	BackendAnthropic  Backend = "anthropic"
	BackendOpenRouter Backend = "openrouter"
	BackendGemini     Backend = "gemini"
)

// String implements fmt.Stringer
func (b Backend) String() string {
	return string(b)
}

// Provider represents a single inference backend behind a uniform interface
type Provider interface {
	// Backend returns the backend this provider talks to
	Backend() Backend

	// SendRequest performs a blocking completion request
	SendRequest(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// StreamRequest performs a streaming completion request. The callback receives
	// text chunks in generation order followed by exactly one Done chunk.
	StreamRequest(ctx context.Context, req *ModelRequest, callback StreamCallback) error

	// HealthCheck issues a minimal probe request
	HealthCheck(ctx context.Context) HealthCheckResult

	// ValidateAuth reports whether the configured credentials are accepted
	ValidateAuth(ctx context.Context) bool

	// EstimateCost returns the USD cost of a token usage tuple for a model id
	EstimateCost(inputTokens, outputTokens int, modelID string) float64

	// GetRateLimits returns the static client-side limits for this backend
	GetRateLimits() RateLimits

	// MapModelID resolves a logical name to this backend's model id.
	// Unknown names are returned unchanged.
	MapModelID(name string) string

	// Config returns a copy of the provider configuration
	Config() ProviderConfig
}

// StreamCallback is called for each chunk in a streaming response
type StreamCallback func(chunk *StreamChunk) error

// Message represents a single message in a conversation
type Message struct {
	// Role is "user", "assistant" or "system". Backends without a system role
	// fold system messages into the system prompt.
	Role string `json:"role" validate:"required,oneof=user assistant system"`

	// Content is the message text
	Content string `json:"content" validate:"required"`
}

// ModelRequest is a backend-neutral completion request
type ModelRequest struct {
	// Model is a logical tier (e.g. "sonnet-tier") or a concrete backend model id
	Model string `json:"model" validate:"required"`

	// Messages in the conversation, in order
	Messages []Message `json:"messages" validate:"required,min=1,dive"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty" validate:"gte=0"`

	// Temperature controls randomness
	Temperature float64 `json:"temperature,omitempty" validate:"gte=0,lte=2"`

	// SystemPrompt is sent out of band where the backend supports it
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Stream requests a streaming response
	Stream bool `json:"stream,omitempty"`
}

// Validate checks the request shape
func (r *ModelRequest) Validate() error {
	return utils.ValidateStruct(r)
}

// Usage represents token usage statistics
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewUsage builds a Usage with negative counts clamped to zero and the total derived
func NewUsage(input, output int) Usage {
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

// ModelResponse is a backend-neutral completion response
type ModelResponse struct {
	// Content is the generated text
	Content string `json:"content"`

	// Usage statistics
	Usage Usage `json:"usage"`

	// Model is the resolved backend model id
	Model string `json:"model"`

	// StopReason reported by the backend
	StopReason string `json:"stop_reason"`

	// Backend that served the request
	Backend Backend `json:"backend"`

	// Latency of the request
	Latency time.Duration `json:"latency"`
}

// StreamChunk is one piece of a streaming response
type StreamChunk struct {
	// Text is the incremental fragment. Empty on the final chunk.
	Text string `json:"text,omitempty"`

	// Done marks the final metadata chunk
	Done bool `json:"done"`

	// Usage is only set on the final chunk
	Usage *Usage `json:"usage,omitempty"`

	// StopReason is only set on the final chunk
	StopReason string `json:"stop_reason,omitempty"`

	// Model is the resolved backend model id
	Model string `json:"model,omitempty"`
}

// HealthCheckResult is the outcome of a probe request
type HealthCheckResult struct {
	Backend   Backend       `json:"backend"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// RateLimits are static per-backend request limits
type RateLimits struct {
	RequestsPerMinute  int `json:"requests_per_minute"`
	TokensPerMinute    int `json:"tokens_per_minute"`
	ConcurrentRequests int `json:"concurrent_requests"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string `validate:"required"`

	// BaseURL for the API (optional override)
	BaseURL string `validate:"omitempty,url"`

	// Region for regional endpoints
	Region string

	// Timeout for a single request
	Timeout time.Duration `validate:"gte=0"`

	// MaxRetries for retryable failures
	MaxRetries int `validate:"gte=0,lte=10"`

	// RetryDelay is the base delay between retries
	RetryDelay time.Duration `validate:"gte=0"`

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:    60 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Headers:    make(map[string]string),
	}
}

// Validate checks the configuration shape
func (c ProviderConfig) Validate() error {
	return utils.ValidateStruct(&c)
}

// Clone returns a deep copy so callers never share the headers map
func (c ProviderConfig) Clone() ProviderConfig {
	out := c
	out.Headers = make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		out.Headers[k] = v
	}
	return out
}

// ProbeRequest builds the minimal request used by HealthCheck and ValidateAuth
func ProbeRequest() *ModelRequest {
	return &ModelRequest{
		Model:     string(TierHaiku),
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
}
