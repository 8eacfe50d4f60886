// Package providertest provides an in-memory Provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/upb/llm-failover/services/providers"
)

// Fake is a scriptable Provider that records calls
type Fake struct {
	mu sync.Mutex

	backend providers.Backend
	cfg     providers.ProviderConfig

	// Response returned by SendRequest when Err is nil
	Response *providers.ModelResponse

	// Err is returned by SendRequest, StreamRequest and HealthCheck when set
	Err error

	// Chunks streamed by StreamRequest before the final chunk
	Chunks []string

	// Price applied by EstimateCost, per million tokens
	Price providers.Price

	// Limits returned by GetRateLimits
	Limits providers.RateLimits

	// Delay applied before each call returns
	Delay time.Duration

	sendCalls   int
	streamCalls int
	healthCalls int
	lastRequest *providers.ModelRequest
}

// New creates a fake that answers every request successfully
func New(backend providers.Backend) *Fake {
	return &Fake{
		backend: backend,
		cfg:     providers.DefaultProviderConfig(),
		Response: &providers.ModelResponse{
			Content:    "ok from " + string(backend),
			Usage:      providers.NewUsage(10, 20),
			Model:      string(backend) + "-model",
			StopReason: "end_turn",
			Backend:    backend,
		},
		Chunks: []string{"Hello", ", ", "world"},
	}
}

// SetErr changes the scripted error
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) Backend() providers.Backend {
	return f.backend
}

func (f *Fake) SendRequest(ctx context.Context, req *providers.ModelRequest) (*providers.ModelResponse, error) {
	f.mu.Lock()
	f.sendCalls++
	f.lastRequest = req
	err := f.Err
	resp := f.Response
	f.mu.Unlock()

	if werr := f.wait(ctx); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	out := *resp
	return &out, nil
}

func (f *Fake) StreamRequest(ctx context.Context, req *providers.ModelRequest, callback providers.StreamCallback) error {
	f.mu.Lock()
	f.streamCalls++
	f.lastRequest = req
	err := f.Err
	chunks := append([]string(nil), f.Chunks...)
	resp := *f.Response
	f.mu.Unlock()

	if werr := f.wait(ctx); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if cbErr := callback(&providers.StreamChunk{Text: c}); cbErr != nil {
			return cbErr
		}
	}
	usage := resp.Usage
	return callback(&providers.StreamChunk{Done: true, Usage: &usage, StopReason: resp.StopReason, Model: resp.Model})
}

func (f *Fake) HealthCheck(ctx context.Context) providers.HealthCheckResult {
	f.mu.Lock()
	f.healthCalls++
	err := f.Err
	f.mu.Unlock()

	result := providers.HealthCheckResult{
		Backend:   f.backend,
		Healthy:   err == nil,
		Latency:   f.Delay,
		CheckedAt: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// ValidateAuth mirrors providers.ProbeAuth: only success or a rate limit
// counts as accepted credentials.
func (f *Fake) ValidateAuth(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err == nil || providers.IsRateLimitError(f.Err)
}

func (f *Fake) EstimateCost(inputTokens, outputTokens int, modelID string) float64 {
	return f.Price.Cost(inputTokens, outputTokens)
}

func (f *Fake) GetRateLimits() providers.RateLimits {
	return f.Limits
}

func (f *Fake) MapModelID(name string) string {
	return name
}

func (f *Fake) Config() providers.ProviderConfig {
	return f.cfg.Clone()
}

// SendCalls returns how many times SendRequest ran
func (f *Fake) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// StreamCalls returns how many times StreamRequest ran
func (f *Fake) StreamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls
}

// HealthCalls returns how many times HealthCheck ran
func (f *Fake) HealthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls
}

// LastRequest returns the most recent request seen
func (f *Fake) LastRequest() *providers.ModelRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

var _ providers.Provider = (*Fake)(nil)
