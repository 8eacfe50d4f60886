package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// rateLimits are the client-side limits applied to the Messages API
var rateLimits = providers.RateLimits{
	RequestsPerMinute:  50,
	TokensPerMinute:    40000,
	ConcurrentRequests: 10,
}

// Adapter implements providers.Provider for the Anthropic Messages API
type Adapter struct {
	providers.Base

	baseURL    string
	httpClient *http.Client
	retry      providers.RetryPolicy
	logger     *zap.Logger
}

// NewAdapter creates a new Anthropic adapter
func NewAdapter(config providers.ProviderConfig, deps providers.Deps) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		Base:       providers.NewBase(providers.BackendAnthropic, config, deps, rateLimits),
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{},
		retry:      providers.RetryPolicyFromConfig(config),
		logger:     logger.With(zap.String("backend", string(providers.BackendAnthropic))),
	}
}

// Build is the registry builder for this backend
func Build(cfg providers.ProviderConfig, deps providers.Deps) (providers.Provider, error) {
	return NewAdapter(cfg, deps), nil
}

// SendRequest performs a blocking Messages API call
func (a *Adapter) SendRequest(ctx context.Context, req *providers.ModelRequest) (*providers.ModelResponse, error) {
	startTime := time.Now()

	body, modelID, err := a.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.WithTimeout(ctx)
	defer cancel()

	release, err := a.Throttle().Acquire(ctx, providers.EstimateTokens(req))
	if err != nil {
		return nil, err
	}
	defer release()

	msg, err := providers.Retry(ctx, a.retry, func(ctx context.Context) (*messagesResponse, error) {
		resp, err := a.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var out messagesResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, providers.NewProviderError(a.Backend(), providers.CodeDecode, "failed to decode response", resp.StatusCode, true, err)
		}
		return &out, nil
	})
	if err != nil {
		a.logger.Debug("messages request failed", zap.String("model", modelID), zap.Error(err))
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := msg.Model
	if model == "" {
		model = modelID
	}

	return &providers.ModelResponse{
		Content:    text.String(),
		Usage:      providers.NewUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens),
		Model:      model,
		StopReason: msg.StopReason,
		Backend:    a.Backend(),
		Latency:    time.Since(startTime),
	}, nil
}

// StreamRequest performs a streaming Messages API call
func (a *Adapter) StreamRequest(ctx context.Context, req *providers.ModelRequest, callback providers.StreamCallback) error {
	body, modelID, err := a.buildRequest(req, true)
	if err != nil {
		return err
	}

	ctx, cancel := a.WithTimeout(ctx)
	defer cancel()

	release, err := a.Throttle().Acquire(ctx, providers.EstimateTokens(req))
	if err != nil {
		return err
	}
	defer release()

	// only connection setup is retried; a started stream is never replayed
	resp, err := providers.Retry(ctx, a.retry, func(ctx context.Context) (*http.Response, error) {
		return a.post(ctx, body)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return a.readStream(resp.Body, modelID, callback)
}

func (a *Adapter) readStream(body io.Reader, modelID string, callback providers.StreamCallback) error {
	reader := providers.NewSSEReader(body)

	var (
		inputTokens  int
		outputTokens int
		stopReason   string
		model        = modelID
		stopped      bool
	)

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return providers.TransportError(a.Backend(), err)
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
			return providers.NewProviderError(a.Backend(), providers.CodeDecode, "failed to decode stream event", 0, true, err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				if ev.Message.Model != "" {
					model = ev.Message.Model
				}
				inputTokens = ev.Message.Usage.InputTokens
				outputTokens = ev.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if err := callback(&providers.StreamChunk{Text: ev.Delta.Text}); err != nil {
					return err
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				outputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			stopped = true
		case "error":
			return a.streamError(ev.Error)
		}

		if stopped {
			break
		}
	}

	if !stopped {
		return providers.NewProviderError(a.Backend(), providers.CodeStreamAborted, "stream ended before message_stop", 0, true, nil)
	}

	usage := providers.NewUsage(inputTokens, outputTokens)
	return callback(&providers.StreamChunk{
		Done:       true,
		Usage:      &usage,
		StopReason: stopReason,
		Model:      model,
	})
}

// HealthCheck issues a one-token probe
func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthCheckResult {
	return providers.ProbeHealth(ctx, a)
}

// ValidateAuth reports whether the API key is accepted
func (a *Adapter) ValidateAuth(ctx context.Context) bool {
	return providers.ProbeAuth(ctx, a)
}

func (a *Adapter) buildRequest(req *providers.ModelRequest, stream bool) ([]byte, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "invalid request", 0, false, err)
	}

	modelID, err := a.ResolveModel(req.Model)
	if err != nil {
		return nil, "", err
	}

	mreq := messagesRequest{
		Model:     modelID,
		MaxTokens: req.MaxTokens,
		System:    req.SystemPrompt,
		Stream:    stream,
	}
	if mreq.MaxTokens <= 0 {
		mreq.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		if temp > 1 {
			temp = 1
		}
		mreq.Temperature = &temp
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if mreq.System != "" {
				mreq.System += "\n\n"
			}
			mreq.System += msg.Content
			continue
		}
		mreq.Messages = append(mreq.Messages, message{Role: msg.Role, Content: msg.Content})
	}
	if len(mreq.Messages) == 0 {
		return nil, "", &providers.ModelTranslationError{
			Logical: req.Model,
			Backend: a.Backend(),
			Region:  a.Config().Region,
			Reason:  "request has only system messages",
		}
	}

	body, err := json.Marshal(mreq)
	if err != nil {
		return nil, "", providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "failed to marshal request", 0, false, err)
	}
	return body, modelID, nil
}

// post sends one request and returns the response only on HTTP 200
func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "failed to create request", 0, false, err)
	}

	cfg := a.Config()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(a.Backend(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, a.handleErrorResponse(resp.StatusCode, respBody, resp.Header)
	}
	return resp, nil
}

// handleErrorResponse maps an Anthropic error payload onto the error taxonomy
func (a *Adapter) handleErrorResponse(statusCode int, body []byte, header http.Header) error {
	var errResp errorResponse
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Type == "overloaded_error" && statusCode < 500 {
			statusCode = http.StatusServiceUnavailable
		}
	}
	return providers.ClassifyHTTPError(a.Backend(), statusCode, message, header)
}

func (a *Adapter) streamError(e *errorDetail) error {
	if e == nil {
		return providers.NewProviderError(a.Backend(), providers.CodeServer, "stream error", 0, true, nil)
	}
	switch e.Type {
	case "rate_limit_error":
		return providers.NewRateLimitError(a.Backend(), e.Message, 0)
	case "authentication_error", "permission_error":
		return providers.NewAuthError(a.Backend(), http.StatusUnauthorized, e.Message)
	default:
		return providers.NewProviderError(a.Backend(), providers.CodeServer, e.Message, 0, true, nil)
	}
}

var _ providers.Provider = (*Adapter)(nil)
