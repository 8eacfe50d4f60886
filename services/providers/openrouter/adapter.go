package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/providers"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	doneMarker     = "[DONE]"
)

var rateLimits = providers.RateLimits{
	RequestsPerMinute:  200,
	TokensPerMinute:    100000,
	ConcurrentRequests: 20,
}

// Adapter implements providers.Provider for the OpenRouter chat completions API
type Adapter struct {
	providers.Base

	baseURL    string
	httpClient *http.Client
	retry      providers.RetryPolicy
	logger     *zap.Logger
}

// NewAdapter creates a new OpenRouter adapter
func NewAdapter(config providers.ProviderConfig, deps providers.Deps) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		Base:       providers.NewBase(providers.BackendOpenRouter, config, deps, rateLimits),
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{},
		retry:      providers.RetryPolicyFromConfig(config),
		logger:     logger.With(zap.String("backend", string(providers.BackendOpenRouter))),
	}
}

// Build is the registry builder for this backend
func Build(cfg providers.ProviderConfig, deps providers.Deps) (providers.Provider, error) {
	return NewAdapter(cfg, deps), nil
}

// SendRequest performs a blocking chat completion request
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

	chat, err := providers.Retry(ctx, a.retry, func(ctx context.Context) (*chatResponse, error) {
		resp, err := a.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var out chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, providers.NewProviderError(a.Backend(), providers.CodeDecode, "failed to decode response", resp.StatusCode, true, err)
		}
		// OpenRouter reports some upstream failures with a 200 status
		if out.Error != nil {
			return nil, a.classifyBodyError(out.Error, nil)
		}
		if len(out.Choices) == 0 {
			return nil, providers.NewProviderError(a.Backend(), providers.CodeDecode, "response has no choices", resp.StatusCode, true, nil)
		}
		return &out, nil
	})
	if err != nil {
		a.logger.Debug("chat completion failed", zap.String("model", modelID), zap.Error(err))
		return nil, err
	}

	return a.convertToUnifiedResponse(chat, modelID, time.Since(startTime)), nil
}

// StreamRequest performs a streaming chat completion request
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
		usage      *chatUsage
		stopReason string
		model      = modelID
		done       bool
	)

	for !done {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return providers.TransportError(a.Backend(), err)
		}

		if event.Data == doneMarker {
			done = true
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			return providers.NewProviderError(a.Backend(), providers.CodeDecode, "failed to decode stream chunk", 0, true, err)
		}
		if chunk.Error != nil {
			return a.classifyBodyError(chunk.Error, nil)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		for _, choice := range chunk.Choices {
			if choice.Delta != nil && choice.Delta.Content != "" {
				if err := callback(&providers.StreamChunk{Text: choice.Delta.Content}); err != nil {
					return err
				}
			}
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
			}
		}
	}

	if !done && stopReason == "" {
		return providers.NewProviderError(a.Backend(), providers.CodeStreamAborted, "stream ended before completion", 0, true, nil)
	}

	final := providers.Usage{}
	if usage != nil {
		final = providers.NewUsage(usage.PromptTokens, usage.CompletionTokens)
	}
	return callback(&providers.StreamChunk{
		Done:       true,
		Usage:      &final,
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

// buildRequest converts the unified request to the OpenAI-compatible format
func (a *Adapter) buildRequest(req *providers.ModelRequest, stream bool) ([]byte, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "invalid request", 0, false, err)
	}

	modelID, err := a.ResolveModel(req.Model)
	if err != nil {
		return nil, "", err
	}

	creq := chatRequest{
		Model:    modelID,
		Messages: make([]chatMessage, 0, len(req.Messages)+1),
		Stream:   stream,
	}
	if req.SystemPrompt != "" {
		creq.Messages = append(creq.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		creq.Messages = append(creq.Messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		creq.Temperature = &temp
	}
	if stream {
		creq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, "", providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "failed to marshal request", 0, false, err)
	}
	return body, modelID, nil
}

// post sends one request and returns the response only on HTTP 200
func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "failed to create request", 0, false, err)
	}

	cfg := a.Config()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
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

// handleErrorResponse handles OpenRouter error responses
func (a *Adapter) handleErrorResponse(statusCode int, body []byte, header http.Header) error {
	var errResp chatResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil && errResp.Error.Message != "" {
		return providers.ClassifyHTTPError(a.Backend(), statusCode, errResp.Error.Message, header)
	}
	return providers.ClassifyHTTPError(a.Backend(), statusCode, strings.TrimSpace(string(body)), header)
}

// classifyBodyError maps an error object delivered inside a response body
func (a *Adapter) classifyBodyError(e *apiError, header http.Header) error {
	status := e.status()
	if status == 0 {
		status = http.StatusBadGateway
	}
	return providers.ClassifyHTTPError(a.Backend(), status, e.Message, header)
}

// convertToUnifiedResponse converts an OpenRouter response to the unified format
func (a *Adapter) convertToUnifiedResponse(chat *chatResponse, modelID string, latency time.Duration) *providers.ModelResponse {
	choice := chat.Choices[0]

	var content string
	if choice.Message != nil {
		content = choice.Message.Content
	}

	model := chat.Model
	if model == "" {
		model = modelID
	}

	var usage providers.Usage
	if chat.Usage != nil {
		usage = providers.NewUsage(chat.Usage.PromptTokens, chat.Usage.CompletionTokens)
	}

	return &providers.ModelResponse{
		Content:    content,
		Usage:      usage,
		Model:      model,
		StopReason: choice.FinishReason,
		Backend:    a.Backend(),
		Latency:    latency,
	}
}

// status reads the numeric code OpenRouter puts in error objects
func (e *apiError) status() int {
	raw := strings.Trim(string(e.Code), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

var _ providers.Provider = (*Adapter)(nil)
