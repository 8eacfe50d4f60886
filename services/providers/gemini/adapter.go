package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	genai "google.golang.org/genai"

	"github.com/upb/llm-failover/services/providers"
)

var rateLimits = providers.RateLimits{
	RequestsPerMinute:  60,
	TokensPerMinute:    250000,
	ConcurrentRequests: 8,
}

// generator is the subset of *genai.Models the adapter calls
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Adapter implements providers.Provider on top of the genai SDK
type Adapter struct {
	providers.Base

	models generator
	retry  providers.RetryPolicy
	logger *zap.Logger
}

// NewAdapter creates a Gemini adapter backed by the Gemini Developer API
func NewAdapter(ctx context.Context, config providers.ProviderConfig, deps providers.Deps) (*Adapter, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{},
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	cli, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newAdapter(config, deps, cli.Models), nil
}

func newAdapter(config providers.ProviderConfig, deps providers.Deps, models generator) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		Base:   providers.NewBase(providers.BackendGemini, config, deps, rateLimits),
		models: models,
		retry:  providers.RetryPolicyFromConfig(config),
		logger: logger.With(zap.String("backend", string(providers.BackendGemini))),
	}
}

// Build is the registry builder for this backend
func Build(cfg providers.ProviderConfig, deps providers.Deps) (providers.Provider, error) {
	return NewAdapter(context.Background(), cfg, deps)
}

// SendRequest performs a blocking generateContent call
func (a *Adapter) SendRequest(ctx context.Context, req *providers.ModelRequest) (*providers.ModelResponse, error) {
	startTime := time.Now()

	modelID, contents, config, err := a.buildRequest(req)
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

	resp, err := providers.Retry(ctx, a.retry, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := a.models.GenerateContent(ctx, modelID, contents, config)
		if err != nil {
			return nil, a.classifyError(err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			return nil, providers.NewProviderError(a.Backend(), providers.CodeDecode, "response has no candidates", 0, true, nil)
		}
		return resp, nil
	})
	if err != nil {
		a.logger.Debug("generateContent failed", zap.String("model", modelID), zap.Error(err))
		return nil, err
	}

	text, stopReason := candidateText(resp)
	model := resp.ModelVersion
	if model == "" {
		model = modelID
	}

	return &providers.ModelResponse{
		Content:    text,
		Usage:      usageOf(resp),
		Model:      model,
		StopReason: stopReason,
		Backend:    a.Backend(),
		Latency:    time.Since(startTime),
	}, nil
}

// StreamRequest performs a streaming generateContent call
func (a *Adapter) StreamRequest(ctx context.Context, req *providers.ModelRequest, callback providers.StreamCallback) error {
	modelID, contents, config, err := a.buildRequest(req)
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

	var (
		usage      providers.Usage
		stopReason string
		model      = modelID
	)

	for resp, err := range a.models.GenerateContentStream(ctx, modelID, contents, config) {
		if err != nil {
			return a.classifyError(err)
		}
		if resp == nil {
			continue
		}
		if resp.ModelVersion != "" {
			model = resp.ModelVersion
		}
		if resp.UsageMetadata != nil {
			usage = usageOf(resp)
		}

		text, reason := candidateText(resp)
		if text != "" {
			if err := callback(&providers.StreamChunk{Text: text}); err != nil {
				return err
			}
		}
		if reason != "" {
			stopReason = reason
		}
	}

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

func (a *Adapter) buildRequest(req *providers.ModelRequest) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	if err := req.Validate(); err != nil {
		return "", nil, nil, providers.NewProviderError(a.Backend(), providers.CodeInvalidReq, "invalid request", 0, false, err)
	}

	modelID, err := a.ResolveModel(req.Model)
	if err != nil {
		return "", nil, nil, err
	}

	config := &genai.GenerateContentConfig{}
	system := req.SystemPrompt

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		}
	}
	if len(contents) == 0 {
		return "", nil, nil, &providers.ModelTranslationError{
			Logical: req.Model,
			Backend: a.Backend(),
			Region:  a.Config().Region,
			Reason:  "request has only system messages",
		}
	}

	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}

	return modelID, contents, config, nil
}

// classifyError maps SDK errors onto the error taxonomy
func (a *Adapter) classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return providers.TransportError(a.Backend(), err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Code
		if status == 0 && strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED") {
			status = http.StatusTooManyRequests
		}
		if status == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key") {
			status = http.StatusUnauthorized
		}
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return providers.ClassifyHTTPError(a.Backend(), status, msg, nil)
	}

	return providers.TransportError(a.Backend(), err)
}

// candidateText concatenates the text parts of the first candidate
func candidateText(resp *genai.GenerateContentResponse) (string, string) {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", ""
	}
	c := resp.Candidates[0]

	var b strings.Builder
	if c.Content != nil {
		for _, part := range c.Content.Parts {
			if part != nil && !part.Thought {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String(), string(c.FinishReason)
}

func usageOf(resp *genai.GenerateContentResponse) providers.Usage {
	if resp.UsageMetadata == nil {
		return providers.Usage{}
	}
	return providers.NewUsage(int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
}

var _ providers.Provider = (*Adapter)(nil)
