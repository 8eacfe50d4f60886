package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one successful inference call, kept for cost analysis
type UsageRecord struct {
	ID           uuid.UUID `json:"id" db:"id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Backend      string    `json:"backend" db:"backend"`
	Model        string    `json:"model" db:"model"`                 // resolved backend model id
	LogicalModel string    `json:"logical_model" db:"logical_model"` // tier requested by the caller, may be empty
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	Cost         float64   `json:"cost" db:"cost"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	PromptHash   string    `json:"prompt_hash" db:"prompt_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a record stamped with a fresh id and the current time
func NewUsageRecord(requestID, backend, model, logicalModel string) *UsageRecord {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &UsageRecord{
		ID:           uuid.New(),
		RequestID:    requestID,
		Backend:      backend,
		Model:        model,
		LogicalModel: logicalModel,
		CreatedAt:    time.Now().UTC(),
	}
}

// HashPrompt returns a stable fingerprint of prompt text, used to spot repeated prompts
func HashPrompt(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UsageSummary aggregates usage per backend and model over a time range
type UsageSummary struct {
	Backend       string  `json:"backend"`
	Model         string  `json:"model"`
	LogicalModel  string  `json:"logical_model"`
	Requests      int64   `json:"requests"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	Cost          float64 `json:"cost"`
	UniquePrompts int64   `json:"unique_prompts"`
}

// RepeatedRequests is the number of requests whose prompt had already been seen
func (s UsageSummary) RepeatedRequests() int64 {
	if s.UniquePrompts >= s.Requests {
		return 0
	}
	return s.Requests - s.UniquePrompts
}

// AverageTokens returns the mean input+output tokens per request
func (s UsageSummary) AverageTokens() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.InputTokens+s.OutputTokens) / float64(s.Requests)
}
