package repositories

import (
	"context"
	"time"

	"github.com/upb/llm-failover/models"
)

// UsageRepository stores successful inference calls for cost analysis
type UsageRepository interface {
	// Insert stores a usage record
	Insert(ctx context.Context, record *models.UsageRecord) error

	// CountSince returns the number of records created at or after since
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// SummarizeSince aggregates records created at or after since,
	// grouped by backend, model and logical model, most expensive first
	SummarizeSince(ctx context.Context, since time.Time) ([]models.UsageSummary, error)

	// ListRecent returns up to limit records, newest first
	ListRecent(ctx context.Context, limit int) ([]*models.UsageRecord, error)
}
