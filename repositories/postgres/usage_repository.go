package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/models"
	"github.com/upb/llm-failover/repositories"
)

// UsageRepository implements the repositories.UsageRepository interface
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores a usage record
func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, request_id, backend, model, logical_model,
			input_tokens, output_tokens, cost, latency_ms, prompt_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.Backend,
		rec.Model,
		rec.LogicalModel,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Cost,
		rec.LatencyMs,
		rec.PromptHash,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	r.logger.Debug("usage record inserted",
		zap.String("id", rec.ID.String()),
		zap.String("backend", rec.Backend))
	return nil
}

// CountSince returns the number of records created at or after since
func (r *UsageRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM usage_records WHERE created_at >= $1`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count usage records: %w", err)
	}
	return count, nil
}

// SummarizeSince aggregates usage per backend/model since a point in time
func (r *UsageRepository) SummarizeSince(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	query := `
		SELECT backend, model, logical_model,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost), 0),
		       COUNT(DISTINCT prompt_hash)
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY backend, model, logical_model
		ORDER BY SUM(cost) DESC
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(
			&s.Backend,
			&s.Model,
			&s.LogicalModel,
			&s.Requests,
			&s.InputTokens,
			&s.OutputTokens,
			&s.Cost,
			&s.UniquePrompts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summaries: %w", err)
	}
	return out, nil
}

// ListRecent returns up to limit records, newest first
func (r *UsageRepository) ListRecent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	query := `
		SELECT id, request_id, backend, model, logical_model,
		       input_tokens, output_tokens, cost, latency_ms, prompt_hash, created_at
		FROM usage_records
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		rec := &models.UsageRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Backend,
			&rec.Model,
			&rec.LogicalModel,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.Cost,
			&rec.LatencyMs,
			&rec.PromptHash,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return out, nil
}
