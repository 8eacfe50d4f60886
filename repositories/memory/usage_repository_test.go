package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-failover/models"
)

func record(backend, model string, in, out int, cost float64, hash string, at time.Time) *models.UsageRecord {
	rec := models.NewUsageRecord("", backend, model, "sonnet-tier")
	rec.InputTokens = in
	rec.OutputTokens = out
	rec.Cost = cost
	rec.PromptHash = hash
	rec.CreatedAt = at
	return rec
}

func TestUsageRepository_SummarizeSince(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := NewUsageRepository(0, 0)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, record("anthropic", "sonnet", 100, 50, 0.01, "a", now.Add(-time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("anthropic", "sonnet", 100, 50, 0.01, "a", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("anthropic", "sonnet", 200, 50, 0.02, "b", now.Add(-3*time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("gemini", "flash", 100, 50, 0.001, "c", now.Add(-time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("gemini", "flash", 100, 50, 0.001, "d", now.Add(-48*time.Hour))))

	out, err := repo.SummarizeSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "anthropic", out[0].Backend)
	assert.Equal(t, int64(3), out[0].Requests)
	assert.Equal(t, int64(400), out[0].InputTokens)
	assert.Equal(t, int64(2), out[0].UniquePrompts)
	assert.InDelta(t, 0.04, out[0].Cost, 1e-12)
	assert.Equal(t, int64(1), out[1].Requests)

	count, err := repo.CountSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	count, err = repo.CountSince(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestUsageRepository_Retention(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := NewUsageRepository(24*time.Hour, 0)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, record("anthropic", "m", 1, 1, 0, "", now.Add(-48*time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("anthropic", "m", 1, 1, 0, "", now.Add(-time.Hour))))

	count, err := repo.CountSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUsageRepository_MaxSizeAndListRecent(t *testing.T) {
	repo := NewUsageRepository(0, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := models.NewUsageRecord("", "anthropic", "m", "")
		rec.InputTokens = i
		require.NoError(t, repo.Insert(ctx, rec))
	}

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 4, recent[0].InputTokens)
	assert.Equal(t, 3, recent[1].InputTokens)

	all, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUsageRepository_InsertCopies(t *testing.T) {
	repo := NewUsageRepository(0, 0)
	rec := models.NewUsageRecord("", "anthropic", "m", "")
	require.NoError(t, repo.Insert(context.Background(), rec))

	rec.Backend = "mutated"
	recent, err := repo.ListRecent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", recent[0].Backend)
}

func TestUsageRepository_DefaultBounds(t *testing.T) {
	repo := NewUsageRepository(0, 0)
	assert.Equal(t, DefaultRetention, repo.retention)
	assert.Equal(t, DefaultMaxRecords, repo.maxSize)
}

func TestUsageRepository_OutOfOrderInsert(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := NewUsageRepository(24*time.Hour, 2)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, record("anthropic", "m", 1, 0, 0, "", now.Add(-time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("anthropic", "m", 3, 0, 0, "", now.Add(-3*time.Hour))))
	require.NoError(t, repo.Insert(ctx, record("anthropic", "m", 2, 0, 0, "", now.Add(-2*time.Hour))))

	// the oldest record is dropped by the size cap
	recent, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 1, recent[0].InputTokens)
	assert.Equal(t, 2, recent[1].InputTokens)

	count, err := repo.CountSince(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
