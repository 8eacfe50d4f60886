// Package memory provides an in-process usage store for deployments without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/llm-failover/models"
	"github.com/upb/llm-failover/repositories"
)

const (
	// DefaultRetention covers the longest window the cost report reads
	DefaultRetention = 31 * 24 * time.Hour
	// DefaultMaxRecords caps the store when no size is given
	DefaultMaxRecords = 100_000
)

// UsageRepository keeps usage records in memory, ordered by CreatedAt.
// Records past the retention window or beyond maxSize are dropped from the head.
type UsageRepository struct {
	mu        sync.RWMutex
	records   []*models.UsageRecord
	retention time.Duration
	maxSize   int
	now       func() time.Time
}

// NewUsageRepository creates an in-memory store bounded by retention and maxSize.
// Zero values select DefaultRetention and DefaultMaxRecords.
func NewUsageRepository(retention time.Duration, maxSize int) *UsageRepository {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxRecords
	}
	return &UsageRepository{
		retention: retention,
		maxSize:   maxSize,
		now:       time.Now,
	}
}

// Insert stores a copy of the record
func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) error {
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// records normally arrive in order, so the insertion point is the tail
	i := sort.Search(len(r.records), func(i int) bool {
		return r.records[i].CreatedAt.After(cp.CreatedAt)
	})
	r.records = append(r.records, nil)
	copy(r.records[i+1:], r.records[i:])
	r.records[i] = &cp

	r.prune()
	return nil
}

// prune drops expired records and enforces maxSize. Caller holds the write lock.
func (r *UsageRepository) prune() {
	drop := r.indexSince(r.now().Add(-r.retention))
	if over := len(r.records) - drop - r.maxSize; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	clear(r.records[:drop])
	r.records = r.records[drop:]
}

// indexSince returns the first record created at or after since. Caller holds a lock.
func (r *UsageRepository) indexSince(since time.Time) int {
	return sort.Search(len(r.records), func(i int) bool {
		return !r.records[i].CreatedAt.Before(since)
	})
}

// CountSince returns the number of records created at or after since
func (r *UsageRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return int64(len(r.records) - r.indexSince(since)), nil
}

// SummarizeSince aggregates usage per backend/model since a point in time
func (r *UsageRepository) SummarizeSince(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	type key struct{ backend, model, logical string }

	r.mu.RLock()
	defer r.mu.RUnlock()

	sums := make(map[key]*models.UsageSummary)
	prompts := make(map[key]map[string]struct{})
	var order []key

	for _, rec := range r.records[r.indexSince(since):] {
		k := key{rec.Backend, rec.Model, rec.LogicalModel}
		s, ok := sums[k]
		if !ok {
			s = &models.UsageSummary{Backend: rec.Backend, Model: rec.Model, LogicalModel: rec.LogicalModel}
			sums[k] = s
			prompts[k] = make(map[string]struct{})
			order = append(order, k)
		}
		s.Requests++
		s.InputTokens += int64(rec.InputTokens)
		s.OutputTokens += int64(rec.OutputTokens)
		s.Cost += rec.Cost
		prompts[k][rec.PromptHash] = struct{}{}
	}

	out := make([]models.UsageSummary, 0, len(order))
	for _, k := range order {
		s := sums[k]
		s.UniquePrompts = int64(len(prompts[k]))
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out, nil
}

// ListRecent returns up to limit records, newest first
func (r *UsageRepository) ListRecent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.UsageRecord, 0, n)
	for i := len(r.records) - 1; i >= 0 && len(out) < n; i-- {
		cp := *r.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

var _ repositories.UsageRepository = (*UsageRepository)(nil)
