package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/models"
	"github.com/upb/llm-failover/repositories/memory"
)

// MockUsageLister is a mock implementation of UsageLister
type MockUsageLister struct {
	mock.Mock
}

func (m *MockUsageLister) ListRecent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.UsageRecord), args.Error(1)
}

func TestHandleRecentUsage(t *testing.T) {
	logger := zap.NewNop()

	t.Run("newest first with limit", func(t *testing.T) {
		repo := memory.NewUsageRepository(0, 0)
		for _, backend := range []string{"anthropic", "openrouter", "gemini"} {
			require.NoError(t, repo.Insert(context.Background(), models.NewUsageRecord("", backend, "m", "")))
		}
		handler := NewUsageHandler(repo, logger)

		w := httptest.NewRecorder()
		handler.HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage/recent?limit=2", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var got []models.UsageRecord
		decodeData(t, w, &got)
		require.Len(t, got, 2)
		assert.Equal(t, "gemini", got[0].Backend)
		assert.Equal(t, "openrouter", got[1].Backend)
	})

	t.Run("default limit", func(t *testing.T) {
		lister := new(MockUsageLister)
		lister.On("ListRecent", mock.Anything, defaultUsageLimit).Return([]*models.UsageRecord{}, nil)
		handler := NewUsageHandler(lister, logger)

		w := httptest.NewRecorder()
		handler.HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage/recent", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		lister.AssertExpectations(t)
	})

	tests := []struct {
		name  string
		query string
	}{
		{name: "not a number", query: "?limit=ten"},
		{name: "zero", query: "?limit=0"},
		{name: "too large", query: "?limit=501"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lister := new(MockUsageLister)
			handler := NewUsageHandler(lister, logger)

			w := httptest.NewRecorder()
			handler.HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage/recent"+tt.query, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			lister.AssertNotCalled(t, "ListRecent", mock.Anything, mock.Anything)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		lister := new(MockUsageLister)
		lister.On("ListRecent", mock.Anything, 10).Return(nil, errors.New("connection refused"))
		handler := NewUsageHandler(lister, logger)

		w := httptest.NewRecorder()
		handler.HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage/recent?limit=10", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
