package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func storedEntry(t *testing.T, s *memstore.Store, id, text, source string, vec []float32, createdAt time.Time) *domain.KnowledgeEntry {
	t.Helper()
	e := domain.NewKnowledgeEntry(id, text, source, nil, vec, nil, createdAt)
	require.NoError(t, s.Create(context.Background(), e))
	return e
}

func TestDeduplicator_ExactDuplicate(t *testing.T) {
	store := memstore.New(2)
	existing := storedEntry(t, store, "e1", "same text", "quotes", []float32{1, 0}, time.Now())

	d := NewDeduplicator(store, DefaultDedupConfig())
	candidate := domain.NewKnowledgeEntry("new", "same text", "quotes", nil, []float32{0, 1}, nil, time.Now())

	verdict, err := d.Check(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictExactDuplicate, verdict.Kind)
	assert.Equal(t, existing.ID, verdict.ExistingID)
}

func TestDeduplicator_ThresholdBoundary(t *testing.T) {
	// cos((3,4),(4,3)) is exactly 24/25
	tests := []struct {
		name      string
		threshold float64
		want      domain.VerdictKind
	}{
		{"similarity at threshold is a near duplicate", 0.96, domain.VerdictNearDuplicate},
		{"similarity just below threshold is unique", 0.9600001, domain.VerdictUnique},
		{"similarity above threshold is a near duplicate", 0.95, domain.VerdictNearDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New(2)
			storedEntry(t, store, "e1", "first text", "quotes", []float32{3, 4}, time.Now())

			d := NewDeduplicator(store, DedupConfig{Threshold: tt.threshold, Window: 5})
			candidate := domain.NewKnowledgeEntry("new", "second text", "quotes", nil, []float32{4, 3}, nil, time.Now())

			verdict, err := d.Check(context.Background(), candidate)
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict.Kind)
			if tt.want == domain.VerdictNearDuplicate {
				assert.Equal(t, "e1", verdict.ExistingID)
				assert.InDelta(t, 0.96, verdict.Similarity, 1e-12)
			}
		})
	}
}

func TestDeduplicator_NearCheckIsPerSource(t *testing.T) {
	store := memstore.New(2)
	storedEntry(t, store, "e1", "first text", "arxiv", []float32{1, 0}, time.Now())

	d := NewDeduplicator(store, DefaultDedupConfig())
	candidate := domain.NewKnowledgeEntry("new", "second text", "quotes", nil, []float32{1, 0}, nil, time.Now())

	verdict, err := d.Check(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnique, verdict.Kind)
}

func TestDeduplicator_TieBreak(t *testing.T) {
	now := time.Now()
	mockStore := new(MockKnowledgeStore)
	older := &domain.KnowledgeEntry{ID: "a", CreatedAt: now.Add(-time.Hour)}
	newerB := &domain.KnowledgeEntry{ID: "c", CreatedAt: now}
	newerA := &domain.KnowledgeEntry{ID: "b", CreatedAt: now}

	mockStore.On("GetByContentHash", mock.Anything, mock.Anything).Return(nil, domain.ErrEntryNotFound)
	mockStore.On("NearestInSource", mock.Anything, mock.Anything, "quotes", DefaultDedupWindow).Return([]*domain.ScoredEntry{
		{Entry: older, Score: 0.99},
		{Entry: newerB, Score: 0.99},
		{Entry: newerA, Score: 0.99},
		{Entry: &domain.KnowledgeEntry{ID: "low", CreatedAt: now}, Score: 0.5},
	}, nil)

	d := NewDeduplicator(mockStore, DefaultDedupConfig())
	candidate := domain.NewKnowledgeEntry("new", "text", "quotes", nil, []float32{1}, nil, now)

	verdict, err := d.Check(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictNearDuplicate, verdict.Kind)
	assert.Equal(t, "b", verdict.ExistingID)
	mockStore.AssertExpectations(t)
}

func TestDeduplicator_StoreFailure(t *testing.T) {
	mockStore := new(MockKnowledgeStore)
	mockStore.On("GetByContentHash", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	d := NewDeduplicator(mockStore, DefaultDedupConfig())
	candidate := domain.NewKnowledgeEntry("new", "text", "quotes", nil, []float32{1}, nil, time.Now())

	_, err := d.Check(context.Background(), candidate)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	mockStore.AssertNotCalled(t, "NearestInSource", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNewDeduplicator_Defaults(t *testing.T) {
	d := NewDeduplicator(memstore.New(0), DedupConfig{})
	assert.Equal(t, DefaultNearDuplicateThreshold, d.cfg.Threshold)
	assert.Equal(t, DefaultDedupWindow, d.cfg.Window)
}
