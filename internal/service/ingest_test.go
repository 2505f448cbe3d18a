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

func newTestIngestService(t *testing.T, store KnowledgeStore, embedder Embedder, uuids ...string) *IngestService {
	t.Helper()
	return NewIngestServiceWithUUIDGen(
		store,
		embedder,
		NewDeduplicator(store, DefaultDedupConfig()),
		NewCategorizer(DefaultCategorizerConfig()),
		IngestConfig{Sources: domain.NewSourceSet(domain.DefaultSources...), Concurrency: 2},
		NewMockUUIDGenerator(uuids...),
	)
}

func hashProvider(t *testing.T) *EmbeddingProvider {
	t.Helper()
	p, err := NewEmbeddingProvider(NewHashEmbedder(DefaultHashDimensions), 64, DefaultHashDimensions)
	require.NoError(t, err)
	return p
}

func TestIngestService_IngestOne_Persisted(t *testing.T) {
	store := memstore.New(0)
	svc := newTestIngestService(t, store, hashProvider(t), "entry-1")

	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{
		Text:     "  The unexamined   life is not worth living. ",
		Source:   "Quotes",
		Metadata: map[string]string{"author": "Socrates"},
	})

	require.NoError(t, err)
	require.True(t, outcome.IsPersisted())
	assert.Equal(t, "entry-1", outcome.ID)

	entry, err := store.GetByID(context.Background(), "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "The unexamined life is not worth living.", entry.Text)
	assert.Equal(t, "quotes", entry.Source)
	assert.Contains(t, entry.Categories, domain.CategoryPhilosophy)
	assert.Equal(t, "Socrates", entry.Metadata["author"])
	assert.Len(t, entry.Embedding, DefaultHashDimensions)
	assert.Equal(t, time.UTC, entry.CreatedAt.Location())
}

func TestIngestService_IngestOne_EmptyContent(t *testing.T) {
	mockStore := new(MockKnowledgeStore)
	mockEmbedder := new(MockEmbedder)
	svc := newTestIngestService(t, mockStore, mockEmbedder)

	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: " \n\x00\t ", Source: "quotes"})

	require.NoError(t, err)
	assert.Equal(t, domain.IngestStatusRejected, outcome.Status)
	assert.Equal(t, domain.RejectReasonEmptyContent, outcome.Reason)
	mockEmbedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
	mockStore.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestIngestService_IngestOne_InvalidSource(t *testing.T) {
	mockStore := new(MockKnowledgeStore)
	mockEmbedder := new(MockEmbedder)
	svc := newTestIngestService(t, mockStore, mockEmbedder)

	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: "text", Source: "myspace"})

	assert.ErrorIs(t, err, domain.ErrInvalidSource)
	assert.Equal(t, domain.RejectReasonInvalidSource, outcome.Reason)
	assert.False(t, domain.IsRetryable(err))
	mockEmbedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestIngestService_IngestOne_Idempotent(t *testing.T) {
	store := memstore.New(0)
	svc := newTestIngestService(t, store, hashProvider(t), "a", "b")
	ctx := context.Background()
	f := domain.Fragment{Text: "Knowledge is power.", Source: "quotes"}

	first, err := svc.IngestOne(ctx, f)
	require.NoError(t, err)
	second, err := svc.IngestOne(ctx, f)
	require.NoError(t, err)

	assert.True(t, first.IsPersisted())
	assert.Equal(t, domain.RejectReasonDuplicate, second.Reason)
	require.NotNil(t, second.Verdict)
	assert.Equal(t, domain.VerdictExactDuplicate, second.Verdict.Kind)
	assert.Equal(t, first.ID, second.Verdict.ExistingID)
	assert.Equal(t, 1, store.Len())
}

func TestIngestService_IngestOne_NearDuplicate(t *testing.T) {
	store := memstore.New(2)
	existing := domain.NewKnowledgeEntry("old", "original wording", "quotes", nil, []float32{3, 4}, nil, time.Now())
	require.NoError(t, store.Create(context.Background(), existing))

	mockEmbedder := new(MockEmbedder)
	mockEmbedder.On("Embed", mock.Anything, "slightly different wording").Return([]float32{3, 4.01}, nil)

	svc := newTestIngestService(t, store, mockEmbedder, "new")
	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: "slightly different wording", Source: "quotes"})

	require.NoError(t, err)
	assert.Equal(t, domain.RejectReasonDuplicate, outcome.Reason)
	require.NotNil(t, outcome.Verdict)
	assert.Equal(t, domain.VerdictNearDuplicate, outcome.Verdict.Kind)
	assert.Equal(t, "old", outcome.Verdict.ExistingID)
	assert.Equal(t, 1, store.Len())
}

func TestIngestService_IngestOne_EmbeddingUnavailable(t *testing.T) {
	mockStore := new(MockKnowledgeStore)
	mockEmbedder := new(MockEmbedder)
	mockEmbedder.On("Embed", mock.Anything, "text").Return(nil, errors.New("model offline"))

	svc := newTestIngestService(t, mockStore, mockEmbedder)
	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: "text", Source: "quotes"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.RejectReasonEmbeddingUnavailable, outcome.Reason)
	assert.Equal(t, err, outcome.Err)
	mockStore.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestIngestService_IngestOne_StoreUnavailable(t *testing.T) {
	mockStore := new(MockKnowledgeStore)
	mockEmbedder := new(MockEmbedder)
	mockEmbedder.On("Embed", mock.Anything, "text").Return([]float32{1, 0}, nil)
	mockStore.On("GetByContentHash", mock.Anything, mock.Anything).Return(nil, domain.ErrEntryNotFound)
	mockStore.On("NearestInSource", mock.Anything, mock.Anything, "quotes", DefaultDedupWindow).Return([]*domain.ScoredEntry{}, nil)
	mockStore.On("Create", mock.Anything, mock.AnythingOfType("*domain.KnowledgeEntry")).Return(errors.New("dial tcp: connection refused"))

	svc := newTestIngestService(t, mockStore, mockEmbedder, "id")
	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: "text", Source: "quotes"})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.RejectReasonStoreUnavailable, outcome.Reason)
	mockStore.AssertExpectations(t)
}

func TestIngestService_IngestOne_LostRace(t *testing.T) {
	mockStore := new(MockKnowledgeStore)
	mockEmbedder := new(MockEmbedder)
	winner := &domain.KnowledgeEntry{ID: "winner"}

	mockEmbedder.On("Embed", mock.Anything, "text").Return([]float32{1, 0}, nil)
	mockStore.On("GetByContentHash", mock.Anything, mock.Anything).Return(nil, domain.ErrEntryNotFound).Once()
	mockStore.On("NearestInSource", mock.Anything, mock.Anything, "quotes", DefaultDedupWindow).Return([]*domain.ScoredEntry{}, nil)
	mockStore.On("Create", mock.Anything, mock.Anything).Return(domain.ErrEntryAlreadyExists)
	mockStore.On("GetByContentHash", mock.Anything, mock.Anything).Return(winner, nil).Once()

	svc := newTestIngestService(t, mockStore, mockEmbedder, "loser")
	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: "text", Source: "quotes"})

	require.NoError(t, err)
	assert.Equal(t, domain.RejectReasonDuplicate, outcome.Reason)
	require.NotNil(t, outcome.Verdict)
	assert.Equal(t, "winner", outcome.Verdict.ExistingID)
	mockStore.AssertExpectations(t)
}

func TestIngestService_IngestOne_Timeout(t *testing.T) {
	store := memstore.New(0)
	embedder := embedFunc(func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, domain.FromContext(ctx.Err())
	})
	svc := newTestIngestService(t, store, embedder, "id")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome, err := svc.IngestOne(ctx, domain.Fragment{Text: "slow text", Source: "quotes"})

	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.NotErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.Equal(t, domain.RejectReasonTimeout, outcome.Reason)
	assert.Equal(t, 0, store.Len())
}

func TestIngestService_IngestOne_DimensionMismatch(t *testing.T) {
	store := memstore.New(3)
	mockEmbedder := new(MockEmbedder)
	mockEmbedder.On("Embed", mock.Anything, "text").Return([]float32{1, 0}, nil)

	svc := newTestIngestService(t, store, mockEmbedder, "id")
	outcome, err := svc.IngestOne(context.Background(), domain.Fragment{Text: "text", Source: "quotes"})

	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, domain.RejectReasonConfigurationError, outcome.Reason)
}

func TestIngestService_IngestBatch_Order(t *testing.T) {
	store := memstore.New(0)
	svc := newTestIngestService(t, store, hashProvider(t), "a", "b", "c", "d")

	fragments := []domain.Fragment{
		{Text: "Love is patient, love is kind.", Source: "quotes"},
		{Text: "   ", Source: "quotes"},
		{Text: "We measure the entanglement of photons.", Source: "arxiv"},
		{Text: "Text from nowhere", Source: "geocities"},
	}

	outcomes, err := svc.IngestBatch(context.Background(), fragments)

	require.NoError(t, err)
	require.Len(t, outcomes, len(fragments))
	assert.True(t, outcomes[0].IsPersisted())
	assert.Equal(t, domain.RejectReasonEmptyContent, outcomes[1].Reason)
	assert.True(t, outcomes[2].IsPersisted())
	assert.Equal(t, domain.RejectReasonInvalidSource, outcomes[3].Reason)
	assert.Equal(t, 2, store.Len())
}

func TestIngestService_IngestBatch_FatalStopsScheduling(t *testing.T) {
	store := memstore.New(3)
	mockEmbedder := new(MockEmbedder)
	mockEmbedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)

	svc := NewIngestServiceWithUUIDGen(
		store,
		mockEmbedder,
		NewDeduplicator(store, DefaultDedupConfig()),
		NewCategorizer(DefaultCategorizerConfig()),
		IngestConfig{Concurrency: 1},
		NewMockUUIDGenerator(),
	)

	fragments := make([]domain.Fragment, 10)
	for i := range fragments {
		fragments[i] = domain.Fragment{Text: string(rune('a'+i)) + " text", Source: "manual"}
	}

	outcomes, err := svc.IngestBatch(context.Background(), fragments)

	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	require.Len(t, outcomes, len(fragments))
	for _, o := range outcomes {
		require.NotNil(t, o)
		assert.Equal(t, domain.RejectReasonConfigurationError, o.Reason)
	}
	assert.Less(t, len(mockEmbedder.Calls), len(fragments))
}

// embedFunc adapts a function to Embedder
type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
