package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEmbeddingClient mocks the embedding backend
type MockEmbeddingClient struct {
	mock.Mock
}

func (m *MockEmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func TestEmbeddingProvider_CachesByNormalizedText(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	provider, err := NewEmbeddingProvider(mockClient, 8, 2)
	require.NoError(t, err)

	ctx := context.Background()
	mockClient.On("GenerateEmbedding", mock.Anything, "hello world").Return([]float32{0.6, 0.8}, nil).Once()

	first, err := provider.Embed(ctx, "  hello   world ")
	require.NoError(t, err)
	second, err := provider.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.Len())
	mockClient.AssertExpectations(t)
}

func TestEmbeddingProvider_ReturnsCopies(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	provider, err := NewEmbeddingProvider(mockClient, 8, 0)
	require.NoError(t, err)

	mockClient.On("GenerateEmbedding", mock.Anything, "text").Return([]float32{1, 0}, nil).Once()

	vec, err := provider.Embed(context.Background(), "text")
	require.NoError(t, err)
	vec[0] = 99

	again, err := provider.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, again)
}

func TestEmbeddingProvider_EmptyText(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	provider, err := NewEmbeddingProvider(mockClient, 0, 0)
	require.NoError(t, err)

	_, err = provider.Embed(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, domain.ErrEmptyContent)
	mockClient.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestEmbeddingProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		backend error
		want    error
	}{
		{"plain failure", errors.New("503 service unavailable"), domain.ErrEmbeddingUnavailable},
		{"deadline", context.DeadlineExceeded, domain.ErrTimeout},
		{"already classified", domain.Wrap(domain.ErrDimensionMismatch, errors.New("3 != 4")), domain.ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockEmbeddingClient)
			provider, err := NewEmbeddingProvider(mockClient, 4, 0)
			require.NoError(t, err)

			mockClient.On("GenerateEmbedding", mock.Anything, "text").Return(nil, tt.backend)

			_, err = provider.Embed(context.Background(), "text")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, provider.Len())
		})
	}
}

func TestEmbeddingProvider_DimensionMismatch(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	provider, err := NewEmbeddingProvider(mockClient, 4, 3)
	require.NoError(t, err)

	mockClient.On("GenerateEmbedding", mock.Anything, "text").Return([]float32{1, 0}, nil)

	_, err = provider.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestEmbeddingProvider_CanceledContext(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	provider, err := NewEmbeddingProvider(mockClient, 4, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = provider.Embed(ctx, "text")
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.NotErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	mockClient.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

// slowClient blocks until released and counts calls
type slowClient struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *slowClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	select {
	case <-c.release:
		return []float32{1, 2, 3}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEmbeddingProvider_CoalescesConcurrentMisses(t *testing.T) {
	client := &slowClient{release: make(chan struct{})}
	provider, err := NewEmbeddingProvider(client, 4, 3)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make([][]float32, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = provider.Embed(context.Background(), "shared text")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(client.release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []float32{1, 2, 3}, results[i])
	}
	assert.LessOrEqual(t, client.calls.Load(), int32(n))
	assert.GreaterOrEqual(t, client.calls.Load(), int32(1))
}

func TestEmbeddingProvider_DeadlineAbandonsCall(t *testing.T) {
	client := &slowClient{release: make(chan struct{})}
	defer close(client.release)
	provider, err := NewEmbeddingProvider(client, 4, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = provider.Embed(ctx, "never answered")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestNewEmbeddingProvider_RequiresClient(t *testing.T) {
	_, err := NewEmbeddingProvider(nil, 4, 0)
	assert.Error(t, err)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.GenerateEmbedding(ctx, "The unexamined life is not worth living.")
	require.NoError(t, err)
	b, err := h.GenerateEmbedding(ctx, "The unexamined life is not worth living.")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, domain.CosineSimilarity(a, b), 1e-6)
}

func TestHashEmbedder_Similarity(t *testing.T) {
	h := NewHashEmbedder(DefaultHashDimensions)
	ctx := context.Background()

	base, _ := h.GenerateEmbedding(ctx, "quantum entanglement of particles")
	same, _ := h.GenerateEmbedding(ctx, "Quantum entanglement of PARTICLES!")
	far, _ := h.GenerateEmbedding(ctx, "love is patient and kind")

	assert.InDelta(t, 1.0, domain.CosineSimilarity(base, same), 1e-6)
	assert.Less(t, domain.CosineSimilarity(base, far), 0.9)
}

func TestHashEmbedder_EmptyAndCanceled(t *testing.T) {
	h := NewHashEmbedder(0)
	assert.Equal(t, DefaultHashDimensions, h.Dimensions())

	vec, err := h.GenerateEmbedding(context.Background(), "!!!")
	require.NoError(t, err)
	assert.Len(t, vec, DefaultHashDimensions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.GenerateEmbedding(ctx, "text")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}
