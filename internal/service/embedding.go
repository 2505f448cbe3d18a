package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/cloo-solutions/unic/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
)

// DefaultEmbeddingCacheSize bounds the provider cache when no size is configured
const DefaultEmbeddingCacheSize = 4096

// EmbeddingClient defines the interface for generating embeddings
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingProvider turns normalized text into vectors. It caches results in a
// bounded LRU keyed by normalized text and coalesces concurrent misses for the
// same text into a single backend call.
type EmbeddingProvider struct {
	client     EmbeddingClient
	cache      *lru.Cache[string, []float32]
	group      singleflight.Group
	dimensions int
}

// NewEmbeddingProvider creates a provider around client. A non-positive cacheSize
// uses DefaultEmbeddingCacheSize. When dimensions is positive, vectors of any
// other size are refused with domain.ErrDimensionMismatch.
func NewEmbeddingProvider(client EmbeddingClient, cacheSize, dimensions int) (*EmbeddingProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("embedding client is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &EmbeddingProvider{
		client:     client,
		cache:      cache,
		dimensions: dimensions,
	}, nil
}

// Embed returns the embedding of the normalized form of text.
func (p *EmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := domain.NormalizeText(text)
	if key == "" {
		return nil, domain.ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.FromContext(err)
	}

	if vec, ok := p.cache.Get(key); ok {
		return copyVector(vec), nil
	}

	ch := p.group.DoChan(key, func() (interface{}, error) {
		return p.generate(ctx, key)
	})

	select {
	case <-ctx.Done():
		return nil, domain.FromContext(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			// The shared call ran under the leader's context. If that one
			// expired while ours is still live, try again on our own.
			if res.Shared && errors.Is(res.Err, domain.ErrTimeout) && ctx.Err() == nil {
				vec, err := p.generate(ctx, key)
				if err != nil {
					return nil, err
				}
				return copyVector(vec), nil
			}
			return nil, res.Err
		}
		return copyVector(res.Val.([]float32)), nil
	}
}

// Len reports the number of cached vectors.
func (p *EmbeddingProvider) Len() int {
	return p.cache.Len()
}

func (p *EmbeddingProvider) generate(ctx context.Context, key string) ([]float32, error) {
	vec, err := p.client.GenerateEmbedding(ctx, key)
	if err != nil {
		return nil, embeddingError(ctx, err)
	}
	if len(vec) == 0 {
		return nil, domain.Wrap(domain.ErrEmbeddingUnavailable, fmt.Errorf("empty embedding returned"))
	}
	if p.dimensions > 0 && len(vec) != p.dimensions {
		return nil, domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("got %d dimensions, expected %d", len(vec), p.dimensions))
	}
	stored := copyVector(vec)
	p.cache.Add(key, stored)
	return stored, nil
}

func embeddingError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrDimensionMismatch),
		errors.Is(err, domain.ErrEmbeddingUnavailable):
		return err
	case ctx.Err() != nil:
		return domain.FromContext(ctx.Err())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.FromContext(err)
	default:
		return domain.Wrap(domain.ErrEmbeddingUnavailable, err)
	}
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// DefaultHashDimensions is the vector size of HashEmbedder when none is configured
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic local EmbeddingClient. It hashes case-folded
// tokens and adjacent token pairs into a fixed number of signed buckets and
// L2-normalizes the result, so texts sharing words land close together.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a HashEmbedder producing vectors of the given size.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// GenerateEmbedding implements EmbeddingClient.
func (h *HashEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.FromContext(err)
	}

	vec := make([]float64, h.dimensions)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1.0)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.dimensions)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize case-folds text and splits it on anything that is not a letter or digit.
func tokenize(text string) []string {
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
