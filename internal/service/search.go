package service

import (
	"context"
	"fmt"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/telemetry"
)

// SearchService answers natural-language queries by embedding similarity
type SearchService struct {
	store    KnowledgeStore
	embedder Embedder
	sources  domain.SourceSet
}

// NewSearchService creates a new SearchService instance
func NewSearchService(store KnowledgeStore, embedder Embedder, sources domain.SourceSet) *SearchService {
	return &SearchService{store: store, embedder: embedder, sources: sources}
}

// Search returns at most k entries ranked by descending cosine similarity to
// query. Filters are validated first; k <= 0 or a query that normalizes to
// nothing then yields an empty result without calling the embedder.
func (s *SearchService) Search(ctx context.Context, query string, k int, filters domain.SearchFilters) ([]*domain.ScoredEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "SearchService.Search", telemetry.SpanAttributes{
		Source:    filters.Source,
		Category:  string(filters.Category),
		Operation: "search",
	})
	defer span.End()

	filters, err := s.validateFilters(filters)
	if err != nil {
		return nil, err
	}

	normalized := domain.NormalizeText(query)
	if k <= 0 || normalized == "" {
		return []*domain.ScoredEntry{}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, domain.FromContext(err)
	}

	vec, err := s.embedder.Embed(ctx, normalized)
	if err != nil {
		err = embeddingError(ctx, err)
		span.SetError(err)
		return nil, err
	}

	results, err := s.store.Search(ctx, vec, filters, k)
	if err != nil {
		err = storeError(err)
		span.SetError(err)
		return nil, err
	}

	domain.SortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []*domain.ScoredEntry{}
	}
	return results, nil
}

func (s *SearchService) validateFilters(filters domain.SearchFilters) (domain.SearchFilters, error) {
	if filters.Category != "" && !filters.Category.IsValid() {
		return filters, domain.Wrap(domain.ErrInvalidFilter, fmt.Errorf("category %q: %w", filters.Category, domain.ErrInvalidCategory))
	}
	if filters.Source != "" {
		source, err := s.sources.Validate(filters.Source)
		if err != nil {
			return filters, domain.Wrap(domain.ErrInvalidFilter, err)
		}
		filters.Source = source
	}
	if !filters.Since.IsZero() {
		filters.Since = filters.Since.UTC()
	}
	return filters, nil
}
