package service

import (
	"context"
	"fmt"
	"log"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/telemetry"
)

// DefaultRecategorizeBatch is the page size of a recategorize pass
const DefaultRecategorizeBatch = 100

// EngineConfig holds the tunables of the engine
type EngineConfig struct {
	Dedup       DedupConfig
	Categorizer CategorizerConfig
	// Sources is the closed source vocabulary; empty accepts any well-formed source
	Sources     []string
	Concurrency int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Dedup:       DefaultDedupConfig(),
		Categorizer: DefaultCategorizerConfig(),
		Sources:     domain.DefaultSources,
		Concurrency: DefaultIngestConcurrency,
	}
}

// Engine is the entry point for ingestion and retrieval. It owns no global
// state; callers construct it with their store and embedder.
type Engine struct {
	store       KnowledgeStore
	ingest      *IngestService
	search      *SearchService
	categorizer *Categorizer
}

// NewEngine creates a new Engine instance
func NewEngine(store KnowledgeStore, embedder Embedder, cfg EngineConfig) (*Engine, error) {
	return NewEngineWithUUIDGen(store, embedder, cfg, &DefaultUUIDGenerator{})
}

// NewEngineWithUUIDGen creates a new Engine with custom UUID generator (for testing)
func NewEngineWithUUIDGen(store KnowledgeStore, embedder Embedder, cfg EngineConfig, uuidGen UUIDGenerator) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("knowledge store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Dedup.Threshold > 1 {
		return nil, domain.Wrap(domain.ErrInvalidConfiguration, fmt.Errorf("near-duplicate threshold %.4f is above 1", cfg.Dedup.Threshold))
	}

	sources := domain.NewSourceSet(cfg.Sources...)
	categorizer := NewCategorizer(cfg.Categorizer)
	dedup := NewDeduplicator(store, cfg.Dedup)

	return &Engine{
		store:       store,
		ingest:      NewIngestServiceWithUUIDGen(store, embedder, dedup, categorizer, IngestConfig{Sources: sources, Concurrency: cfg.Concurrency}, uuidGen),
		search:      NewSearchService(store, embedder, sources),
		categorizer: categorizer,
	}, nil
}

// IngestOne ingests a single fragment.
func (e *Engine) IngestOne(ctx context.Context, f domain.Fragment) (*domain.IngestOutcome, error) {
	return e.ingest.IngestOne(ctx, f)
}

// IngestBatch ingests fragments and returns outcomes in input order.
func (e *Engine) IngestBatch(ctx context.Context, fragments []domain.Fragment) ([]*domain.IngestOutcome, error) {
	return e.ingest.IngestBatch(ctx, fragments)
}

// Search returns the top k entries for query.
func (e *Engine) Search(ctx context.Context, query string, k int, filters domain.SearchFilters) ([]*domain.ScoredEntry, error) {
	return e.search.Search(ctx, query, k, filters)
}

// GetStatistics summarizes the store.
func (e *Engine) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	ctx, span := telemetry.StartSpan(ctx, "Engine.GetStatistics", telemetry.SpanAttributes{
		Operation: "stats",
	})
	defer span.End()

	stats, err := e.store.Statistics(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return stats, nil
}

// Recategorize scores the next page of up to limit uncategorized entries after
// the cursor with the current rules and unions any labels found into them.
// Callers resume from pass.Next until pass.Done, so entries that keep matching
// nothing never hide newer ones. On a store error the partial pass is returned.
func (e *Engine) Recategorize(ctx context.Context, after domain.EntryCursor, limit int) (*domain.RecategorizePass, error) {
	ctx, span := telemetry.StartSpan(ctx, "Engine.Recategorize", telemetry.SpanAttributes{
		BatchSize: limit,
		Operation: "recategorize",
	})
	defer span.End()

	if limit <= 0 {
		limit = DefaultRecategorizeBatch
	}

	entries, err := e.store.ListUncategorizedAfter(ctx, after, limit)
	if err != nil {
		span.SetError(err)
		return nil, storeError(err)
	}

	pass := &domain.RecategorizePass{
		Scanned: len(entries),
		Next:    after,
		Done:    len(entries) < limit,
	}
	for _, entry := range entries {
		pass.Next = domain.CursorOf(entry)
		categories := e.categorizer.Categorize(entry.Text)
		if len(categories) == 0 {
			continue
		}
		if err := e.store.AddCategories(ctx, entry.ID, categories); err != nil {
			span.SetError(err)
			return pass, storeError(err)
		}
		pass.Labeled++
	}

	if pass.Labeled > 0 {
		log.Printf("recategorize: labeled %d of %d uncategorized entries", pass.Labeled, pass.Scanned)
	}
	return pass, nil
}

// AppendMetadata merges md into the entry's metadata; new values overwrite existing keys.
func (e *Engine) AppendMetadata(ctx context.Context, id string, md map[string]string) error {
	ctx, span := telemetry.StartSpan(ctx, "Engine.AppendMetadata", telemetry.SpanAttributes{
		EntryID:   id,
		Operation: "append_metadata",
	})
	defer span.End()

	if id == "" {
		return domain.Wrap(domain.ErrMissingRequiredField, fmt.Errorf("id"))
	}
	if len(md) == 0 {
		return nil
	}
	if err := e.store.AppendMetadata(ctx, id, domain.CloneMetadata(md)); err != nil {
		return storeError(err)
	}
	return nil
}

// Categorize exposes the engine's categorizer, for previews.
func (e *Engine) Categorize(text string) []domain.Category {
	return e.categorizer.Categorize(domain.NormalizeText(text))
}
