// Package memstore is an in-process KnowledgeStore for tests and ephemeral runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
)

// Store keeps entries in memory behind a read/write lock. Readers work on a
// consistent snapshot; entries are copied in and out so callers never share
// state with the store.
type Store struct {
	mu         sync.RWMutex
	dimensions int
	entries    map[string]*domain.KnowledgeEntry
	byHash     map[string]string
	order      []string
	now        func() time.Time
}

// New creates an empty store. A zero dimensions adopts the size of the first
// stored embedding.
func New(dimensions int) *Store {
	return &Store{
		dimensions: dimensions,
		entries:    make(map[string]*domain.KnowledgeEntry),
		byHash:     make(map[string]string),
		now:        time.Now,
	}
}

// Dimensions returns the fixed embedding size, or zero before the first write.
func (s *Store) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimensions
}

// Create stores e atomically; an existing content hash yields domain.ErrEntryAlreadyExists.
func (s *Store) Create(ctx context.Context, e *domain.KnowledgeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateKnowledgeEntry(e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimensions == 0 {
		s.dimensions = len(e.Embedding)
	}
	if len(e.Embedding) != s.dimensions {
		return domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("got %d dimensions, store has %d", len(e.Embedding), s.dimensions))
	}
	if _, ok := s.byHash[e.ContentHash]; ok {
		return domain.ErrEntryAlreadyExists
	}
	if _, ok := s.entries[e.ID]; ok {
		return domain.ErrEntryAlreadyExists
	}

	stored := clone(e)
	s.entries[stored.ID] = stored
	s.byHash[stored.ContentHash] = stored.ID
	s.order = append(s.order, stored.ID)
	return nil
}

// GetByID returns a live entry.
func (s *Store) GetByID(ctx context.Context, id string) (*domain.KnowledgeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return nil, domain.ErrEntryNotFound
	}
	return clone(e), nil
}

// GetByContentHash returns the entry holding hash, including soft-deleted ones.
func (s *Store) GetByContentHash(ctx context.Context, hash string) (*domain.KnowledgeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	return clone(s.entries[id]), nil
}

// NearestInSource returns the limit live entries of source closest to embedding.
func (s *Store) NearestInSource(ctx context.Context, embedding []float32, source string, limit int) ([]*domain.ScoredEntry, error) {
	return s.Search(ctx, embedding, domain.SearchFilters{Source: source}, limit)
}

// Search ranks live entries matching filters by cosine similarity.
func (s *Store) Search(ctx context.Context, embedding []float32, filters domain.SearchFilters, limit int) ([]*domain.ScoredEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.dimensions != 0 && len(embedding) != s.dimensions {
		s.mu.RUnlock()
		return nil, domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("query has %d dimensions, store has %d", len(embedding), s.dimensions))
	}
	snapshot := make([]*domain.KnowledgeEntry, 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.entries[id])
	}
	ranked := domain.RankByVector(embedding, snapshot, filters, limit)
	for _, r := range ranked {
		r.Entry = clone(r.Entry)
	}
	s.mu.RUnlock()
	return ranked, nil
}

// AddCategories unions categories into the entry's set.
func (s *Store) AddCategories(ctx context.Context, id string, categories []domain.Category) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateCategories(categories); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return domain.ErrEntryNotFound
	}
	e.Categories = domain.UnionCategories(e.Categories, categories)
	return nil
}

// AppendMetadata merges metadata into the entry; new values win.
func (s *Store) AppendMetadata(ctx context.Context, id string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return domain.ErrEntryNotFound
	}
	merged := domain.CloneMetadata(e.Metadata)
	for k, v := range metadata {
		merged[k] = v
	}
	e.Metadata = merged
	return nil
}

// ListUncategorizedAfter returns up to limit live entries with no categories
// that sort after the cursor, in (CreatedAt, ID) order. A non-positive limit
// returns all of them.
func (s *Store) ListUncategorizedAfter(ctx context.Context, after domain.EntryCursor, limit int) ([]*domain.KnowledgeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.KnowledgeEntry, 0)
	for _, id := range s.order {
		e := s.entries[id]
		if e.DeletedAt == nil && len(e.Categories) == 0 && after.Precedes(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		out[i] = clone(e)
	}
	return out, nil
}

// Statistics counts live entries.
func (s *Store) Statistics(ctx context.Context) (*domain.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.NewStatistics()
	for _, id := range s.order {
		if e := s.entries[id]; e.DeletedAt == nil {
			stats.Add(e)
		}
	}
	return stats, nil
}

// Delete soft-deletes an entry. Its content hash stays reserved.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return domain.ErrEntryNotFound
	}
	now := s.now().UTC()
	e.DeletedAt = &now
	return nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.DeletedAt == nil {
			n++
		}
	}
	return n
}

func clone(e *domain.KnowledgeEntry) *domain.KnowledgeEntry {
	out := *e
	out.Categories = append(make([]domain.Category, 0, len(e.Categories)), e.Categories...)
	out.Embedding = append(make([]float32, 0, len(e.Embedding)), e.Embedding...)
	out.Metadata = domain.CloneMetadata(e.Metadata)
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}
