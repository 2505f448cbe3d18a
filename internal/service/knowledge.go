package service

import (
	"context"
	"errors"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/google/uuid"
)

// KnowledgeStore defines the persistence interface the engine depends on.
//
// Create must be a single atomic write guarded by a unique constraint on the
// content hash; a losing concurrent writer gets domain.ErrEntryAlreadyExists.
// Embeddings of a different size than the store's fixed dimension are refused
// with domain.ErrDimensionMismatch. Soft-deleted entries are invisible to every
// read except GetByContentHash.
type KnowledgeStore interface {
	Create(ctx context.Context, e *domain.KnowledgeEntry) error
	GetByID(ctx context.Context, id string) (*domain.KnowledgeEntry, error)
	GetByContentHash(ctx context.Context, hash string) (*domain.KnowledgeEntry, error)
	NearestInSource(ctx context.Context, embedding []float32, source string, limit int) ([]*domain.ScoredEntry, error)
	Search(ctx context.Context, embedding []float32, filters domain.SearchFilters, limit int) ([]*domain.ScoredEntry, error)
	AddCategories(ctx context.Context, id string, categories []domain.Category) error
	AppendMetadata(ctx context.Context, id string, metadata map[string]string) error
	ListUncategorizedAfter(ctx context.Context, after domain.EntryCursor, limit int) ([]*domain.KnowledgeEntry, error)
	Statistics(ctx context.Context) (*domain.Statistics, error)
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}

// storeError classifies an error returned by a KnowledgeStore. Domain errors and
// context errors keep their meaning; anything else means the backend is unreachable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if err = domain.FromContext(err); isDomainError(err) {
		return err
	}
	return domain.Wrap(domain.ErrStoreUnavailable, err)
}

func isDomainError(err error) bool {
	var de *domain.DomainError
	return errors.As(err, &de)
}
