package service

import (
	"context"
	"errors"
	"log"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/telemetry"
)

const (
	// DefaultNearDuplicateThreshold is the inclusive cosine similarity at which a
	// candidate counts as a near duplicate of a stored entry
	DefaultNearDuplicateThreshold = 0.95
	// DefaultDedupWindow is how many nearest same-source entries are compared
	DefaultDedupWindow = 5
)

// DedupConfig tunes near-duplicate detection
type DedupConfig struct {
	Threshold float64
	Window    int
}

// DefaultDedupConfig returns the default thresholds.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{Threshold: DefaultNearDuplicateThreshold, Window: DefaultDedupWindow}
}

// Deduplicator decides whether a candidate entry is already represented in the store
type Deduplicator struct {
	store KnowledgeStore
	cfg   DedupConfig
}

// NewDeduplicator creates a new Deduplicator instance
func NewDeduplicator(store KnowledgeStore, cfg DedupConfig) *Deduplicator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultNearDuplicateThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultDedupWindow
	}
	return &Deduplicator{store: store, cfg: cfg}
}

// Check compares candidate against the store. The exact hash lookup is
// authoritative; the near check scans the closest entries from the same source.
func (d *Deduplicator) Check(ctx context.Context, candidate *domain.KnowledgeEntry) (domain.DuplicateVerdict, error) {
	ctx, span := telemetry.StartSpan(ctx, "Deduplicator.Check", telemetry.SpanAttributes{
		Source:    candidate.Source,
		Operation: "dedup",
	})
	defer span.End()

	existing, err := d.store.GetByContentHash(ctx, candidate.ContentHash)
	switch {
	case err == nil:
		verdict := domain.DuplicateVerdict{Kind: domain.VerdictExactDuplicate, ExistingID: existing.ID}
		telemetry.RecordVerdict(ctx, candidate.Source, verdict)
		return verdict, nil
	case !errors.Is(err, domain.ErrEntryNotFound):
		return domain.DuplicateVerdict{}, storeError(err)
	}

	neighbors, err := d.store.NearestInSource(ctx, candidate.Embedding, candidate.Source, d.cfg.Window)
	if err != nil {
		return domain.DuplicateVerdict{}, storeError(err)
	}

	var best *domain.ScoredEntry
	for _, n := range neighbors {
		if n.Score < d.cfg.Threshold {
			continue
		}
		if best == nil || betterMatch(n, best) {
			best = n
		}
	}
	if best == nil {
		return domain.DuplicateVerdict{Kind: domain.VerdictUnique}, nil
	}

	verdict := domain.DuplicateVerdict{
		Kind:       domain.VerdictNearDuplicate,
		ExistingID: best.Entry.ID,
		Similarity: best.Score,
	}
	telemetry.RecordVerdict(ctx, candidate.Source, verdict)
	log.Printf("dedup: near-duplicate merge candidate source=%s existing=%s similarity=%.4f", candidate.Source, best.Entry.ID, best.Score)
	return verdict, nil
}

// betterMatch prefers higher similarity, then the more recent entry, then the smaller ID.
func betterMatch(a, b *domain.ScoredEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
		return a.Entry.CreatedAt.After(b.Entry.CreatedAt)
	}
	return a.Entry.ID < b.Entry.ID
}
