package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultIngestConcurrency bounds how many fragments of a batch run at once
const DefaultIngestConcurrency = 4

// Embedder produces vectors for text; EmbeddingProvider is the production implementation
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IngestService runs fragments through normalize, embed, dedup, categorize and persist
type IngestService struct {
	store       KnowledgeStore
	embedder    Embedder
	dedup       *Deduplicator
	categorizer *Categorizer
	sources     domain.SourceSet
	uuidGen     UUIDGenerator
	now         func() time.Time
	concurrency int
}

// IngestConfig configures an IngestService
type IngestConfig struct {
	Sources     domain.SourceSet
	Concurrency int
}

// NewIngestService creates a new IngestService instance
func NewIngestService(
	store KnowledgeStore,
	embedder Embedder,
	dedup *Deduplicator,
	categorizer *Categorizer,
	cfg IngestConfig,
) *IngestService {
	return NewIngestServiceWithUUIDGen(store, embedder, dedup, categorizer, cfg, &DefaultUUIDGenerator{})
}

// NewIngestServiceWithUUIDGen creates a new IngestService with custom UUID generator (for testing)
func NewIngestServiceWithUUIDGen(
	store KnowledgeStore,
	embedder Embedder,
	dedup *Deduplicator,
	categorizer *Categorizer,
	cfg IngestConfig,
	uuidGen UUIDGenerator,
) *IngestService {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultIngestConcurrency
	}
	return &IngestService{
		store:       store,
		embedder:    embedder,
		dedup:       dedup,
		categorizer: categorizer,
		sources:     cfg.Sources,
		uuidGen:     uuidGen,
		now:         time.Now,
		concurrency: concurrency,
	}
}

// IngestOne processes a single fragment. The outcome is never nil. The returned
// error is non-nil exactly when outcome.Err is set: collaborator failures,
// timeouts, invalid sources and dimension mismatches. Empty content and
// duplicates are ordinary outcomes with a nil error.
func (s *IngestService) IngestOne(ctx context.Context, f domain.Fragment) (*domain.IngestOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "IngestService.IngestOne", telemetry.SpanAttributes{
		Source:    f.Source,
		Operation: "ingest",
	})
	defer span.End()

	outcome := s.ingest(ctx, f)
	span.SetOutcome(outcome)
	if outcome.Err != nil {
		if domain.IsRetryable(outcome.Err) {
			span.SetError(outcome.Err)
		}
		return outcome, outcome.Err
	}
	return outcome, nil
}

func (s *IngestService) ingest(ctx context.Context, f domain.Fragment) *domain.IngestOutcome {
	text := domain.NormalizeText(f.Text)
	if text == "" {
		return domain.Rejected(domain.RejectReasonEmptyContent, nil)
	}

	source, err := s.sources.Validate(f.Source)
	if err != nil {
		return domain.Rejected(domain.RejectReasonInvalidSource, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(domain.FromContext(err))
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fail(embeddingError(ctx, err))
	}

	entry := domain.NewKnowledgeEntry(
		s.uuidGen.NewString(),
		text,
		source,
		nil,
		embedding,
		domain.CloneMetadata(f.Metadata),
		s.now().UTC(),
	)

	verdict, err := s.dedup.Check(ctx, entry)
	if err != nil {
		return fail(err)
	}
	if verdict.IsDuplicate() {
		return duplicate(verdict)
	}

	entry.Categories = domain.NormalizeCategories(s.categorizer.Categorize(text))

	// Last chance to honor the deadline before anything becomes visible
	if err := ctx.Err(); err != nil {
		return fail(domain.FromContext(err))
	}

	if err := s.store.Create(ctx, entry); err != nil {
		err = storeError(err)
		if errors.Is(err, domain.ErrEntryAlreadyExists) {
			return s.lostRace(ctx, entry)
		}
		return fail(err)
	}

	return domain.Persisted(entry.ID)
}

// lostRace reports a duplicate found by the store's unique constraint after a
// concurrent writer with the same content won.
func (s *IngestService) lostRace(ctx context.Context, entry *domain.KnowledgeEntry) *domain.IngestOutcome {
	verdict := domain.DuplicateVerdict{Kind: domain.VerdictExactDuplicate}
	if existing, err := s.store.GetByContentHash(ctx, entry.ContentHash); err == nil {
		verdict.ExistingID = existing.ID
	}
	return duplicate(verdict)
}

func duplicate(verdict domain.DuplicateVerdict) *domain.IngestOutcome {
	outcome := domain.Rejected(domain.RejectReasonDuplicate, nil)
	outcome.Verdict = &verdict
	return outcome
}

func fail(err error) *domain.IngestOutcome {
	return domain.Rejected(domain.RejectReasonFor(err), err)
}

// IngestBatch processes fragments independently with bounded concurrency and
// returns one outcome per fragment in input order. A dimension mismatch is
// fatal: no further fragments are scheduled, the unscheduled ones are rejected
// with ConfigurationError and the mismatch is returned alongside the outcomes.
// An expired context likewise stops scheduling and returns domain.ErrTimeout.
func (s *IngestService) IngestBatch(ctx context.Context, fragments []domain.Fragment) ([]*domain.IngestOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "IngestService.IngestBatch", telemetry.SpanAttributes{
		BatchSize: len(fragments),
		Operation: "ingest_batch",
	})
	defer span.End()

	outcomes := make([]*domain.IngestOutcome, len(fragments))

	var (
		mu    sync.Mutex
		fatal error
	)
	fatalErr := func() error {
		mu.Lock()
		defer mu.Unlock()
		return fatal
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	scheduled := 0
	for i, f := range fragments {
		if fatalErr() != nil || ctx.Err() != nil {
			break
		}
		scheduled++
		g.Go(func() error {
			outcome, err := s.IngestOne(ctx, f)
			outcomes[i] = outcome
			if errors.Is(err, domain.ErrDimensionMismatch) {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	batchErr := fatal
	if batchErr == nil && ctx.Err() != nil {
		batchErr = domain.FromContext(ctx.Err())
	}

	for i := range outcomes {
		if outcomes[i] != nil {
			continue
		}
		if fatal != nil {
			outcomes[i] = domain.Rejected(domain.RejectReasonConfigurationError, fatal)
		} else {
			outcomes[i] = domain.Rejected(domain.RejectReasonTimeout, batchErr)
		}
	}

	if batchErr != nil {
		span.SetError(batchErr)
		telemetry.ReportBatchStop(ctx, batchErr, scheduled, len(fragments))
	}
	return outcomes, batchErr
}
