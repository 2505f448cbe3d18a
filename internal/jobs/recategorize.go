package jobs

import (
	"context"
	"fmt"
	"log"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/service"
)

// Recategorizer labels entries that were stored without categories
type Recategorizer interface {
	Recategorize(ctx context.Context, after domain.EntryCursor, limit int) (*domain.RecategorizePass, error)
}

// RecategorizeProcessor scores one page of uncategorized entries per tick. It
// walks the backlog with a cursor and starts over once a page comes back short,
// so entries that match nothing do not block newer ones. ProcessJobs must not
// be called concurrently; a Worker calls it from a single goroutine.
type RecategorizeProcessor struct {
	engine Recategorizer
	batch  int
	cursor domain.EntryCursor
}

// NewRecategorizeProcessor creates a processor; a non-positive batch uses the default.
func NewRecategorizeProcessor(engine Recategorizer, batch int) *RecategorizeProcessor {
	if batch <= 0 {
		batch = service.DefaultRecategorizeBatch
	}
	return &RecategorizeProcessor{engine: engine, batch: batch}
}

// ProcessJobs implements the JobProcessor interface
func (p *RecategorizeProcessor) ProcessJobs(ctx context.Context) error {
	pass, err := p.engine.Recategorize(ctx, p.cursor, p.batch)
	if err != nil {
		labeled := 0
		if pass != nil {
			labeled = pass.Labeled
		}
		return fmt.Errorf("recategorize pass failed after %d entries: %w", labeled, err)
	}

	if pass.Done {
		p.cursor = domain.EntryCursor{}
	} else {
		p.cursor = pass.Next
	}

	if pass.Labeled > 0 {
		log.Printf("recategorize worker: labeled %d of %d entries", pass.Labeled, pass.Scanned)
	}
	return nil
}
