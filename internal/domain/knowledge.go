package domain

import (
	"fmt"
	"time"
)

// KnowledgeEntry is the durable unit of knowledge
type KnowledgeEntry struct {
	ID          string
	Text        string
	Source      string
	Categories  []Category
	Embedding   []float32
	ContentHash string
	CreatedAt   time.Time
	Metadata    map[string]string
	DeletedAt   *time.Time // Soft-delete marker owned by the store
}

// Fragment is raw fetched content handed to the ingestion pipeline
type Fragment struct {
	Text     string
	Source   string
	Metadata map[string]string
}

// ScoredEntry pairs an entry with its similarity to a query vector
type ScoredEntry struct {
	Entry *KnowledgeEntry
	Score float64
}

// SearchFilters restricts the candidate set of a retrieval
type SearchFilters struct {
	Category Category  // Optional
	Source   string    // Optional
	Since    time.Time // Optional, entries created at or after
}

// Matches reports whether e passes the filters.
func (f SearchFilters) Matches(e *KnowledgeEntry) bool {
	if e == nil || e.DeletedAt != nil {
		return false
	}
	if f.Category != "" && !HasCategory(e.Categories, f.Category) {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// EntryCursor is a keyset position in (CreatedAt, ID) order. The zero value is
// the start of the order.
type EntryCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of e.
func CursorOf(e *KnowledgeEntry) EntryCursor {
	return EntryCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// IsZero reports whether c is the start of the order.
func (c EntryCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Precedes reports whether e sorts strictly after c.
func (c EntryCursor) Precedes(e *KnowledgeEntry) bool {
	if c.IsZero() {
		return true
	}
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(e.CreatedAt)
	}
	return c.ID < e.ID
}

// Statistics summarizes the store contents
type Statistics struct {
	TotalEntries       int64
	EntriesPerCategory map[Category]int64
	EntriesPerSource   map[string]int64
}

// NewStatistics returns zeroed statistics with every category present.
func NewStatistics() *Statistics {
	perCategory := make(map[Category]int64, len(AllCategories))
	for _, c := range AllCategories {
		perCategory[c] = 0
	}
	return &Statistics{
		EntriesPerCategory: perCategory,
		EntriesPerSource:   make(map[string]int64),
	}
}

// Add counts e into the statistics.
func (s *Statistics) Add(e *KnowledgeEntry) {
	s.TotalEntries++
	s.EntriesPerSource[e.Source]++
	for _, c := range e.Categories {
		s.EntriesPerCategory[c]++
	}
}

// NewKnowledgeEntry creates a new KnowledgeEntry instance from normalized text
func NewKnowledgeEntry(
	id, text, source string,
	categories []Category,
	embedding []float32,
	metadata map[string]string,
	createdAt time.Time,
) *KnowledgeEntry {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &KnowledgeEntry{
		ID:          id,
		Text:        text,
		Source:      source,
		Categories:  NormalizeCategories(categories),
		Embedding:   embedding,
		ContentHash: ContentHash(text),
		CreatedAt:   createdAt,
		Metadata:    metadata,
	}
}

// ValidateKnowledgeEntry validates a KnowledgeEntry instance
func ValidateKnowledgeEntry(e *KnowledgeEntry) error {
	if e == nil {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry cannot be nil"))
	}

	if e.ID == "" {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry ID is required"))
	}

	if e.Text == "" {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry Text is required"))
	}

	if e.Source == "" {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry Source is required"))
	}

	if len(e.Embedding) == 0 {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry Embedding is required"))
	}

	if e.ContentHash != ContentHash(e.Text) {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry ContentHash does not match Text"))
	}

	if e.Categories == nil {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry Categories cannot be nil"))
	}

	if err := ValidateCategories(e.Categories); err != nil {
		return err
	}

	if e.CreatedAt.IsZero() {
		return Wrap(ErrMissingRequiredField, fmt.Errorf("knowledge entry CreatedAt is required"))
	}

	return nil
}

// CloneMetadata returns a non-nil copy of md.
func CloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
