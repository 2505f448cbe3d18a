package domain

import (
	"errors"
	"fmt"
)

// IngestStatus is the terminal state of a fragment in the pipeline
type IngestStatus string

const (
	IngestStatusPersisted IngestStatus = "persisted"
	IngestStatusRejected  IngestStatus = "rejected"
)

// RejectReason explains a Rejected outcome
type RejectReason string

const (
	RejectReasonEmptyContent         RejectReason = "empty_content"
	RejectReasonInvalidSource        RejectReason = "invalid_source"
	RejectReasonDuplicate            RejectReason = "duplicate"
	RejectReasonEmbeddingUnavailable RejectReason = "embedding_unavailable"
	RejectReasonStoreUnavailable     RejectReason = "store_unavailable"
	RejectReasonTimeout              RejectReason = "timeout"
	RejectReasonConfigurationError   RejectReason = "configuration_error"
)

// VerdictKind classifies a deduplication decision
type VerdictKind string

const (
	VerdictUnique         VerdictKind = "unique"
	VerdictExactDuplicate VerdictKind = "exact_duplicate"
	VerdictNearDuplicate  VerdictKind = "near_duplicate"
)

// DuplicateVerdict is the result of checking a candidate against the store
type DuplicateVerdict struct {
	Kind       VerdictKind
	ExistingID string  // Set for exact and near duplicates
	Similarity float64 // Set for near duplicates
}

// IsDuplicate reports whether the verdict rejects the candidate.
func (v DuplicateVerdict) IsDuplicate() bool {
	return v.Kind == VerdictExactDuplicate || v.Kind == VerdictNearDuplicate
}

func (v DuplicateVerdict) String() string {
	switch v.Kind {
	case VerdictExactDuplicate:
		return fmt.Sprintf("exact duplicate of %s", v.ExistingID)
	case VerdictNearDuplicate:
		return fmt.Sprintf("near duplicate of %s (similarity %.4f)", v.ExistingID, v.Similarity)
	default:
		return string(VerdictUnique)
	}
}

// IngestOutcome reports what happened to one fragment
type IngestOutcome struct {
	Status  IngestStatus
	ID      string // Set when persisted
	Reason  RejectReason
	Verdict *DuplicateVerdict // Set for duplicate rejections found by dedup
	Err     error             // Set for rejections the caller may retry or must fix
}

// Persisted returns a successful outcome for the given entry id.
func Persisted(id string) *IngestOutcome {
	return &IngestOutcome{Status: IngestStatusPersisted, ID: id}
}

// Rejected returns a rejection outcome.
func Rejected(reason RejectReason, err error) *IngestOutcome {
	return &IngestOutcome{Status: IngestStatusRejected, Reason: reason, Err: err}
}

// IsPersisted reports whether the fragment was stored.
func (o *IngestOutcome) IsPersisted() bool {
	return o != nil && o.Status == IngestStatusPersisted
}

// RejectReasonFor maps a pipeline error to its rejection reason.
func RejectReasonFor(err error) RejectReason {
	switch {
	case errors.Is(err, ErrTimeout):
		return RejectReasonTimeout
	case errors.Is(err, ErrDimensionMismatch):
		return RejectReasonConfigurationError
	case errors.Is(err, ErrEmbeddingUnavailable):
		return RejectReasonEmbeddingUnavailable
	case errors.Is(err, ErrEmptyContent):
		return RejectReasonEmptyContent
	case errors.Is(err, ErrInvalidSource):
		return RejectReasonInvalidSource
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrEntryAlreadyExists):
		return RejectReasonDuplicate
	default:
		return RejectReasonStoreUnavailable
	}
}

// RecategorizePass reports one page of a recategorize scan
type RecategorizePass struct {
	Scanned int
	Labeled int
	// Next is the position of the last scanned entry; resume from it
	Next EntryCursor
	// Done is set when the page came back short and the scan reached the end
	Done bool
}
