// Package telemetry traces engine operations with Sentry. Every helper is a
// no-op when Sentry was not initialized.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/getsentry/sentry-go"
)

const (
	serviceName = "unic"

	// recategorizeOp is the root op of worker ticks, sampled below the base rate
	recategorizeOp = "job.recategorize"
)

// Config holds the configuration for Sentry initialization.
type Config struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
	Debug            bool
	// Tags are attached to every event, e.g. the store backend and embedding model
	Tags map[string]string
}

// Init initializes Sentry with tracing enabled.
// Returns a shutdown function to flush pending events.
// If DSN is empty, returns a no-op shutdown function.
func Init(cfg Config) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.TracesSampleRate == 0 {
		cfg.TracesSampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serviceName,
		TracesSampler: sentry.TracesSampler(func(ctx sentry.SamplingContext) float64 {
			return sampleRate(ctx.Span, cfg.TracesSampleRate)
		}),
	})
	if err != nil {
		log.Printf("sentry: failed to initialize (continuing without tracing): %v", err)
		return func() {}, nil
	}

	if len(cfg.Tags) > 0 {
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTags(cfg.Tags)
		})
	}

	log.Printf("sentry: tracing initialized (environment: %s, sample_rate: %.2f)", cfg.Environment, cfg.TracesSampleRate)
	return func() { sentry.Flush(5 * time.Second) }, nil
}

// sampleRate keeps child spans with their parent and thins out worker ticks,
// which fire every interval whether or not there is work.
func sampleRate(span *sentry.Span, base float64) float64 {
	var emptySpanID sentry.SpanID
	if span.ParentSpanID != emptySpanID {
		if span.Sampled.Bool() {
			return 1.0
		}
		return 0.0
	}
	if span.Op == recategorizeOp {
		return base / 10
	}
	return base
}

// SpanAttributes contains common attributes for service spans.
type SpanAttributes struct {
	Source    string
	EntryID   string
	Category  string
	BatchSize int
	Operation string
}

// Span wraps sentry.Span to provide a consistent interface.
type Span struct {
	inner *sentry.Span
}

// End finishes the span.
func (s *Span) End() {
	if s.inner != nil {
		s.inner.Finish()
	}
}

// SetError sets the span status from the error's domain code, tags the code
// and captures the exception.
func (s *Span) SetError(err error) {
	if s.inner == nil || err == nil {
		return
	}
	s.inner.Status = statusFor(err)
	s.inner.SetTag("error_code", errorCode(err))
	if hub := sentry.GetHubFromContext(s.inner.Context()); hub != nil {
		hub.CaptureException(err)
	}
}

// SetOutcome tags the span with how a fragment left the pipeline. Rejections
// without an error, such as duplicates, still count as a successful span.
func (s *Span) SetOutcome(o *domain.IngestOutcome) {
	if s.inner == nil || o == nil {
		return
	}
	s.inner.SetTag("outcome", string(o.Status))
	if o.Reason != "" {
		s.inner.SetTag("reject_reason", string(o.Reason))
	}
	if o.Verdict != nil {
		s.inner.SetData("verdict", o.Verdict.String())
	}
	if o.Err != nil {
		s.inner.Status = statusFor(o.Err)
		return
	}
	s.inner.Status = sentry.SpanStatusOK
}

func setAttributes(span *sentry.Span, attrs SpanAttributes) {
	if span == nil {
		return
	}
	if attrs.Source != "" {
		span.SetTag("source", attrs.Source)
	}
	if attrs.EntryID != "" {
		span.SetTag("entry_id", attrs.EntryID)
	}
	if attrs.Category != "" {
		span.SetTag("category", attrs.Category)
	}
	if attrs.BatchSize > 0 {
		span.SetData("batch_size", attrs.BatchSize)
	}
	if attrs.Operation != "" {
		span.SetData("operation", attrs.Operation)
	}
}

// StartSpan starts a child of the span in ctx, or a new transaction when
// there is none.
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var span *sentry.Span
	if parent := sentry.SpanFromContext(ctx); parent != nil {
		span = parent.StartChild(name)
	} else {
		span = sentry.StartSpan(ctx, name, sentry.WithTransactionName(name))
	}
	setAttributes(span, attrs)
	return span.Context(), &Span{inner: span}
}

// StartTransaction starts a root span for a CLI command or a worker tick.
func StartTransaction(ctx context.Context, name string, op string) (context.Context, *Span) {
	options := []sentry.SpanOption{
		sentry.WithTransactionName(name),
	}
	if op != "" {
		options = append(options, sentry.WithOpName(op))
	}
	span := sentry.StartSpan(ctx, op, options...)
	return span.Context(), &Span{inner: span}
}

// RecordVerdict leaves a dedup breadcrumb for exact and near duplicates, so a
// later error event shows which entries a fragment collided with.
func RecordVerdict(ctx context.Context, source string, v domain.DuplicateVerdict) {
	if v.Kind == domain.VerdictUnique {
		return
	}
	hubFor(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Type:     "info",
		Category: "dedup",
		Message:  v.String(),
		Data: map[string]interface{}{
			"source":      source,
			"existing_id": v.ExistingID,
			"similarity":  v.Similarity,
		},
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}, nil)
}

// ReportBatchStop captures a warning for an ingest batch that stopped
// scheduling before every fragment ran.
func ReportBatchStop(ctx context.Context, err error, scheduled, total int) {
	hub := hubFor(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("error_code", errorCode(err))
		scope.SetContext("batch", sentry.Context{
			"scheduled": scheduled,
			"total":     total,
		})
		hub.CaptureMessage(fmt.Sprintf("ingest batch stopped after %d of %d fragments: %v", scheduled, total, err))
	})
}

func hubFor(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func errorCode(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return domain.ErrCodeInternalError
}

func statusFor(err error) sentry.SpanStatus {
	switch errorCode(err) {
	case domain.ErrCodeTimeout:
		return sentry.SpanStatusDeadlineExceeded
	case domain.ErrCodeEmbeddingUnavailable, domain.ErrCodeStoreUnavailable:
		return sentry.SpanStatusUnavailable
	case domain.ErrCodeValidation, domain.ErrCodeInvalidFilter, domain.ErrCodeInvalidSource, domain.ErrCodeEmptyContent:
		return sentry.SpanStatusInvalidArgument
	case domain.ErrCodeConfiguration:
		return sentry.SpanStatusFailedPrecondition
	case domain.ErrCodeNotFound:
		return sentry.SpanStatusNotFound
	case domain.ErrCodeAlreadyExists, domain.ErrCodeDuplicate:
		return sentry.SpanStatusAlreadyExists
	default:
		return sentry.SpanStatusInternalError
	}
}
