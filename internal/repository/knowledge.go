package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const dimensionsKey = "embedding_dimensions"

// rerankWindow is how many rows past the limit Search pulls from pgvector.
// The operator scores in single precision, so near ties at the cut can land
// in the wrong order until they are rescored in float64.
const rerankWindow = 16

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// KnowledgeRepository stores knowledge entries in Postgres with a pgvector column.
type KnowledgeRepository struct {
	db dbtx

	dimensions atomic.Int64
}

func NewKnowledgeRepository(pool *pgxpool.Pool) *KnowledgeRepository {
	return &KnowledgeRepository{db: pool}
}

func NewKnowledgeRepositoryWithTx(tx pgx.Tx) *KnowledgeRepository {
	return &KnowledgeRepository{db: tx}
}

// Dimensions returns the pinned embedding size, or zero before the first write.
func (r *KnowledgeRepository) Dimensions(ctx context.Context) (int, error) {
	if d := r.dimensions.Load(); d != 0 {
		return int(d), nil
	}
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM store_settings WHERE key = $1`, dimensionsKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	d, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing embedding dimensions %q: %w", value, err)
	}
	r.dimensions.Store(int64(d))
	return d, nil
}

// EnsureDimensions pins want as the embedding size, or verifies it against the
// size the database already holds.
func (r *KnowledgeRepository) EnsureDimensions(ctx context.Context, want int) error {
	if want <= 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		return r.pinDimensions(ctx, tx, want)
	})
}

func (r *KnowledgeRepository) pinDimensions(ctx context.Context, tx pgx.Tx, want int) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO store_settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		dimensionsKey, strconv.Itoa(want),
	); err != nil {
		return err
	}

	var value string
	if err := tx.QueryRow(ctx, `SELECT value FROM store_settings WHERE key = $1`, dimensionsKey).Scan(&value); err != nil {
		return err
	}
	stored, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parsing embedding dimensions %q: %w", value, err)
	}
	if stored != want {
		return domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("got %d dimensions, store has %d", want, stored))
	}
	r.dimensions.Store(int64(stored))
	return nil
}

// Create inserts e. The unique index on content_hash rejects a concurrent copy.
func (r *KnowledgeRepository) Create(ctx context.Context, e *domain.KnowledgeEntry) error {
	if err := domain.ValidateKnowledgeEntry(e); err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := r.pinDimensions(ctx, tx, len(e.Embedding)); err != nil {
			return err
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO knowledge_entries (id, text, source, categories, embedding, content_hash, created_at, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.Text, e.Source, categoryStrings(e.Categories), pgvector.NewVector(e.Embedding),
			e.ContentHash, e.CreatedAt.UTC(), domain.CloneMetadata(e.Metadata),
		)
		if isUniqueViolation(err) {
			return domain.ErrEntryAlreadyExists
		}
		return err
	})
}

const selectColumns = `id, text, source, categories, embedding::text, content_hash, created_at, metadata, deleted_at`

// GetByID returns a live entry.
func (r *KnowledgeRepository) GetByID(ctx context.Context, id string) (*domain.KnowledgeEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanEntry(row)
}

// GetByContentHash returns the entry holding hash, including soft-deleted ones.
func (r *KnowledgeRepository) GetByContentHash(ctx context.Context, hash string) (*domain.KnowledgeEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries WHERE content_hash = $1`, hash)
	return scanEntry(row)
}

// NearestInSource returns the limit live entries of source closest to embedding.
func (r *KnowledgeRepository) NearestInSource(ctx context.Context, embedding []float32, source string, limit int) ([]*domain.ScoredEntry, error) {
	return r.Search(ctx, embedding, domain.SearchFilters{Source: source}, limit)
}

// Search orders live entries matching filters by cosine distance in SQL,
// over-fetching by rerankWindow, and rescores the rows before cutting to limit.
func (r *KnowledgeRepository) Search(ctx context.Context, embedding []float32, filters domain.SearchFilters, limit int) ([]*domain.ScoredEntry, error) {
	dims, err := r.Dimensions(ctx)
	if err != nil {
		return nil, err
	}
	if dims != 0 && len(embedding) != dims {
		return nil, domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("query has %d dimensions, store has %d", len(embedding), dims))
	}
	if limit <= 0 || dims == 0 {
		return []*domain.ScoredEntry{}, nil
	}

	args := []any{pgvector.NewVector(embedding)}
	where := []string{"deleted_at IS NULL"}
	if filters.Source != "" {
		args = append(args, filters.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filters.Category != "" {
		args = append(args, string(filters.Category))
		where = append(where, fmt.Sprintf("$%d = ANY(categories)", len(args)))
	}
	if !filters.Since.IsZero() {
		args = append(args, filters.Since.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, limit+rerankWindow)

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM knowledge_entries
		 WHERE %s
		 ORDER BY embedding <=> $1, created_at DESC, id ASC
		 LIMIT $%d`,
		selectColumns, strings.Join(where, " AND "), len(args),
	), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	return domain.RankByVector(embedding, entries, filters, limit), nil
}

// AddCategories unions categories into the entry's set.
func (r *KnowledgeRepository) AddCategories(ctx context.Context, id string, categories []domain.Category) error {
	if err := domain.ValidateCategories(categories); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries
		 SET categories = ARRAY(SELECT DISTINCT c FROM unnest(categories || $2::text[]) AS c ORDER BY c)
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, categoryStrings(categories),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// AppendMetadata merges metadata into the entry; new values win.
func (r *KnowledgeRepository) AppendMetadata(ctx context.Context, id string, metadata map[string]string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries SET metadata = metadata || $2::jsonb
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, domain.CloneMetadata(metadata),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// Delete soft-deletes an entry. Its content hash stays reserved.
func (r *KnowledgeRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// ListUncategorizedAfter returns up to limit live entries with no categories
// that sort after the cursor, in (created_at, id) order. A non-positive limit
// returns all of them.
func (r *KnowledgeRepository) ListUncategorizedAfter(ctx context.Context, after domain.EntryCursor, limit int) ([]*domain.KnowledgeEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	var since *time.Time
	if !after.IsZero() {
		since = &after.CreatedAt
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries
		 WHERE deleted_at IS NULL AND cardinality(categories) = 0
		   AND ($1::timestamptz IS NULL OR (created_at, id) > ($1, $2))
		 ORDER BY created_at ASC, id ASC
		 LIMIT $3`,
		since, after.ID, lim,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Statistics counts live entries.
func (r *KnowledgeRepository) Statistics(ctx context.Context) (*domain.Statistics, error) {
	stats := domain.NewStatistics()

	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_entries WHERE deleted_at IS NULL`,
	).Scan(&stats.TotalEntries); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT source, COUNT(*) FROM knowledge_entries WHERE deleted_at IS NULL GROUP BY source`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EntriesPerSource[source] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Query(ctx,
		`SELECT c, COUNT(*) FROM knowledge_entries, unnest(categories) AS c
		 WHERE deleted_at IS NULL GROUP BY c`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		stats.EntriesPerCategory[domain.Category(category)] = n
	}
	return stats, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]*domain.KnowledgeEntry, error) {
	out := make([]*domain.KnowledgeEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*domain.KnowledgeEntry, error) {
	var (
		e          domain.KnowledgeEntry
		categories []string
		vec        pgvector.Vector
		metadata   map[string]string
		deletedAt  *time.Time
	)
	err := row.Scan(&e.ID, &e.Text, &e.Source, &categories, &vec, &e.ContentHash, &e.CreatedAt, &metadata, &deletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}

	labels := make([]domain.Category, 0, len(categories))
	for _, c := range categories {
		labels = append(labels, domain.Category(c))
	}
	e.Categories = domain.NormalizeCategories(labels)
	e.Embedding = vec.Slice()
	e.CreatedAt = e.CreatedAt.UTC()
	e.Metadata = domain.CloneMetadata(metadata)
	if deletedAt != nil {
		t := deletedAt.UTC()
		e.DeletedAt = &t
	}
	return &e, nil
}

func categoryStrings(categories []domain.Category) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		out = append(out, string(c))
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
