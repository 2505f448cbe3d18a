// Package sqlitestore persists knowledge entries in an embedded SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const dimensionsKey = "embedding_dimensions"

// Store is a KnowledgeStore on SQLite. Cosine ranking happens in Go over the
// rows a single SELECT returns, so every read sees one consistent snapshot.
type Store struct {
	db *sql.DB

	mu         sync.Mutex
	dimensions int
}

// Open opens or creates the database at path. Use ":memory:" for a throwaway
// store. A positive dimensions must match what the database was created with.
func Open(path string, dimensions int) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.loadDimensions(dimensions); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dimensions returns the fixed embedding size, or zero before the first write.
func (s *Store) Dimensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimensions
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS store_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_entries (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			source TEXT NOT NULL,
			categories TEXT NOT NULL DEFAULT '[]',
			embedding BLOB NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_entries_source ON knowledge_entries(source)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_entries_created_at ON knowledge_entries(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) loadDimensions(want int) error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_settings WHERE key = ?`, dimensionsKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if want > 0 {
			if _, err := s.db.Exec(`INSERT INTO store_settings (key, value) VALUES (?, ?)`, dimensionsKey, strconv.Itoa(want)); err != nil {
				return fmt.Errorf("recording embedding dimensions: %w", err)
			}
		}
		s.dimensions = want
		return nil
	case err != nil:
		return fmt.Errorf("reading embedding dimensions: %w", err)
	}

	stored, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parsing embedding dimensions %q: %w", value, err)
	}
	if want > 0 && want != stored {
		return domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("database has %d dimensions, configured %d", stored, want))
	}
	s.dimensions = stored
	return nil
}

// Create inserts e; the content_hash UNIQUE constraint rejects concurrent copies.
func (s *Store) Create(ctx context.Context, e *domain.KnowledgeEntry) error {
	if err := domain.ValidateKnowledgeEntry(e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimensions != 0 && len(e.Embedding) != s.dimensions {
		return domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("got %d dimensions, store has %d", len(e.Embedding), s.dimensions))
	}

	categories, err := json.Marshal(e.Categories)
	if err != nil {
		return fmt.Errorf("encoding categories: %w", err)
	}
	metadata, err := json.Marshal(domain.CloneMetadata(e.Metadata))
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if s.dimensions == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_settings (key, value) VALUES (?, ?)`,
			dimensionsKey, strconv.Itoa(len(e.Embedding)),
		); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, text, source, categories, embedding, content_hash, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Text,
		e.Source,
		string(categories),
		encodeVector(e.Embedding),
		e.ContentHash,
		formatTime(e.CreatedAt),
		string(metadata),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEntryAlreadyExists
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if s.dimensions == 0 {
		s.dimensions = len(e.Embedding)
	}
	return nil
}

const selectColumns = `id, text, source, categories, embedding, content_hash, created_at, metadata, deleted_at`

// GetByID returns a live entry.
func (s *Store) GetByID(ctx context.Context, id string) (*domain.KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries WHERE id = ? AND deleted_at IS NULL`, id)
	return scanEntry(row)
}

// GetByContentHash returns the entry holding hash, including soft-deleted ones.
func (s *Store) GetByContentHash(ctx context.Context, hash string) (*domain.KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries WHERE content_hash = ?`, hash)
	return scanEntry(row)
}

// NearestInSource returns the limit live entries of source closest to embedding.
func (s *Store) NearestInSource(ctx context.Context, embedding []float32, source string, limit int) ([]*domain.ScoredEntry, error) {
	return s.Search(ctx, embedding, domain.SearchFilters{Source: source}, limit)
}

// Search ranks live entries matching filters by cosine similarity.
func (s *Store) Search(ctx context.Context, embedding []float32, filters domain.SearchFilters, limit int) ([]*domain.ScoredEntry, error) {
	if dims := s.Dimensions(); dims != 0 && len(embedding) != dims {
		return nil, domain.Wrap(domain.ErrDimensionMismatch, fmt.Errorf("query has %d dimensions, store has %d", len(embedding), dims))
	}
	if limit <= 0 {
		return []*domain.ScoredEntry{}, nil
	}

	where := []string{"deleted_at IS NULL"}
	var args []interface{}
	if filters.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filters.Source)
	}
	if filters.Category != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(knowledge_entries.categories) WHERE json_each.value = ?)")
		args = append(args, string(filters.Category))
	}
	if !filters.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filters.Since))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.KnowledgeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return domain.RankByVector(embedding, entries, filters, limit), nil
}

// AddCategories unions categories into the entry's set.
func (s *Store) AddCategories(ctx context.Context, id string, categories []domain.Category) error {
	if err := domain.ValidateCategories(categories); err != nil {
		return err
	}
	return s.update(ctx, id, func(e *domain.KnowledgeEntry) (string, interface{}, error) {
		merged, err := json.Marshal(domain.UnionCategories(e.Categories, categories))
		return "categories", string(merged), err
	})
}

// AppendMetadata merges metadata into the entry; new values win.
func (s *Store) AppendMetadata(ctx context.Context, id string, metadata map[string]string) error {
	return s.update(ctx, id, func(e *domain.KnowledgeEntry) (string, interface{}, error) {
		merged := domain.CloneMetadata(e.Metadata)
		for k, v := range metadata {
			merged[k] = v
		}
		encoded, err := json.Marshal(merged)
		return "metadata", string(encoded), err
	})
}

// Delete soft-deletes an entry. Its content hash stays reserved.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_entries SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// update applies a read-modify-write of one column inside a transaction.
func (s *Store) update(ctx context.Context, id string, fn func(e *domain.KnowledgeEntry) (string, interface{}, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM knowledge_entries WHERE id = ? AND deleted_at IS NULL`, id)
	e, err := scanEntry(row)
	if err != nil {
		return err
	}

	column, value, err := fn(e)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE knowledge_entries SET `+column+` = ? WHERE id = ?`, value, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListUncategorizedAfter returns up to limit live entries with no categories
// that sort after the cursor, in (created_at, id) order. A non-positive limit
// returns all of them.
func (s *Store) ListUncategorizedAfter(ctx context.Context, after domain.EntryCursor, limit int) ([]*domain.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	// The zero cursor sorts before every stored timestamp and id.
	createdAt := ""
	if !after.IsZero() {
		createdAt = formatTime(after.CreatedAt)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM knowledge_entries
		WHERE deleted_at IS NULL AND categories = '[]'
		  AND (created_at > ? OR (created_at = ? AND id > ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, createdAt, createdAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// Statistics counts live entries.
func (s *Store) Statistics(ctx context.Context) (*domain.Statistics, error) {
	stats := domain.NewStatistics()

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_entries WHERE deleted_at IS NULL`,
	).Scan(&stats.TotalEntries); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM knowledge_entries
		WHERE deleted_at IS NULL
		GROUP BY source
	`)
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

	rows, err = s.db.QueryContext(ctx, `
		SELECT c.value, COUNT(*) FROM knowledge_entries e, json_each(e.categories) c
		WHERE e.deleted_at IS NULL
		GROUP BY c.value
	`)
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*domain.KnowledgeEntry, error) {
	var (
		e          domain.KnowledgeEntry
		categories string
		embedding  []byte
		createdAt  string
		metadata   string
		deletedAt  sql.NullString
	)
	err := row.Scan(&e.ID, &e.Text, &e.Source, &categories, &embedding, &e.ContentHash, &createdAt, &metadata, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(categories), &e.Categories); err != nil {
		return nil, fmt.Errorf("decoding categories of %s: %w", e.ID, err)
	}
	e.Categories = domain.NormalizeCategories(e.Categories)
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", e.ID, err)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Embedding, err = decodeVector(embedding)
	if err != nil {
		return nil, fmt.Errorf("decoding embedding of %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", e.ID, err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(timeLayout, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at of %s: %w", e.ID, err)
		}
		e.DeletedAt = &t
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
