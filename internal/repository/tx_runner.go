package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxRunner runs several repository calls in one transaction.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// WithTx hands fn a repository bound to a fresh transaction and commits when fn
// returns nil.
func (r *TxRunner) WithTx(ctx context.Context, fn func(repo *KnowledgeRepository) error) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(NewKnowledgeRepositoryWithTx(tx))
	})
}

// withTx begins on db, which nests as a savepoint when db is already a pgx.Tx.
func withTx(ctx context.Context, db dbtx, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}
