package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConcurrencyConflict is returned when an optimistic update loses the
	// row_version race. Callers re-read and retry.
	ErrConcurrencyConflict = errors.New("store: concurrent modification")

	// ErrDuplicateKey is returned when an insert violates a unique
	// constraint, e.g. an idempotency key or webhook event seen before.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so every repository works inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles the PostgreSQL repositories. PostgreSQL owns every entity;
// values returned from repositories are snapshots, never live handles.
type Store struct {
	pool *pgxpool.Pool

	Payments  *PaymentRepo
	Refunds   *RefundRepo
	Providers *ProviderRepo
	Logs      *TransactionLogRepo
	Webhooks  *WebhookRepo
}

// New creates a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	s := bind(pool)
	s.pool = pool
	return s
}

func bind(db querier) *Store {
	return &Store{
		Payments:  &PaymentRepo{db: db},
		Refunds:   &RefundRepo{db: db},
		Providers: &ProviderRepo{db: db},
		Logs:      &TransactionLogRepo{db: db},
		Webhooks:  &WebhookRepo{db: db},
	}
}

// WithTx runs fn inside a single database transaction. The Store passed to
// fn is bound to that transaction, so a state change and its audit log entry
// commit or roll back together. Returning an error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		return errors.New("store: WithTx on a transaction-bound store")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(bind(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies database connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store: no pool")
	}
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports whether err is PostgreSQL error 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
