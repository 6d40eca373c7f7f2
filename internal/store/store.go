package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the central PostgreSQL-backed store for Vocalis. It holds a
// single [pgxpool.Pool] and exposes the four data areas as sub-stores:
//
//   - [Store.Jobs] for transcription job lifecycle records
//   - [Store.Terms] for lexicon substitution rules
//   - [Store.Keys] for API key lookups
//   - [Store.Feedback] for transcript correction suggestions
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	jobs     *JobStore
	terms    *TermStore
	keys     *KeyStore
	feedback *FeedbackStore
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return newStoreWithPool(pool), nil
}

// newStoreWithPool wires the sub-stores around an existing pool.
// Used by NewStore and by tests that manage their own pool.
func newStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		jobs:     &JobStore{pool: pool},
		terms:    &TermStore{pool: pool},
		keys:     &KeyStore{pool: pool},
		feedback: &FeedbackStore{pool: pool},
	}
}

// Jobs returns the job lifecycle sub-store.
func (s *Store) Jobs() *JobStore { return s.jobs }

// Terms returns the lexicon term sub-store.
func (s *Store) Terms() *TermStore { return s.terms }

// Keys returns the API key sub-store.
func (s *Store) Keys() *KeyStore { return s.keys }

// Feedback returns the feedback sub-store.
func (s *Store) Feedback() *FeedbackStore { return s.feedback }

// Ping verifies database connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
