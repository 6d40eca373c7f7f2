package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateTerm is returned when an insert or update would create a
// second active term with the same normalized form in one lexicon.
var ErrDuplicateTerm = errors.New("store: duplicate active term")

// TermStore manages lexicon substitution rules.
//
// Obtain one via [Store.Terms] rather than constructing directly.
// All methods are safe for concurrent use.
type TermStore struct {
	pool *pgxpool.Pool
}

const termColumns = `
	id, lexicon_id, term, normalized_term, replacement, active, created_at, updated_at`

// Create inserts a new active term. Violating the per-lexicon uniqueness of
// normalized_term among active terms returns [ErrDuplicateTerm].
func (s *TermStore) Create(ctx context.Context, t *Term) error {
	const q = `
		INSERT INTO lexicon_terms
		    (id, lexicon_id, term, normalized_term, replacement, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)`

	_, err := s.pool.Exec(ctx, q, t.ID, t.LexiconID, t.Term, t.NormalizedTerm, t.Replacement)
	if isUniqueViolation(err) {
		return ErrDuplicateTerm
	}
	if err != nil {
		return fmt.Errorf("term store: create: %w", err)
	}
	return nil
}

// Get returns the term with the given id, or [ErrNotFound].
func (s *TermStore) Get(ctx context.Context, id string) (*Term, error) {
	const q = `SELECT` + termColumns + ` FROM lexicon_terms WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("term store: get: %w", err)
	}
	term, err := pgx.CollectOneRow(rows, scanTerm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("term store: scan: %w", err)
	}
	return &term, nil
}

// Update replaces the surface form, normalized form, and replacement of an
// existing term. Returns [ErrNotFound] when the id does not exist and
// [ErrDuplicateTerm] when the new normalized form collides with another
// active term in the same lexicon.
func (s *TermStore) Update(ctx context.Context, t *Term) error {
	const q = `
		UPDATE lexicon_terms
		SET    term = $2, normalized_term = $3, replacement = $4, updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, t.ID, t.Term, t.NormalizedTerm, t.Replacement)
	if isUniqueViolation(err) {
		return ErrDuplicateTerm
	}
	if err != nil {
		return fmt.Errorf("term store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes a term. The row is kept for audit; only active
// terms participate in substitution and in the uniqueness constraint.
func (s *TermStore) Deactivate(ctx context.Context, id string) error {
	const q = `
		UPDATE lexicon_terms
		SET    active = FALSE, updated_at = now()
		WHERE  id = $1 AND active`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("term store: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns all active terms of a lexicon, ordered by normalized
// form. This is the set the pipeline compiles.
func (s *TermStore) ListActive(ctx context.Context, lexiconID string) ([]Term, error) {
	const q = `SELECT` + termColumns + `
		FROM   lexicon_terms
		WHERE  lexicon_id = $1 AND active
		ORDER  BY normalized_term`

	rows, err := s.pool.Query(ctx, q, lexiconID)
	if err != nil {
		return nil, fmt.Errorf("term store: list active: %w", err)
	}
	return collectTerms(rows)
}

// List returns all terms of a lexicon including deactivated ones, newest
// first. Used by the admin API.
func (s *TermStore) List(ctx context.Context, lexiconID string) ([]Term, error) {
	const q = `SELECT` + termColumns + `
		FROM   lexicon_terms
		WHERE  lexicon_id = $1
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, lexiconID)
	if err != nil {
		return nil, fmt.Errorf("term store: list: %w", err)
	}
	return collectTerms(rows)
}

// Lexicons summarises every known lexicon id with its term counts.
func (s *TermStore) Lexicons(ctx context.Context) ([]Lexicon, error) {
	const q = `
		SELECT lexicon_id,
		       count(*) FILTER (WHERE active),
		       count(*),
		       max(updated_at)
		FROM   lexicon_terms
		GROUP  BY lexicon_id
		ORDER  BY lexicon_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("term store: lexicons: %w", err)
	}
	lexicons, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Lexicon, error) {
		var l Lexicon
		err := row.Scan(&l.ID, &l.ActiveTerms, &l.TotalTerms, &l.UpdatedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("term store: lexicons: scan: %w", err)
	}
	if lexicons == nil {
		lexicons = []Lexicon{}
	}
	return lexicons, nil
}

func collectTerms(rows pgx.Rows) ([]Term, error) {
	terms, err := pgx.CollectRows(rows, scanTerm)
	if err != nil {
		return nil, fmt.Errorf("term store: scan rows: %w", err)
	}
	if terms == nil {
		terms = []Term{}
	}
	return terms, nil
}

func scanTerm(row pgx.CollectableRow) (Term, error) {
	var t Term
	err := row.Scan(
		&t.ID,
		&t.LexiconID,
		&t.Term,
		&t.NormalizedTerm,
		&t.Replacement,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
