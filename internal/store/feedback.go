package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FeedbackStore manages transcript correction suggestions.
//
// Obtain one via [Store.Feedback] rather than constructing directly.
type FeedbackStore struct {
	pool *pgxpool.Pool
}

const feedbackColumns = `
	id, job_id, api_key_id, original_text, corrected_text, comment, status, confidence, created_at, updated_at`

// Create inserts a new PENDING feedback record.
func (s *FeedbackStore) Create(ctx context.Context, f *Feedback) error {
	const q = `
		INSERT INTO feedback
		    (id, job_id, api_key_id, original_text, corrected_text, comment, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')`

	_, err := s.pool.Exec(ctx, q,
		f.ID, f.JobID, f.APIKeyID, f.OriginalText, f.CorrectedText, f.Comment)
	if err != nil {
		return fmt.Errorf("feedback store: create: %w", err)
	}
	return nil
}

// Get returns the feedback record with the given id, or [ErrNotFound].
func (s *FeedbackStore) Get(ctx context.Context, id string) (*Feedback, error) {
	const q = `SELECT` + feedbackColumns + ` FROM feedback WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("feedback store: get: %w", err)
	}
	fb, err := pgx.CollectOneRow(rows, scanFeedback)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("feedback store: scan: %w", err)
	}
	return &fb, nil
}

// FeedbackFilter narrows a [FeedbackStore.List] call. Zero values mean
// "no filter"; Limit 0 falls back to 50.
type FeedbackFilter struct {
	JobID  string
	Status FeedbackStatus

	// From and To bound created_at inclusively.
	From time.Time
	To   time.Time

	Limit  int
	Offset int
}

// List returns feedback records matching filter, newest first.
func (s *FeedbackStore) List(ctx context.Context, filter FeedbackFilter) ([]Feedback, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"TRUE"}
	if filter.JobID != "" {
		conditions = append(conditions, "job_id = "+next(filter.JobID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+next(filter.Status))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= "+next(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at <= "+next(filter.To))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := "SELECT" + feedbackColumns + "\n" +
		"FROM   feedback\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at DESC\n" +
		"LIMIT  " + next(limit) + " OFFSET " + next(filter.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("feedback store: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanFeedback)
	if err != nil {
		return nil, fmt.Errorf("feedback store: scan rows: %w", err)
	}
	if records == nil {
		records = []Feedback{}
	}
	return records, nil
}

// UpdateStatus atomically moves a PENDING feedback record to status, with an
// optional reviewer confidence. It reports false when the record was not
// PENDING, which means it has already been reviewed.
func (s *FeedbackStore) UpdateStatus(ctx context.Context, id string, status FeedbackStatus, confidence *float64) (bool, error) {
	const q = `
		UPDATE feedback
		SET    status = $2, confidence = $3, updated_at = now()
		WHERE  id = $1 AND status = 'PENDING'`

	tag, err := s.pool.Exec(ctx, q, id, status, confidence)
	if err != nil {
		return false, fmt.Errorf("feedback store: update status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanFeedback(row pgx.CollectableRow) (Feedback, error) {
	var f Feedback
	err := row.Scan(
		&f.ID,
		&f.JobID,
		&f.APIKeyID,
		&f.OriginalText,
		&f.CorrectedText,
		&f.Comment,
		&f.Status,
		&f.Confidence,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	return f, err
}
