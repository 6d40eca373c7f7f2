package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobStore manages transcription job lifecycle records.
//
// Obtain one via [Store.Jobs] rather than constructing directly.
// All methods are safe for concurrent use.
type JobStore struct {
	pool *pgxpool.Pool
}

const jobColumns = `
	id, api_key_id, lexicon_id, status, failure_reason,
	audio_format, audio_bytes, language,
	raw_transcript, processed_transcript,
	confidence, confidence_bucket, exact_matches, fuzzy_matches,
	confidence_metrics_json,
	recognizer_model, created_at, updated_at, started_at, completed_at`

// Create inserts a new PENDING job.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	const q = `
		INSERT INTO jobs
		    (id, api_key_id, lexicon_id, status, audio_format, audio_bytes, language)
		VALUES ($1, $2, $3, 'PENDING', $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		job.ID,
		job.APIKeyID,
		job.LexiconID,
		job.AudioFormat,
		job.AudioBytes,
		job.Language,
	)
	if err != nil {
		return fmt.Errorf("job store: create: %w", err)
	}
	return nil
}

// Get returns the job with the given id, or [ErrNotFound].
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	const q = `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("job store: get: %w", err)
	}
	return collectOneJob(rows)
}

// GetOwned returns the job with the given id only if it belongs to
// apiKeyID. A job owned by someone else is reported as [ErrNotFound] so the
// API does not leak job existence across tenants.
func (s *JobStore) GetOwned(ctx context.Context, id, apiKeyID string) (*Job, error) {
	const q = `SELECT` + jobColumns + ` FROM jobs WHERE id = $1 AND api_key_id = $2`

	rows, err := s.pool.Query(ctx, q, id, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("job store: get owned: %w", err)
	}
	return collectOneJob(rows)
}

// MarkProcessing atomically claims a PENDING job for a worker. It reports
// false when the job was not in PENDING, which means another worker already
// claimed it or the sweeper failed it first.
func (s *JobStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE jobs
		SET    status = 'PROCESSING', started_at = now(), updated_at = now()
		WHERE  id = $1 AND status = 'PENDING'`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("job store: mark processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetRawTranscript persists the recogniser output while the job is still
// PROCESSING, so a later pipeline failure cannot lose it.
func (s *JobStore) SetRawTranscript(ctx context.Context, id, text, model string) error {
	const q = `
		UPDATE jobs
		SET    raw_transcript = $2, recognizer_model = $3, updated_at = now()
		WHERE  id = $1 AND status = 'PROCESSING'`

	_, err := s.pool.Exec(ctx, q, id, text, model)
	if err != nil {
		return fmt.Errorf("job store: set raw transcript: %w", err)
	}
	return nil
}

// Completion carries the pipeline output persisted when a job finishes.
type Completion struct {
	ProcessedTranscript string
	Confidence          float64
	ConfidenceBucket    string
	ExactMatches        int
	FuzzyMatches        int

	// MetricsJSON is the serialized pipeline metrics document; empty means
	// no metrics are recorded (column stays NULL).
	MetricsJSON []byte
}

// Complete atomically moves a PROCESSING job to COMPLETED with the pipeline
// results. It reports false when the job was no longer PROCESSING.
func (s *JobStore) Complete(ctx context.Context, id string, c Completion) (bool, error) {
	const q = `
		UPDATE jobs
		SET    status = 'COMPLETED',
		       processed_transcript = $2,
		       confidence = $3,
		       confidence_bucket = $4,
		       exact_matches = $5,
		       fuzzy_matches = $6,
		       confidence_metrics_json = NULLIF($7, '')::jsonb,
		       completed_at = now(),
		       updated_at = now()
		WHERE  id = $1 AND status = 'PROCESSING'`

	tag, err := s.pool.Exec(ctx, q, id,
		c.ProcessedTranscript, c.Confidence, c.ConfidenceBucket,
		c.ExactMatches, c.FuzzyMatches, string(c.MetricsJSON))
	if err != nil {
		return false, fmt.Errorf("job store: complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail atomically moves a PENDING or PROCESSING job to FAILED with the given
// reason. It reports false when the job had already reached a terminal state.
func (s *JobStore) Fail(ctx context.Context, id string, reason FailureReason) (bool, error) {
	const q = `
		UPDATE jobs
		SET    status = 'FAILED', failure_reason = $2, completed_at = now(), updated_at = now()
		WHERE  id = $1 AND status IN ('PENDING', 'PROCESSING')`

	tag, err := s.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return false, fmt.Errorf("job store: fail: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// StalePending returns the ids of PENDING jobs created more than age ago.
// The sweeper re-enqueues these in case their queue entry was lost.
func (s *JobStore) StalePending(ctx context.Context, age time.Duration) ([]string, error) {
	const q = `
		SELECT id FROM jobs
		WHERE  status = 'PENDING'
		  AND  created_at < now() - ($1::bigint * interval '1 microsecond')
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, age.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("job store: stale pending: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("job store: stale pending: scan: %w", err)
	}
	return ids, nil
}

// StuckProcessing returns the ids of PROCESSING jobs started more than age
// ago. The sweeper fails these with reason STUCK.
func (s *JobStore) StuckProcessing(ctx context.Context, age time.Duration) ([]string, error) {
	const q = `
		SELECT id FROM jobs
		WHERE  status = 'PROCESSING'
		  AND  started_at < now() - ($1::bigint * interval '1 microsecond')
		ORDER  BY started_at`

	rows, err := s.pool.Query(ctx, q, age.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("job store: stuck processing: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("job store: stuck processing: scan: %w", err)
	}
	return ids, nil
}

// CountByStatus returns the number of jobs per status. Used by the metrics
// gauge callbacks.
func (s *JobStore) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	const q = `SELECT status, count(*) FROM jobs GROUP BY status`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("job store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int64)
	for rows.Next() {
		var (
			status JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("job store: count by status: scan: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job store: count by status: %w", err)
	}
	return counts, nil
}

// collectOneJob scans exactly one job from rows, mapping an empty result to
// ErrNotFound.
func collectOneJob(rows pgx.Rows) (*Job, error) {
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job store: scan: %w", err)
	}
	return &job, nil
}

func scanJob(row pgx.CollectableRow) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.APIKeyID,
		&j.LexiconID,
		&j.Status,
		&j.FailureReason,
		&j.AudioFormat,
		&j.AudioBytes,
		&j.Language,
		&j.RawTranscript,
		&j.ProcessedTranscript,
		&j.Confidence,
		&j.ConfidenceBucket,
		&j.ExactMatches,
		&j.FuzzyMatches,
		&j.ConfidenceMetrics,
		&j.RecognizerModel,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.StartedAt,
		&j.CompletedAt,
	)
	return j, err
}
