// Package store provides the PostgreSQL persistence layer for the Vocalis
// transcription service: jobs, lexicon terms, API keys, and feedback.
//
// All sub-stores share a single [pgxpool.Pool]. [Migrate] is idempotent and
// runs on every application start.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id                   TEXT         PRIMARY KEY,
    api_key_id           TEXT         NOT NULL,
    lexicon_id           TEXT         NOT NULL DEFAULT '',
    status               TEXT         NOT NULL DEFAULT 'PENDING',
    failure_reason       TEXT         NOT NULL DEFAULT '',
    audio_format         TEXT         NOT NULL,
    audio_bytes          BIGINT       NOT NULL DEFAULT 0,
    language             TEXT         NOT NULL DEFAULT '',
    raw_transcript       TEXT         NOT NULL DEFAULT '',
    processed_transcript TEXT         NOT NULL DEFAULT '',
    confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
    confidence_bucket    TEXT         NOT NULL DEFAULT '',
    exact_matches        INTEGER      NOT NULL DEFAULT 0,
    fuzzy_matches        INTEGER      NOT NULL DEFAULT 0,
    confidence_metrics_json JSONB,
    recognizer_model     TEXT         NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at           TIMESTAMPTZ,
    completed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status
    ON jobs (status);

CREATE INDEX IF NOT EXISTS idx_jobs_api_key
    ON jobs (api_key_id, created_at);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created
    ON jobs (status, created_at);

ALTER TABLE jobs ADD COLUMN IF NOT EXISTS confidence_metrics_json JSONB;
`

const ddlLexiconTerms = `
CREATE TABLE IF NOT EXISTS lexicon_terms (
    id              TEXT         PRIMARY KEY,
    lexicon_id      TEXT         NOT NULL,
    term            TEXT         NOT NULL,
    normalized_term TEXT         NOT NULL,
    replacement     TEXT         NOT NULL,
    active          BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_lexicon_terms_unique_active
    ON lexicon_terms (lexicon_id, normalized_term)
    WHERE active;

CREATE INDEX IF NOT EXISTS idx_lexicon_terms_lexicon
    ON lexicon_terms (lexicon_id);
`

const ddlAPIKeys = `
CREATE TABLE IF NOT EXISTS api_keys (
    id         TEXT         PRIMARY KEY,
    key_hash   TEXT         NOT NULL UNIQUE,
    name       TEXT         NOT NULL DEFAULT '',
    is_admin   BOOLEAN      NOT NULL DEFAULT FALSE,
    active     BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id             TEXT         PRIMARY KEY,
    job_id         TEXT         NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
    api_key_id     TEXT         NOT NULL,
    original_text  TEXT         NOT NULL,
    corrected_text TEXT         NOT NULL,
    comment        TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL DEFAULT 'PENDING',
    confidence     DOUBLE PRECISION,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_job
    ON feedback (job_id);

CREATE INDEX IF NOT EXISTS idx_feedback_status
    ON feedback (status, created_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlJobs,
		ddlLexiconTerms,
		ddlAPIKeys,
		ddlFeedback,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
