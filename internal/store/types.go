package store

import "time"

// JobStatus is the lifecycle state of a transcription job.
//
// Transitions are enforced with conditional UPDATEs so that concurrent
// workers cannot move a job along the same edge twice:
//
//	PENDING -> PROCESSING -> COMPLETED
//	                      -> FAILED
//	PENDING -> FAILED
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// FailureReason classifies why a job ended up FAILED.
type FailureReason string

const (
	// FailQuotaExceeded means the recogniser account is out of credit.
	FailQuotaExceeded FailureReason = "QUOTA_EXCEEDED"

	// FailRecognizerError covers recogniser failures that survived retries.
	FailRecognizerError FailureReason = "RECOGNIZER_ERROR"

	// FailAudioDecode means the recogniser rejected the audio payload.
	FailAudioDecode FailureReason = "AUDIO_DECODE"

	// FailMissingAudio means the stored audio file disappeared before the
	// worker could read it.
	FailMissingAudio FailureReason = "MISSING_AUDIO"

	// FailInternal covers unexpected worker-side errors.
	FailInternal FailureReason = "INTERNAL"

	// FailStuck is applied by the sweeper to jobs that sat in PROCESSING
	// far past the job timeout.
	FailStuck FailureReason = "STUCK"
)

// Job is a single transcription request and its lifecycle record.
type Job struct {
	ID        string
	APIKeyID  string
	LexiconID string
	Status    JobStatus

	// FailureReason is set only when Status is FAILED.
	FailureReason FailureReason

	AudioFormat string
	AudioBytes  int64
	Language    string

	// RawTranscript is the recogniser output before post-processing. It is
	// persisted as soon as recognition succeeds, while the job is still
	// PROCESSING, so a pipeline crash cannot lose it.
	RawTranscript string

	// ProcessedTranscript is the pipeline output. Equals RawTranscript when
	// every post-processing step failed or was disabled.
	ProcessedTranscript string

	Confidence       float64
	ConfidenceBucket string
	ExactMatches     int
	FuzzyMatches     int

	// ConfidenceMetrics is the raw JSON metrics document recorded with the
	// pipeline result, nil until the job completes.
	ConfidenceMetrics []byte

	RecognizerModel string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Term is one lexicon substitution rule.
type Term struct {
	ID        string
	LexiconID string

	// Term is the surface form as entered by the admin.
	Term string

	// NormalizedTerm is the canonical matching form (NFC, case-folded,
	// trimmed). Uniqueness among active terms is enforced per lexicon on
	// this column.
	NormalizedTerm string

	Replacement string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Lexicon summarises one named term collection.
type Lexicon struct {
	ID          string
	ActiveTerms int
	TotalTerms  int
	UpdatedAt   time.Time
}

// APIKey is a stored credential. Only the SHA-256 hash of the key material
// is persisted.
type APIKey struct {
	ID        string
	KeyHash   string
	Name      string
	IsAdmin   bool
	Active    bool
	CreatedAt time.Time
}

// FeedbackStatus is the review state of a correction suggestion.
type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "PENDING"
	FeedbackApproved FeedbackStatus = "APPROVED"
	FeedbackRejected FeedbackStatus = "REJECTED"

	// FeedbackAutoApproved marks corrections accepted without a human
	// review, written by external tooling. The review endpoint never sets
	// it.
	FeedbackAutoApproved FeedbackStatus = "AUTO_APPROVED"
)

// Feedback is a user-submitted correction for a completed transcript.
type Feedback struct {
	ID            string
	JobID         string
	APIKeyID      string
	OriginalText  string
	CorrectedText string
	Comment       string
	Status        FeedbackStatus

	// Confidence is an optional reviewer-supplied score in [0, 1] attached
	// on approval. Recorded only; the pipeline never reads it.
	Confidence *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}
