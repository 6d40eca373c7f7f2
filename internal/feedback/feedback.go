// Package feedback implements transcript correction suggestions: users file
// corrections against their completed jobs, admins review them.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/curalog/vocalis/internal/store"
)

// MaxCorrectedLength bounds corrected_text, in runes.
const MaxCorrectedLength = 50000

// Typed failures. The HTTP layer maps these to status codes.
var (
	ErrJobNotFound       = errors.New("feedback: job not found")
	ErrJobNotCompleted   = errors.New("feedback: job is not completed")
	ErrEmptyCorrection   = errors.New("feedback: corrected text is required")
	ErrCorrectionTooLong = fmt.Errorf("feedback: corrected text exceeds %d characters", MaxCorrectedLength)
	ErrBadConfidence     = errors.New("feedback: confidence must be within [0, 1]")
)

// TransitionError reports a review on a record that is no longer PENDING.
type TransitionError struct {
	Current   store.FeedbackStatus
	Requested store.FeedbackStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("feedback: invalid transition %s -> %s", e.Current, e.Requested)
}

// JobGetter resolves jobs with ownership enforced. Implemented by
// store.JobStore.
type JobGetter interface {
	GetOwned(ctx context.Context, id, apiKeyID string) (*store.Job, error)
}

// Repository is the persistence surface. Implemented by store.FeedbackStore.
type Repository interface {
	Create(ctx context.Context, f *store.Feedback) error
	Get(ctx context.Context, id string) (*store.Feedback, error)
	List(ctx context.Context, filter store.FeedbackFilter) ([]store.Feedback, error)
	UpdateStatus(ctx context.Context, id string, status store.FeedbackStatus, confidence *float64) (bool, error)
}

// Service validates and persists correction suggestions.
type Service struct {
	jobs   JobGetter
	repo   Repository
	logger *slog.Logger
}

// NewService creates a Service. A nil logger falls back to slog.Default.
func NewService(jobs JobGetter, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, repo: repo, logger: logger}
}

// SubmitRequest is one correction suggestion.
type SubmitRequest struct {
	JobID         string
	APIKeyID      string
	CorrectedText string
	Comment       string
}

// Submit files a PENDING correction against a completed job owned by the
// caller. The job's processed transcript is snapshotted as the original so a
// later reprocessing cannot change what the correction was made against.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*store.Feedback, error) {
	corrected := strings.TrimSpace(req.CorrectedText)
	if corrected == "" {
		return nil, ErrEmptyCorrection
	}
	if utf8.RuneCountInString(corrected) > MaxCorrectedLength {
		return nil, ErrCorrectionTooLong
	}

	job, err := s.jobs.GetOwned(ctx, req.JobID, req.APIKeyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("feedback: load job: %w", err)
	}
	if job.Status != store.StatusCompleted {
		return nil, fmt.Errorf("%w: status %s", ErrJobNotCompleted, job.Status)
	}

	f := &store.Feedback{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		APIKeyID:      req.APIKeyID,
		OriginalText:  job.ProcessedTranscript,
		CorrectedText: corrected,
		Comment:       strings.TrimSpace(req.Comment),
		Status:        store.FeedbackPending,
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, err
	}

	s.logger.Info("feedback submitted",
		"feedback_id", f.ID,
		"job_id", job.ID,
		"api_key_id", req.APIKeyID)
	return f, nil
}

// Get returns one feedback record, or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*store.Feedback, error) {
	return s.repo.Get(ctx, id)
}

// List returns feedback records matching filter, newest first.
func (s *Service) List(ctx context.Context, filter store.FeedbackFilter) ([]store.Feedback, error) {
	return s.repo.List(ctx, filter)
}

// Review moves a PENDING record to APPROVED or REJECTED. An optional reviewer
// confidence in [0, 1] may accompany an approval; it is rejected elsewhere.
// Reviewing an already-reviewed record returns *TransitionError.
func (s *Service) Review(ctx context.Context, id string, status store.FeedbackStatus, confidence *float64) (*store.Feedback, error) {
	if status != store.FeedbackApproved && status != store.FeedbackRejected {
		return nil, &TransitionError{Current: store.FeedbackPending, Requested: status}
	}
	if confidence != nil {
		if status != store.FeedbackApproved {
			return nil, fmt.Errorf("%w: confidence is only accepted on approval", ErrBadConfidence)
		}
		if *confidence < 0 || *confidence > 1 {
			return nil, fmt.Errorf("%w: got %v", ErrBadConfidence, *confidence)
		}
	}

	done, err := s.repo.UpdateStatus(ctx, id, status, confidence)
	if err != nil {
		return nil, err
	}
	if !done {
		current, err := s.repo.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, &TransitionError{Current: current.Status, Requested: status}
	}

	s.logger.Info("feedback reviewed", "feedback_id", id, "status", status)
	return s.repo.Get(ctx, id)
}
