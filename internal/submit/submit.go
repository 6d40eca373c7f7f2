// Package submit implements audio upload intake: validation, blob write,
// job creation, and enqueueing.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/curalog/vocalis/internal/store"
)

// Typed intake failures. The HTTP layer maps these to status codes.
var (
	ErrUnsupportedFormat = errors.New("submit: unsupported audio format")
	ErrUnsupportedType   = errors.New("submit: unsupported content type")
	ErrTooLarge          = errors.New("submit: audio exceeds size limit")
	ErrEmptyAudio        = errors.New("submit: empty audio payload")
)

// allowedFormats are the audio container extensions the recognisers accept.
var allowedFormats = map[string]bool{
	"wav":  true,
	"mp3":  true,
	"m4a":  true,
	"ogg":  true,
	"flac": true,
	"mp4":  true,
	"mpeg": true,
	"mpga": true,
	"webm": true,
}

// AllowedFormat reports whether ext (without dot, any case) is accepted.
func AllowedFormat(ext string) bool {
	return allowedFormats[strings.ToLower(ext)]
}

// allowedTypes are the declared media types accepted alongside a valid
// extension. Generic octet-stream is tolerated since many clients never set
// a real type on uploads.
var allowedTypes = map[string]bool{
	"audio/wav":                true,
	"audio/x-wav":              true,
	"audio/wave":               true,
	"audio/mpeg":               true,
	"audio/mp3":                true,
	"audio/mp4":                true,
	"audio/m4a":                true,
	"audio/x-m4a":              true,
	"audio/ogg":                true,
	"audio/flac":               true,
	"audio/x-flac":             true,
	"audio/webm":               true,
	"video/mp4":                true,
	"video/webm":               true,
	"application/octet-stream": true,
}

// AllowedType reports whether the declared media type is accepted. The empty
// string passes: an absent declaration is not a wrong one. Parameters such as
// codecs are ignored.
func AllowedType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedTypes[mediaType]
}

// JobCreator persists new jobs. Implemented by store.JobStore.
type JobCreator interface {
	Create(ctx context.Context, job *store.Job) error
}

// BlobStore persists audio payloads. Implemented by blob.Store.
type BlobStore interface {
	Save(jobID, ext string, r io.Reader) (string, error)
	Remove(jobID, ext string) error
}

// Enqueuer pushes job ids onto the work queue. Implemented by queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Request is one upload.
type Request struct {
	APIKeyID  string
	Filename  string
	LexiconID string
	Language  string

	// ContentType is the client-declared media type, "" when not declared.
	ContentType string

	// DeclaredSize is the client-declared payload size, 0 when unknown.
	DeclaredSize int64

	Body io.Reader
}

// Service validates uploads and turns them into pending jobs.
type Service struct {
	jobs     JobCreator
	blobs    BlobStore
	queue    Enqueuer
	maxBytes int64
	logger   *slog.Logger
}

// NewService creates a Service. maxBytes bounds the accepted payload size;
// a nil logger falls back to slog.Default.
func NewService(jobs JobCreator, blobs BlobStore, queue Enqueuer, maxBytes int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:     jobs,
		blobs:    blobs,
		queue:    queue,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Submit validates the upload, stores the audio, creates a PENDING job, and
// enqueues it. On a mid-flight failure the stored blob is removed so no
// orphan files accumulate.
//
// A failed enqueue after the job row exists is deliberately not fatal: the
// job stays PENDING and the sweeper re-enqueues it on its next pass.
func (s *Service) Submit(ctx context.Context, req Request) (*store.Job, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if !AllowedFormat(ext) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if !AllowedType(req.ContentType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, req.ContentType)
	}
	if req.DeclaredSize > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, req.DeclaredSize, s.maxBytes)
	}

	jobID := uuid.NewString()

	// Read one byte past the limit so oversized uploads are detected even
	// without a declared size.
	counter := &countingReader{r: io.LimitReader(req.Body, s.maxBytes+1)}
	if _, err := s.blobs.Save(jobID, ext, counter); err != nil {
		return nil, fmt.Errorf("submit: store audio: %w", err)
	}
	if counter.n > s.maxBytes {
		s.discard(jobID, ext)
		return nil, fmt.Errorf("%w: limit %d", ErrTooLarge, s.maxBytes)
	}
	if counter.n == 0 {
		s.discard(jobID, ext)
		return nil, ErrEmptyAudio
	}

	job := &store.Job{
		ID:          jobID,
		APIKeyID:    req.APIKeyID,
		LexiconID:   req.LexiconID,
		Status:      store.StatusPending,
		AudioFormat: ext,
		AudioBytes:  counter.n,
		Language:    req.Language,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.discard(jobID, ext)
		return nil, fmt.Errorf("submit: create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, jobID); err != nil {
		s.logger.Warn("enqueue failed, sweeper will pick the job up",
			"job_id", jobID, "error", err)
	}

	s.logger.Info("job submitted",
		"job_id", jobID,
		"api_key_id", req.APIKeyID,
		"format", ext,
		"bytes", counter.n,
		"lexicon_id", req.LexiconID)
	return job, nil
}

func (s *Service) discard(jobID, ext string) {
	if err := s.blobs.Remove(jobID, ext); err != nil {
		s.logger.Warn("cleanup of rejected upload failed", "job_id", jobID, "error", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
