package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/curalog/vocalis/internal/store"
	"github.com/curalog/vocalis/internal/submit"
)

// multipartMemory caps the in-memory portion of multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 4 << 20

// jobAccepted is the 202 response to a submission.
type jobAccepted struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// jobStatus is the GET /jobs/{id} response. Optional fields are omitted
// until the lifecycle stage that populates them.
type jobStatus struct {
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	OriginalText     string     `json:"original_text,omitempty"`
	ProcessedText    string     `json:"processed_text,omitempty"`
	Error            string     `json:"error,omitempty"`
	ConfidenceScore  *float64   `json:"confidence_score,omitempty"`
	CorrectionCount  *int       `json:"correction_count,omitempty"`
	FuzzyMatchCount  *int       `json:"fuzzy_match_count,omitempty"`
	ConfidenceBucket string     `json:"confidence_bucket,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with an audio file")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	// Header wins over query; config default fills the rest.
	lexiconID := r.Header.Get("X-Lexicon-Id")
	if lexiconID == "" {
		lexiconID = r.URL.Query().Get("lexicon")
	}
	if lexiconID == "" {
		lexiconID = s.defaultLexicon
	}
	language := r.FormValue("language")
	if language == "" {
		language = r.URL.Query().Get("language")
	}

	key := keyFromContext(r.Context())
	job, err := s.submitter.Submit(r.Context(), submit.Request{
		APIKeyID:     key.ID,
		Filename:     header.Filename,
		LexiconID:    lexiconID,
		Language:     language,
		ContentType:  header.Header.Get("Content-Type"),
		DeclaredSize: header.Size,
		Body:         file,
	})
	switch {
	case errors.Is(err, submit.ErrUnsupportedFormat), errors.Is(err, submit.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, submit.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, submit.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		s.logger.Error("submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, jobAccepted{
		JobID:     job.ID,
		Status:    strings.ToLower(string(job.Status)),
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(jobID); err != nil {
		writeError(w, http.StatusBadRequest, "malformed job id")
		return
	}

	key := keyFromContext(r.Context())
	job, err := s.jobs.GetOwned(r.Context(), jobID, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, jobToStatus(job))
}

func jobToStatus(job *store.Job) jobStatus {
	out := jobStatus{
		JobID:       job.ID,
		Status:      strings.ToLower(string(job.Status)),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.Status {
	case store.StatusCompleted:
		out.OriginalText = job.RawTranscript
		out.ProcessedText = job.ProcessedTranscript
		conf := job.Confidence
		exact := job.ExactMatches
		fuzzy := job.FuzzyMatches
		out.ConfidenceScore = &conf
		out.CorrectionCount = &exact
		out.FuzzyMatchCount = &fuzzy
		out.ConfidenceBucket = job.ConfidenceBucket
	case store.StatusFailed:
		out.Error = string(job.FailureReason)
		// A failure after recognition still exposes the raw transcript.
		out.OriginalText = job.RawTranscript
	}
	return out
}
