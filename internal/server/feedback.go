package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/curalog/vocalis/internal/feedback"
	"github.com/curalog/vocalis/internal/store"
)

type feedbackPayload struct {
	CorrectedText string `json:"corrected_text"`
	Comment       string `json:"comment"`
}

type feedbackReviewPayload struct {
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence"`
}

type feedbackView struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	OriginalText  string    `json:"original_text"`
	CorrectedText string    `json:"corrected_text"`
	Comment       string    `json:"comment,omitempty"`
	Status        string    `json:"status"`
	Confidence    *float64  `json:"confidence,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var payload feedbackPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	key := keyFromContext(r.Context())
	f, err := s.feedback.Submit(r.Context(), feedback.SubmitRequest{
		JobID:         jobID,
		APIKeyID:      key.ID,
		CorrectedText: payload.CorrectedText,
		Comment:       payload.Comment,
	})
	switch {
	case errors.Is(err, feedback.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, feedback.ErrJobNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, feedback.ErrEmptyCorrection), errors.Is(err, feedback.ErrCorrectionTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit feedback failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, toFeedbackView(f))
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.FeedbackFilter{
		JobID:  q.Get("job_id"),
		Status: feedbackStatusFromWire(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "malformed offset")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed from timestamp, want RFC 3339")
			return
		}
		filter.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed to timestamp, want RFC 3339")
			return
		}
		filter.To = ts
	}

	records, err := s.feedback.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list feedback failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]feedbackView, 0, len(records))
	for i := range records {
		out = append(out, toFeedbackView(&records[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReviewFeedback(w http.ResponseWriter, r *http.Request) {
	feedbackID := chi.URLParam(r, "feedbackID")

	var payload feedbackReviewPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	status := feedbackStatusFromWire(payload.Status)
	f, err := s.feedback.Review(r.Context(), feedbackID, status, payload.Confidence)

	var transition *feedback.TransitionError
	switch {
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, map[string]string{
			"error_type": "invalid_transition",
			"current":    string(transition.Current),
			"requested":  string(transition.Requested),
		})
		return
	case errors.Is(err, feedback.ErrBadConfidence):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "feedback not found")
		return
	case err != nil:
		s.logger.Error("review feedback failed", "feedback_id", feedbackID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toFeedbackView(f))
}

func toFeedbackView(f *store.Feedback) feedbackView {
	return feedbackView{
		ID:            f.ID,
		JobID:         f.JobID,
		OriginalText:  f.OriginalText,
		CorrectedText: f.CorrectedText,
		Comment:       f.Comment,
		Status:        feedbackStatusToWire(f.Status),
		Confidence:    f.Confidence,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}

// Feedback statuses travel hyphenated in lowercase: AUTO_APPROVED is
// "auto-approved" on the wire.
func feedbackStatusFromWire(s string) store.FeedbackStatus {
	return store.FeedbackStatus(strings.ToUpper(strings.ReplaceAll(s, "-", "_")))
}

func feedbackStatusToWire(s store.FeedbackStatus) string {
	return strings.ToLower(strings.ReplaceAll(string(s), "_", "-"))
}
