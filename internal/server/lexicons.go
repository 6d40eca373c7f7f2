package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/curalog/vocalis/internal/lexicon"
	"github.com/curalog/vocalis/internal/store"
)

type lexiconSummary struct {
	ID          string    `json:"id"`
	ActiveTerms int       `json:"active_terms"`
	TotalTerms  int       `json:"total_terms"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type termView struct {
	ID             string    `json:"id"`
	LexiconID      string    `json:"lexicon_id"`
	Term           string    `json:"term"`
	NormalizedTerm string    `json:"normalized_term"`
	Replacement    string    `json:"replacement"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type lexiconDetail struct {
	ID    string     `json:"id"`
	Terms []termView `json:"terms"`
}

// termPayload is the POST/PUT request body.
type termPayload struct {
	Term        string `json:"term"`
	Replacement string `json:"replacement"`
}

// termCreated is returned on successful mutation, with any non-blocking
// validation warnings attached.
type termCreated struct {
	termView
	Warnings []lexicon.Warning `json:"warnings,omitempty"`
}

func (s *Server) handleListLexicons(w http.ResponseWriter, r *http.Request) {
	lexicons, err := s.terms.Lexicons(r.Context())
	if err != nil {
		s.logger.Error("list lexicons failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]lexiconSummary, 0, len(lexicons))
	for _, l := range lexicons {
		out = append(out, lexiconSummary{
			ID:          l.ID,
			ActiveTerms: l.ActiveTerms,
			TotalTerms:  l.TotalTerms,
			UpdatedAt:   l.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLexicon(w http.ResponseWriter, r *http.Request) {
	lexiconID := chi.URLParam(r, "lexiconID")
	terms, err := s.terms.List(r.Context(), lexiconID)
	if err != nil {
		s.logger.Error("list terms failed", "lexicon_id", lexiconID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(terms) == 0 {
		writeError(w, http.StatusNotFound, "lexicon not found")
		return
	}

	out := lexiconDetail{ID: lexiconID, Terms: make([]termView, 0, len(terms))}
	for _, t := range terms {
		out.Terms = append(out.Terms, toTermView(&t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTerm(w http.ResponseWriter, r *http.Request) {
	lexiconID := chi.URLParam(r, "lexiconID")

	var payload termPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	existing, err := s.terms.ListActive(r.Context(), lexiconID)
	if err != nil {
		s.logger.Error("list active terms failed", "lexicon_id", lexiconID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	res := lexicon.ValidateTerm(payload.Term, payload.Replacement, existing)
	if !res.OK() {
		writeValidationError(w, res.Violations)
		return
	}

	term := &store.Term{
		ID:             uuid.NewString(),
		LexiconID:      lexiconID,
		Term:           payload.Term,
		NormalizedTerm: lexicon.Normalize(payload.Term),
		Replacement:    payload.Replacement,
		Active:         true,
	}
	if err := s.terms.Create(r.Context(), term); err != nil {
		s.termMutationError(w, err, lexiconID)
		return
	}
	s.cache.Invalidate(lexiconID)

	s.logger.Info("term created", "lexicon_id", lexiconID, "term_id", term.ID)
	writeJSON(w, http.StatusCreated, termCreated{termView: toTermView(term), Warnings: res.Warnings})
}

func (s *Server) handleUpdateTerm(w http.ResponseWriter, r *http.Request) {
	lexiconID := chi.URLParam(r, "lexiconID")
	termID := chi.URLParam(r, "termID")

	var payload termPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	current, err := s.terms.Get(r.Context(), termID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "term not found")
		return
	}
	if err != nil {
		s.logger.Error("load term failed", "term_id", termID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if current.LexiconID != lexiconID {
		writeError(w, http.StatusNotFound, "term not found")
		return
	}

	active, err := s.terms.ListActive(r.Context(), lexiconID)
	if err != nil {
		s.logger.Error("list active terms failed", "lexicon_id", lexiconID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Uniqueness and cycle checks must not trip over the row being replaced.
	others := active[:0:0]
	for _, t := range active {
		if t.ID != termID {
			others = append(others, t)
		}
	}

	res := lexicon.ValidateTerm(payload.Term, payload.Replacement, others)
	if !res.OK() {
		writeValidationError(w, res.Violations)
		return
	}

	current.Term = payload.Term
	current.NormalizedTerm = lexicon.Normalize(payload.Term)
	current.Replacement = payload.Replacement
	if err := s.terms.Update(r.Context(), current); err != nil {
		s.termMutationError(w, err, lexiconID)
		return
	}
	s.cache.Invalidate(lexiconID)

	s.logger.Info("term updated", "lexicon_id", lexiconID, "term_id", termID)
	writeJSON(w, http.StatusOK, termCreated{termView: toTermView(current), Warnings: res.Warnings})
}

func (s *Server) handleDeleteTerm(w http.ResponseWriter, r *http.Request) {
	lexiconID := chi.URLParam(r, "lexiconID")
	termID := chi.URLParam(r, "termID")

	current, err := s.terms.Get(r.Context(), termID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && current.LexiconID != lexiconID) {
		writeError(w, http.StatusNotFound, "term not found")
		return
	}
	if err != nil {
		s.logger.Error("load term failed", "term_id", termID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.terms.Deactivate(r.Context(), termID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "term not found")
			return
		}
		s.logger.Error("deactivate term failed", "term_id", termID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.cache.Invalidate(lexiconID)

	s.logger.Info("term deactivated", "lexicon_id", lexiconID, "term_id", termID)
	w.WriteHeader(http.StatusNoContent)
}

// termMutationError maps store-level term failures. A duplicate here means a
// concurrent writer won the race after validation passed.
func (s *Server) termMutationError(w http.ResponseWriter, err error, lexiconID string) {
	if errors.Is(err, store.ErrDuplicateTerm) {
		writeValidationError(w, []lexicon.Violation{{
			Field: "term",
			Issue: lexicon.IssueDuplicate,
		}})
		return
	}
	s.logger.Error("term mutation failed", "lexicon_id", lexiconID, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func toTermView(t *store.Term) termView {
	return termView{
		ID:             t.ID,
		LexiconID:      t.LexiconID,
		Term:           t.Term,
		NormalizedTerm: t.NormalizedTerm,
		Replacement:    t.Replacement,
		Active:         t.Active,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}
