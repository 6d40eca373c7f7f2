// Package server exposes the HTTP API: job submission and status, lexicon
// term management, feedback review, health probes, and metrics.
//
// All typed errors from the service layer are mapped to status codes here
// and nowhere else.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curalog/vocalis/internal/feedback"
	"github.com/curalog/vocalis/internal/lexicon"
	"github.com/curalog/vocalis/internal/store"
	"github.com/curalog/vocalis/internal/submit"
)

// Submitter accepts audio uploads. Implemented by submit.Service.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*store.Job, error)
}

// JobReader resolves jobs with ownership enforced. Implemented by
// store.JobStore.
type JobReader interface {
	GetOwned(ctx context.Context, id, apiKeyID string) (*store.Job, error)
}

// KeyLookup resolves API keys by credential hash. Implemented by
// store.KeyStore.
type KeyLookup interface {
	GetByHash(ctx context.Context, keyHash string) (*store.APIKey, error)
}

// TermRepo manages lexicon terms. Implemented by store.TermStore.
type TermRepo interface {
	Create(ctx context.Context, t *store.Term) error
	Get(ctx context.Context, id string) (*store.Term, error)
	Update(ctx context.Context, t *store.Term) error
	Deactivate(ctx context.Context, id string) error
	ListActive(ctx context.Context, lexiconID string) ([]store.Term, error)
	List(ctx context.Context, lexiconID string) ([]store.Term, error)
	Lexicons(ctx context.Context) ([]store.Lexicon, error)
}

// CacheInvalidator drops compiled lexicons after a mutation. Implemented by
// lexicon.Cache.
type CacheInvalidator interface {
	Invalidate(lexiconID string)
}

// FeedbackService manages correction suggestions. Implemented by
// feedback.Service.
type FeedbackService interface {
	Submit(ctx context.Context, req feedback.SubmitRequest) (*store.Feedback, error)
	List(ctx context.Context, filter store.FeedbackFilter) ([]store.Feedback, error)
	Review(ctx context.Context, id string, status store.FeedbackStatus, confidence *float64) (*store.Feedback, error)
}

// Checker is a named readiness probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the HTTP handler dependencies.
type Server struct {
	submitter Submitter
	jobs      JobReader
	keys      KeyLookup
	terms     TermRepo
	cache     CacheInvalidator
	feedback  FeedbackService
	checkers  []Checker

	defaultLexicon string
	allowedOrigins []string
	logger         *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultLexicon sets the lexicon applied to submissions that name none.
func WithDefaultLexicon(id string) Option {
	return func(s *Server) { s.defaultLexicon = id }
}

// WithAllowedOrigins sets the CORS allow-list. Default: none.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithCheckers registers readiness probes served on /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithLogger sets the request logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wires a Server over its collaborators.
func New(submitter Submitter, jobs JobReader, keys KeyLookup, terms TermRepo, cache CacheInvalidator, fb FeedbackService, opts ...Option) *Server {
	s := &Server{
		submitter: submitter,
		jobs:      jobs,
		keys:      keys,
		terms:     terms,
		cache:     cache,
		feedback:  fb,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the full route tree. extra middlewares (e.g. the metrics
// middleware) run on every route.
func (s *Server) Router(extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(extra...)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Lexicon-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/feedback", s.handleSubmitFeedback)

		r.Get("/lexicons", s.handleListLexicons)
		r.Get("/lexicons/{lexiconID}", s.handleGetLexicon)
		r.Post("/lexicons/{lexiconID}/terms", s.handleCreateTerm)
		r.Put("/lexicons/{lexiconID}/terms/{termID}", s.handleUpdateTerm)
		r.Delete("/lexicons/{lexiconID}/terms/{termID}", s.handleDeleteTerm)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/feedback", s.handleListFeedback)
			r.Patch("/feedback/{feedbackID}", s.handleReviewFeedback)
		})
	})

	return r
}

// readyCheckTimeout bounds each individual readiness probe.
const readyCheckTimeout = 5 * time.Second

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checkers))
	status := http.StatusOK
	overall := "ok"

	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			overall = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Detail any `json:"detail"`
}

// validationDetail is the structured 422 payload for term validation.
type validationDetail struct {
	ErrorType string              `json:"error_type"`
	Message   string              `json:"message"`
	Errors    []lexicon.Violation `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func writeValidationError(w http.ResponseWriter, violations []lexicon.Violation) {
	writeError(w, http.StatusUnprocessableEntity, validationDetail{
		ErrorType: "validation_error",
		Message:   "term validation failed",
		Errors:    violations,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
