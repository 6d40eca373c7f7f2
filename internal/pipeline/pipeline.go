// Package pipeline implements the deterministic post-processing applied to
// raw transcripts: lexicon substitution, text cleanup, numeral
// normalisation, and an optional large-model polish pass.
//
// Steps run in a fixed order over a mutating text. A step failure is never
// fatal: the failing step's changes are discarded, the failure is logged
// with the job id and step name, and the pipeline continues with the step's
// input. The worker therefore always gets a usable result, in the worst case
// the unmodified raw transcript.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/curalog/vocalis/internal/lexicon"
)

// state is the mutable view threaded through the steps.
type state struct {
	text     string
	language string
	lex      *lexicon.Compiled
	exact    int
	fuzzy    int
}

// step is one pipeline stage. Implementations mutate s in place and return
// an error only when their output must be discarded.
type step interface {
	name() string
	apply(ctx context.Context, s *state) error
}

// StepObserver receives per-step timing. Implemented by observe.Metrics.
type StepObserver interface {
	ObserveStep(step string, d time.Duration, failed bool)
}

// Input carries one transcript through Process.
type Input struct {
	JobID    string
	Text     string
	Language string

	// Lexicon is the compiled snapshot for this job, or nil when the job
	// has no lexicon. The substitution step is a no-op without one.
	Lexicon *lexicon.Compiled
}

// Outcome is the result of a Process call.
type Outcome struct {
	Text         string
	ExactMatches int
	FuzzyMatches int
	Confidence   float64
	Bucket       string
	Metrics      Metrics
}

// StepMetrics records one step execution.
type StepMetrics struct {
	Step        string  `json:"step"`
	DurationMS  float64 `json:"duration_ms"`
	LengthDelta int     `json:"length_delta"`
	Failed      bool    `json:"failed,omitempty"`
}

// Metrics summarises a Process call. It is persisted alongside the job so
// confidence scores can be audited after the fact. Lengths are in runes.
type Metrics struct {
	WordCount    int           `json:"word_count"`
	InputLength  int           `json:"input_length"`
	OutputLength int           `json:"output_length"`
	Steps        []StepMetrics `json:"steps,omitempty"`
}

// Weights are the coefficients of the confidence formula.
type Weights struct {
	// Alpha is subtracted once per exact match.
	Alpha float64

	// Beta is subtracted once per fuzzy match.
	Beta float64

	// Gamma scales the extra penalty when more than 20% of the words were
	// corrected.
	Gamma float64
}

// DefaultWeights returns the documented coefficient defaults.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.02, Beta: 0.05, Gamma: 0.5}
}

// Pipeline is the configured step sequence. Safe for concurrent use; all
// per-job state lives in the Process call.
type Pipeline struct {
	steps    []step
	weights  Weights
	logger   *slog.Logger
	observer StepObserver
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithSubstitution enables the lexicon substitution step. threshold is the
// minimum token-set similarity (0-100) for the fuzzy pass; fuzzy false
// disables that pass entirely.
func WithSubstitution(fuzzy bool, threshold int) Option {
	return func(p *Pipeline) {
		p.steps = append(p.steps, &substitutionStep{fuzzy: fuzzy, threshold: threshold})
	}
}

// WithCleanup enables the text cleanup step. languageNorm toggles
// locale-specific character rewrites (Arabic yeh/kaf to Persian forms).
func WithCleanup(languageNorm bool) Option {
	return func(p *Pipeline) {
		p.steps = append(p.steps, &cleanupStep{languageNorm: languageNorm})
	}
}

// WithNumerals enables the numeral normalisation step.
func WithNumerals(strategy NumeralStrategy) Option {
	return func(p *Pipeline) {
		p.steps = append(p.steps, &numeralStep{strategy: strategy})
	}
}

// WithPolish enables the large-model polish step. Each call is bounded by
// timeout; any provider error or empty response leaves the text unchanged.
func WithPolish(provider Completer, timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.steps = append(p.steps, &polishStep{provider: provider, timeout: timeout})
	}
}

// WithWeights overrides the confidence coefficients.
func WithWeights(w Weights) Option {
	return func(p *Pipeline) { p.weights = w }
}

// WithLogger sets the pipeline logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver attaches a per-step metrics observer.
func WithObserver(o StepObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

// New constructs a Pipeline. Steps run in the order their options are
// given; the conventional order is substitution, cleanup, numerals, polish.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		weights: DefaultWeights(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs every configured step over in.Text and returns the final
// text with correction counts and the confidence score. It never fails:
// step errors degrade to pass-throughs.
func (p *Pipeline) Process(ctx context.Context, in Input) Outcome {
	s := &state{
		text:     in.Text,
		language: in.Language,
		lex:      in.Lexicon,
	}
	words := len(strings.Fields(in.Text))
	metrics := Metrics{
		WordCount:   words,
		InputLength: utf8.RuneCountInString(in.Text),
	}

	for _, st := range p.steps {
		if ctx.Err() != nil {
			p.logger.Warn("pipeline interrupted",
				"job_id", in.JobID, "step", st.name(), "error", ctx.Err())
			break
		}

		before := s.text
		start := time.Now()
		err := st.apply(ctx, s)
		elapsed := time.Since(start)

		if p.observer != nil {
			p.observer.ObserveStep(st.name(), elapsed, err != nil)
		}
		if err != nil {
			s.text = before
			metrics.Steps = append(metrics.Steps, StepMetrics{
				Step:       st.name(),
				DurationMS: float64(elapsed) / float64(time.Millisecond),
				Failed:     true,
			})
			p.logger.Warn("pipeline step failed, continuing with its input",
				"job_id", in.JobID,
				"step", st.name(),
				"duration", elapsed,
				"error", err)
			continue
		}
		metrics.Steps = append(metrics.Steps, StepMetrics{
			Step:        st.name(),
			DurationMS:  float64(elapsed) / float64(time.Millisecond),
			LengthDelta: utf8.RuneCountInString(s.text) - utf8.RuneCountInString(before),
		})
		p.logger.Debug("pipeline step done",
			"job_id", in.JobID,
			"step", st.name(),
			"duration", elapsed,
			"changed", s.text != before)
	}
	metrics.OutputLength = utf8.RuneCountInString(s.text)

	score := Confidence(p.weights, s.exact, s.fuzzy, words)
	return Outcome{
		Text:         s.text,
		ExactMatches: s.exact,
		FuzzyMatches: s.fuzzy,
		Confidence:   score,
		Bucket:       Bucket(score),
		Metrics:      metrics,
	}
}

// Confidence computes the correction confidence score. Starting at 1.0 it
// subtracts w.Alpha per exact match and w.Beta per fuzzy match; when the
// corrected fraction of words exceeds 0.2 it subtracts an additional
// w.Gamma * (ratio - 0.2). The result is clamped to [0, 1].
func Confidence(w Weights, exact, fuzzy, words int) float64 {
	score := 1.0 - w.Alpha*float64(exact) - w.Beta*float64(fuzzy)
	if words > 0 {
		ratio := float64(exact+fuzzy) / float64(words)
		if ratio > 0.2 {
			score -= w.Gamma * (ratio - 0.2)
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Bucket maps a confidence score to its label. Buckets are derived, never
// stored authoritative data.
func Bucket(score float64) string {
	switch {
	case score >= 0.95:
		return "excellent"
	case score >= 0.85:
		return "good"
	case score >= 0.70:
		return "fair"
	default:
		return "poor"
	}
}
