// Package worker drains the job queue and drives the job state machine:
// claim, transcribe, post-process, persist, acknowledge.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/curalog/vocalis/internal/blob"
	"github.com/curalog/vocalis/internal/lexicon"
	"github.com/curalog/vocalis/internal/pipeline"
	"github.com/curalog/vocalis/internal/queue"
	"github.com/curalog/vocalis/internal/store"
	"github.com/curalog/vocalis/pkg/provider/asr"
)

// JobQueue is the queue surface the pool and sweeper consume. Implemented
// by queue.Queue.
type JobQueue interface {
	Dequeue(ctx context.Context, wait time.Duration) (string, int, error)
	Ack(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, jobID string) error
	Contains(ctx context.Context, jobID string) (bool, error)
	Reap(ctx context.Context) (requeued, dropped []string, err error)
}

// JobStore is the persistence surface the pool and sweeper consume.
// Implemented by store.JobStore.
type JobStore interface {
	Get(ctx context.Context, id string) (*store.Job, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	SetRawTranscript(ctx context.Context, id, text, model string) error
	Complete(ctx context.Context, id string, c store.Completion) (bool, error)
	Fail(ctx context.Context, id string, reason store.FailureReason) (bool, error)
	StalePending(ctx context.Context, age time.Duration) ([]string, error)
	StuckProcessing(ctx context.Context, age time.Duration) ([]string, error)
}

// AudioStore resolves and releases stored audio. Implemented by blob.Store.
type AudioStore interface {
	Resolve(jobID, ext string) (string, error)
	Remove(jobID, ext string) error
}

// Transcriber runs speech recognition. Implemented by recognizer.Client.
type Transcriber interface {
	Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error)
}

// LexiconLoader serves compiled lexicons. Implemented by lexicon.Cache.
type LexiconLoader interface {
	Get(ctx context.Context, lexiconID string) (*lexicon.Compiled, error)
}

// Processor runs the post-processing pipeline. Implemented by
// pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, in pipeline.Input) pipeline.Outcome
}

// Observer receives per-job timing. Implemented by observe.Metrics.
type Observer interface {
	ObserveJob(outcome string, d time.Duration)
}

// Pool runs N worker routines over the queue.
type Pool struct {
	queue    JobQueue
	jobs     JobStore
	audio    AudioStore
	stt      Transcriber
	lexicons LexiconLoader
	pipe     Processor
	logger   *slog.Logger
	observer Observer

	count        int
	jobTimeout   time.Duration
	pollInterval time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithCount sets the number of worker routines. Default: 2.
func WithCount(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.count = n
		}
	}
}

// WithJobTimeout bounds each job's wall-clock budget. Default: 5 minutes.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithPollInterval sets how long a dequeue blocks before looping.
// Default: 2 seconds.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLogger sets the pool logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver attaches a per-job metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// NewPool wires a worker pool over its collaborators.
func NewPool(q JobQueue, jobs JobStore, audio AudioStore, stt Transcriber, lexicons LexiconLoader, pipe Processor, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		jobs:         jobs,
		audio:        audio,
		stt:          stt,
		lexicons:     lexicons,
		pipe:         pipe,
		logger:       slog.Default(),
		count:        2,
		jobTimeout:   5 * time.Minute,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the worker routines and blocks until ctx is cancelled and all
// routines have drained their current job.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		jobID, deliveries, err := p.queue.Dequeue(ctx, p.pollInterval)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			sleepCtx(ctx, p.pollInterval)
			continue
		}
		p.handle(ctx, logger, jobID, deliveries)
	}
}

// handle drives one job from claim to terminal state. It acknowledges the
// queue entry in every branch except transient infrastructure errors, where
// the reaper redelivers.
func (p *Pool) handle(ctx context.Context, logger *slog.Logger, jobID string, deliveries int) {
	start := time.Now()
	logger = logger.With("job_id", jobID)

	job, err := p.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dequeued unknown job")
		p.ack(ctx, logger, jobID)
		return
	}
	if err != nil {
		logger.Error("load job failed", "error", err)
		return
	}

	claimed, err := p.jobs.MarkProcessing(ctx, jobID)
	if err != nil {
		logger.Error("claim failed", "error", err)
		return
	}
	if !claimed {
		// Another worker won the claim, or the job is already terminal.
		logger.Debug("job not claimable", "status", job.Status)
		p.ack(ctx, logger, jobID)
		return
	}

	jctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	outcome := p.process(jctx, logger, job)

	// Terminal writes use the worker context: an exhausted job budget must
	// not prevent recording the result.
	p.finish(ctx, logger, job, outcome)
	p.ack(ctx, logger, jobID)

	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveJob(outcome.label(), elapsed)
	}
	logger.Info("job finished",
		"outcome", outcome.label(),
		"deliveries", deliveries,
		"duration", elapsed)
}

// jobOutcome is the result of process, consumed by finish.
type jobOutcome struct {
	failReason store.FailureReason
	completion store.Completion
}

func (o jobOutcome) label() string {
	if o.failReason != "" {
		return "failed:" + string(o.failReason)
	}
	return "completed"
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, job *store.Job) jobOutcome {
	path, err := p.audio.Resolve(job.ID, job.AudioFormat)
	if errors.Is(err, blob.ErrNotFound) {
		return jobOutcome{failReason: store.FailMissingAudio}
	}
	if err != nil {
		logger.Error("resolve audio failed", "error", err)
		return jobOutcome{failReason: store.FailInternal}
	}

	res, err := p.stt.Transcribe(ctx, asr.Request{
		AudioPath: path,
		Format:    job.AudioFormat,
		Language:  job.Language,
	})
	if err != nil {
		return jobOutcome{failReason: failureReason(err)}
	}

	// Raw transcript first: a pipeline crash cannot lose the recognition.
	if err := p.jobs.SetRawTranscript(ctx, job.ID, res.Text, res.Model); err != nil {
		logger.Error("persist raw transcript failed", "error", err)
	}

	var lex *lexicon.Compiled
	if job.LexiconID != "" {
		lex, err = p.lexicons.Get(ctx, job.LexiconID)
		if err != nil {
			// Degrade to no substitution rather than failing the job.
			logger.Warn("lexicon unavailable, skipping substitution",
				"lexicon_id", job.LexiconID, "error", err)
			lex = nil
		}
	}

	out := p.pipe.Process(ctx, pipeline.Input{
		JobID:    job.ID,
		Text:     res.Text,
		Language: job.Language,
		Lexicon:  lex,
	})

	metricsJSON, err := json.Marshal(out.Metrics)
	if err != nil {
		logger.Warn("encode pipeline metrics failed", "error", err)
		metricsJSON = nil
	}

	return jobOutcome{completion: store.Completion{
		ProcessedTranscript: out.Text,
		Confidence:          out.Confidence,
		ConfidenceBucket:    out.Bucket,
		ExactMatches:        out.ExactMatches,
		FuzzyMatches:        out.FuzzyMatches,
		MetricsJSON:         metricsJSON,
	}}
}

func (p *Pool) finish(ctx context.Context, logger *slog.Logger, job *store.Job, outcome jobOutcome) {
	if outcome.failReason != "" {
		done, err := p.jobs.Fail(ctx, job.ID, outcome.failReason)
		if err != nil {
			logger.Error("mark failed failed", "reason", outcome.failReason, "error", err)
		} else if !done {
			logger.Warn("job already terminal", "reason", outcome.failReason)
		}
		// The audio is released on failure too; a FAILED job is never
		// re-run. Nothing to remove when the blob was already gone.
		if outcome.failReason != store.FailMissingAudio {
			if err := p.audio.Remove(job.ID, job.AudioFormat); err != nil {
				logger.Warn("audio cleanup failed", "error", err)
			}
		}
		return
	}

	done, err := p.jobs.Complete(ctx, job.ID, outcome.completion)
	if err != nil {
		logger.Error("mark completed failed", "error", err)
		return
	}
	if !done {
		// The sweeper failed the job as stuck while we were working.
		logger.Warn("job reached terminal state elsewhere, discarding result")
		return
	}

	if err := p.audio.Remove(job.ID, job.AudioFormat); err != nil {
		logger.Warn("audio cleanup failed", "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		logger.Warn("ack failed, reaper will resolve", "error", err)
	}
}

// failureReason maps a recogniser error to the stored failure reason.
func failureReason(err error) store.FailureReason {
	switch asr.KindOf(err) {
	case asr.KindQuota:
		return store.FailQuotaExceeded
	case asr.KindFormatRejected:
		return store.FailAudioDecode
	default:
		return store.FailRecognizerError
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
