package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/curalog/vocalis/internal/blob"
	"github.com/curalog/vocalis/internal/lexicon"
	"github.com/curalog/vocalis/internal/pipeline"
	"github.com/curalog/vocalis/internal/store"
	"github.com/curalog/vocalis/pkg/provider/asr"
	asrmock "github.com/curalog/vocalis/pkg/provider/asr/mock"
)

// fakeJobs mimics the conditional-update semantics of store.JobStore in
// memory.
type fakeJobs struct {
	jobs       map[string]*store.Job
	raw        map[string]string
	completed  map[string]store.Completion
	failed     map[string]store.FailureReason
	stale      []string
	stuck      []string
}

func newFakeJobs(jobs ...*store.Job) *fakeJobs {
	f := &fakeJobs{
		jobs:      make(map[string]*store.Job),
		raw:       make(map[string]string),
		completed: make(map[string]store.Completion),
		failed:    make(map[string]store.FailureReason),
	}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) Get(_ context.Context, id string) (*store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) MarkProcessing(_ context.Context, id string) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != store.StatusPending {
		return false, nil
	}
	j.Status = store.StatusProcessing
	return true, nil
}

func (f *fakeJobs) SetRawTranscript(_ context.Context, id, text, _ string) error {
	f.raw[id] = text
	return nil
}

func (f *fakeJobs) Complete(_ context.Context, id string, c store.Completion) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != store.StatusProcessing {
		return false, nil
	}
	j.Status = store.StatusCompleted
	f.completed[id] = c
	return true, nil
}

func (f *fakeJobs) Fail(_ context.Context, id string, reason store.FailureReason) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || (j.Status != store.StatusPending && j.Status != store.StatusProcessing) {
		return false, nil
	}
	j.Status = store.StatusFailed
	f.failed[id] = reason
	return true, nil
}

func (f *fakeJobs) StalePending(_ context.Context, _ time.Duration) ([]string, error) {
	return f.stale, nil
}

func (f *fakeJobs) StuckProcessing(_ context.Context, _ time.Duration) ([]string, error) {
	return f.stuck, nil
}

type fakeAudio struct {
	files   map[string]string
	removed []string
}

func (f *fakeAudio) Resolve(jobID, ext string) (string, error) {
	path, ok := f.files[jobID+"."+ext]
	if !ok {
		return "", blob.ErrNotFound
	}
	return path, nil
}

func (f *fakeAudio) Remove(jobID, ext string) error {
	f.removed = append(f.removed, jobID+"."+ext)
	return nil
}

type fakeLexicons struct {
	compiled *lexicon.Compiled
	err      error
	requests []string
}

func (f *fakeLexicons) Get(_ context.Context, lexiconID string) (*lexicon.Compiled, error) {
	f.requests = append(f.requests, lexiconID)
	return f.compiled, f.err
}

type fakePipe struct {
	out    pipeline.Outcome
	inputs []pipeline.Input
}

func (f *fakePipe) Process(_ context.Context, in pipeline.Input) pipeline.Outcome {
	f.inputs = append(f.inputs, in)
	if f.out.Text == "" {
		return pipeline.Outcome{Text: in.Text, Confidence: 1, Bucket: "excellent"}
	}
	return f.out
}

type fakeQueue struct {
	acked        []string
	enqueued     []string
	contains     map[string]bool
	reapRequeued []string
	reapDropped  []string
}

func (f *fakeQueue) Dequeue(context.Context, time.Duration) (string, int, error) {
	return "", 0, nil
}

func (f *fakeQueue) Ack(_ context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) Contains(_ context.Context, jobID string) (bool, error) {
	return f.contains[jobID], nil
}

func (f *fakeQueue) Reap(context.Context) ([]string, []string, error) {
	return f.reapRequeued, f.reapDropped, nil
}

func pendingJob(id string) *store.Job {
	return &store.Job{
		ID:          id,
		APIKeyID:    "key-1",
		LexiconID:   "medical",
		Status:      store.StatusPending,
		AudioFormat: "wav",
		Language:    "fa",
	}
}

func testPool(jobs *fakeJobs, q *fakeQueue, audio *fakeAudio, stt *asrmock.Provider, lexicons *fakeLexicons, pipe *fakePipe) *Pool {
	return NewPool(q, jobs, audio, stt, lexicons, pipe,
		WithCount(1), WithJobTimeout(time.Minute), WithPollInterval(time.Millisecond))
}

func TestHandleHappyPath(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("job-1"))
	q := &fakeQueue{}
	audio := &fakeAudio{files: map[string]string{"job-1.wav": "/audio/job-1.wav"}}
	stt := &asrmock.Provider{Result: &asr.Result{Text: "بیمار ام ار ای دارد", Model: "large-v3"}}
	lexicons := &fakeLexicons{}
	pipe := &fakePipe{out: pipeline.Outcome{
		Text: "بیمار ام‌آرآی دارد", Confidence: 0.98, Bucket: "excellent", ExactMatches: 1,
	}}
	p := testPool(jobs, q, audio, stt, lexicons, pipe)

	p.handle(context.Background(), slog.Default(), "job-1", 1)

	if jobs.jobs["job-1"].Status != store.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", jobs.jobs["job-1"].Status)
	}
	if jobs.raw["job-1"] != "بیمار ام ار ای دارد" {
		t.Errorf("raw transcript = %q", jobs.raw["job-1"])
	}
	c := jobs.completed["job-1"]
	if c.ProcessedTranscript != "بیمار ام‌آرآی دارد" || c.ExactMatches != 1 {
		t.Errorf("completion = %+v", c)
	}
	if len(stt.Calls) != 1 || stt.Calls[0].AudioPath != "/audio/job-1.wav" {
		t.Errorf("stt calls = %+v", stt.Calls)
	}
	if len(lexicons.requests) != 1 || lexicons.requests[0] != "medical" {
		t.Errorf("lexicon requests = %v", lexicons.requests)
	}
	if len(q.acked) != 1 || q.acked[0] != "job-1" {
		t.Errorf("acked = %v", q.acked)
	}
	if len(audio.removed) != 1 {
		t.Errorf("removed = %v, want audio released after success", audio.removed)
	}
}

func TestHandlePersistsPipelineMetrics(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("job-1"))
	audio := &fakeAudio{files: map[string]string{"job-1.wav": "/audio/job-1.wav"}}
	stt := &asrmock.Provider{Result: &asr.Result{Text: "some raw text"}}
	pipe := &fakePipe{out: pipeline.Outcome{
		Text: "some processed text", Confidence: 0.9, Bucket: "good",
		Metrics: pipeline.Metrics{
			WordCount:   3,
			InputLength: 13,
			Steps:       []pipeline.StepMetrics{{Step: "lexicon", DurationMS: 1.5}},
		},
	}}
	p := testPool(jobs, &fakeQueue{}, audio, stt, &fakeLexicons{}, pipe)

	p.handle(context.Background(), slog.Default(), "job-1", 1)

	var got pipeline.Metrics
	if err := json.Unmarshal(jobs.completed["job-1"].MetricsJSON, &got); err != nil {
		t.Fatalf("metrics json: %v", err)
	}
	if got.WordCount != 3 || len(got.Steps) != 1 || got.Steps[0].Step != "lexicon" {
		t.Errorf("metrics = %+v", got)
	}
}

func TestHandleFailureReleasesAudio(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("job-1"))
	audio := &fakeAudio{files: map[string]string{"job-1.wav": "/audio/job-1.wav"}}
	stt := &asrmock.Provider{Err: asr.NewError(asr.KindServer, "boom", nil)}
	p := testPool(jobs, &fakeQueue{}, audio, stt, &fakeLexicons{}, &fakePipe{})

	p.handle(context.Background(), slog.Default(), "job-1", 1)

	if jobs.failed["job-1"] != store.FailRecognizerError {
		t.Fatalf("failure reason = %q", jobs.failed["job-1"])
	}
	if len(audio.removed) != 1 {
		t.Errorf("removed = %v, want the blob released on failure too", audio.removed)
	}
}

func TestHandleLostClaim(t *testing.T) {
	t.Parallel()

	job := pendingJob("job-1")
	job.Status = store.StatusProcessing // someone else claimed it already
	jobs := newFakeJobs(job)
	q := &fakeQueue{}
	stt := &asrmock.Provider{}
	p := testPool(jobs, q, &fakeAudio{}, stt, &fakeLexicons{}, &fakePipe{})

	p.handle(context.Background(), slog.Default(), "job-1", 2)

	if stt.CallCount() != 0 {
		t.Error("a lost claim must not reach the recogniser")
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v, want the duplicate delivery acknowledged", q.acked)
	}
}

func TestHandleUnknownJob(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	q := &fakeQueue{}
	p := testPool(jobs, q, &fakeAudio{}, &asrmock.Provider{}, &fakeLexicons{}, &fakePipe{})

	p.handle(context.Background(), slog.Default(), "ghost", 1)
	if len(q.acked) != 1 {
		t.Errorf("acked = %v, want ghost entries dropped", q.acked)
	}
}

func TestHandleMissingAudio(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("job-1"))
	q := &fakeQueue{}
	stt := &asrmock.Provider{}
	p := testPool(jobs, q, &fakeAudio{}, stt, &fakeLexicons{}, &fakePipe{})

	p.handle(context.Background(), slog.Default(), "job-1", 1)

	if jobs.failed["job-1"] != store.FailMissingAudio {
		t.Errorf("failure reason = %q, want MISSING_AUDIO", jobs.failed["job-1"])
	}
	if stt.CallCount() != 0 {
		t.Error("missing audio must not reach the recogniser")
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
}

func TestHandleMissingAudioSkipsRemoval(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("job-1"))
	audio := &fakeAudio{}
	p := testPool(jobs, &fakeQueue{}, audio, &asrmock.Provider{}, &fakeLexicons{}, &fakePipe{})

	p.handle(context.Background(), slog.Default(), "job-1", 1)

	if len(audio.removed) != 0 {
		t.Errorf("removed = %v, want nothing: the blob was already gone", audio.removed)
	}
}

func TestHandleFailureReasonMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind asr.Kind
		want store.FailureReason
	}{
		{asr.KindQuota, store.FailQuotaExceeded},
		{asr.KindFormatRejected, store.FailAudioDecode},
		{asr.KindServer, store.FailRecognizerError},
		{asr.KindTimeout, store.FailRecognizerError},
		{asr.KindInvalidKey, store.FailRecognizerError},
	}
	for _, tt := range tests {
		jobs := newFakeJobs(pendingJob("job-1"))
		audio := &fakeAudio{files: map[string]string{"job-1.wav": "/audio/job-1.wav"}}
		stt := &asrmock.Provider{Err: asr.NewError(tt.kind, "boom", nil)}
		p := testPool(jobs, &fakeQueue{}, audio, stt, &fakeLexicons{}, &fakePipe{})

		p.handle(context.Background(), slog.Default(), "job-1", 1)
		if jobs.failed["job-1"] != tt.want {
			t.Errorf("kind %v: failure reason = %q, want %q", tt.kind, jobs.failed["job-1"], tt.want)
		}
	}
}

func TestHandleLexiconFailureDegrades(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("job-1"))
	audio := &fakeAudio{files: map[string]string{"job-1.wav": "/audio/job-1.wav"}}
	stt := &asrmock.Provider{Result: &asr.Result{Text: "raw text"}}
	lexicons := &fakeLexicons{err: context.DeadlineExceeded}
	pipe := &fakePipe{}
	p := testPool(jobs, &fakeQueue{}, audio, stt, lexicons, pipe)

	p.handle(context.Background(), slog.Default(), "job-1", 1)

	if jobs.jobs["job-1"].Status != store.StatusCompleted {
		t.Errorf("status = %q; lexicon failure must not fail the job", jobs.jobs["job-1"].Status)
	}
	if len(pipe.inputs) != 1 || pipe.inputs[0].Lexicon != nil {
		t.Errorf("pipeline input = %+v, want nil lexicon", pipe.inputs)
	}
}

func TestSweeperRequeuesOrphanedPending(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(pendingJob("lost"), pendingJob("queued"))
	jobs.stale = []string{"lost", "queued"}
	q := &fakeQueue{contains: map[string]bool{"queued": true}}
	s := NewSweeper(jobs, q, time.Minute, 5*time.Minute, 15*time.Minute, nil)

	s.Sweep(context.Background())

	if len(q.enqueued) != 1 || q.enqueued[0] != "lost" {
		t.Errorf("enqueued = %v, want only the job missing from the queue", q.enqueued)
	}
}

func TestSweeperFailsStuckProcessing(t *testing.T) {
	t.Parallel()

	job := pendingJob("stuck")
	job.Status = store.StatusProcessing
	jobs := newFakeJobs(job)
	jobs.stuck = []string{"stuck"}
	q := &fakeQueue{}
	s := NewSweeper(jobs, q, time.Minute, 5*time.Minute, 15*time.Minute, nil)

	s.Sweep(context.Background())

	if jobs.failed["stuck"] != store.FailStuck {
		t.Errorf("failure reason = %q, want STUCK", jobs.failed["stuck"])
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
}

func TestSweeperFailsDroppedDeliveries(t *testing.T) {
	t.Parallel()

	job := pendingJob("dropped")
	job.Status = store.StatusProcessing
	jobs := newFakeJobs(job)
	q := &fakeQueue{reapDropped: []string{"dropped"}}
	s := NewSweeper(jobs, q, time.Minute, 5*time.Minute, 15*time.Minute, nil)

	s.Sweep(context.Background())

	if jobs.failed["dropped"] != store.FailInternal {
		t.Errorf("failure reason = %q, want INTERNAL", jobs.failed["dropped"])
	}
}
