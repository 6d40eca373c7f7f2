package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curalog/vocalis/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOCALIS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOCALIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCALIS_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := store.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS feedback CASCADE",
		"DROP TABLE IF EXISTS api_keys CASCADE",
		"DROP TABLE IF EXISTS lexicon_terms CASCADE",
		"DROP TABLE IF EXISTS jobs CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func newTestJob(t *testing.T, st *store.Store) *store.Job {
	t.Helper()
	job := &store.Job{
		ID:          uuid.NewString(),
		APIKeyID:    "key-1",
		LexiconID:   "medical-fa",
		AudioFormat: "wav",
		AudioBytes:  2048,
		Language:    "fa",
	}
	if err := st.Jobs().Create(context.Background(), job); err != nil {
		t.Fatalf("Create job: %v", err)
	}
	return job
}

func TestJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, st)

	got, err := st.Jobs().Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Errorf("new job status = %q, want PENDING", got.Status)
	}

	claimed, err := st.Jobs().MarkProcessing(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if !claimed {
		t.Fatal("first MarkProcessing should claim the job")
	}

	// Second claim must lose: the job is no longer PENDING.
	claimed, err = st.Jobs().MarkProcessing(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkProcessing (second): %v", err)
	}
	if claimed {
		t.Error("second MarkProcessing should not claim an already-claimed job")
	}

	if err := st.Jobs().SetRawTranscript(ctx, job.ID, "بیمار مراجعه کرد", "large-v3"); err != nil {
		t.Fatalf("SetRawTranscript: %v", err)
	}

	done, err := st.Jobs().Complete(ctx, job.ID, store.Completion{
		ProcessedTranscript: "بیمار مراجعه کرد.",
		Confidence:          0.96,
		ConfidenceBucket:    "excellent",
		ExactMatches:        2,
		MetricsJSON:         []byte(`{"word_count":3,"steps":[{"step":"lexicon","duration_ms":1.2}]}`),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !done {
		t.Fatal("Complete should succeed on a PROCESSING job")
	}

	got, err = st.Jobs().Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get after complete: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", got.Status)
	}
	if got.RawTranscript == "" || got.ProcessedTranscript == "" {
		t.Error("transcripts should be persisted")
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Error("StartedAt and CompletedAt should be set")
	}
	if len(got.ConfidenceMetrics) == 0 {
		t.Error("ConfidenceMetrics should round-trip through the JSONB column")
	}

	// Terminal state is final.
	failed, err := st.Jobs().Fail(ctx, job.ID, store.FailInternal)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed {
		t.Error("Fail should not touch a COMPLETED job")
	}
}

func TestJobFailFromPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, st)

	failed, err := st.Jobs().Fail(ctx, job.ID, store.FailMissingAudio)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !failed {
		t.Fatal("Fail should move a PENDING job to FAILED")
	}

	got, err := st.Jobs().Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FailureReason != store.FailMissingAudio {
		t.Errorf("failure reason = %q, want MISSING_AUDIO", got.FailureReason)
	}
}

func TestJobGetOwned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, st)

	if _, err := st.Jobs().GetOwned(ctx, job.ID, "key-1"); err != nil {
		t.Fatalf("GetOwned by owner: %v", err)
	}
	if _, err := st.Jobs().GetOwned(ctx, job.ID, "someone-else"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetOwned by stranger = %v, want ErrNotFound", err)
	}
}

func TestStalePendingAndStuckProcessing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, st)

	// With a zero age cutoff every PENDING job qualifies.
	stale, err := st.Jobs().StalePending(ctx, 0)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(stale) != 1 || stale[0] != job.ID {
		t.Errorf("StalePending = %v, want [%s]", stale, job.ID)
	}

	if _, err := st.Jobs().MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	stuck, err := st.Jobs().StuckProcessing(ctx, 0)
	if err != nil {
		t.Fatalf("StuckProcessing: %v", err)
	}
	if len(stuck) != 1 || stuck[0] != job.ID {
		t.Errorf("StuckProcessing = %v, want [%s]", stuck, job.ID)
	}

	// A generous cutoff excludes the fresh job.
	stuck, err = st.Jobs().StuckProcessing(ctx, time.Hour)
	if err != nil {
		t.Fatalf("StuckProcessing (1h): %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("StuckProcessing (1h) = %v, want empty", stuck)
	}
}

func TestTermUniquenessAmongActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := &store.Term{
		ID:             uuid.NewString(),
		LexiconID:      "medical-fa",
		Term:           "MRI",
		NormalizedTerm: "mri",
		Replacement:    "ام‌آرآی",
	}
	if err := st.Terms().Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := &store.Term{
		ID:             uuid.NewString(),
		LexiconID:      "medical-fa",
		Term:           "mri",
		NormalizedTerm: "mri",
		Replacement:    "other",
	}
	if err := st.Terms().Create(ctx, dup); !errors.Is(err, store.ErrDuplicateTerm) {
		t.Fatalf("Create duplicate = %v, want ErrDuplicateTerm", err)
	}

	// Deactivating the original frees the normalized form.
	if err := st.Terms().Deactivate(ctx, first.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := st.Terms().Create(ctx, dup); err != nil {
		t.Fatalf("Create after deactivate: %v", err)
	}

	active, err := st.Terms().ListActive(ctx, "medical-fa")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ListActive returned %d terms, want 1", len(active))
	}

	all, err := st.Terms().List(ctx, "medical-fa")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List returned %d terms, want 2", len(all))
	}
}

func TestKeyLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	key := &store.APIKey{
		ID:      uuid.NewString(),
		KeyHash: "deadbeef",
		Name:    "ci",
		IsAdmin: true,
	}
	if err := st.Keys().Create(ctx, key); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Keys().GetByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if !got.IsAdmin {
		t.Error("IsAdmin should round-trip")
	}

	if _, err := st.Keys().GetByHash(ctx, "unknown"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetByHash unknown = %v, want ErrNotFound", err)
	}
}

func TestFeedbackStatusTransition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, st)

	fb := &store.Feedback{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		APIKeyID:      "key-1",
		OriginalText:  "ام ار ای",
		CorrectedText: "ام‌آرآی",
	}
	if err := st.Feedback().Create(ctx, fb); err != nil {
		t.Fatalf("Create: %v", err)
	}

	conf := 0.9
	ok, err := st.Feedback().UpdateStatus(ctx, fb.ID, store.FeedbackApproved, &conf)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !ok {
		t.Fatal("UpdateStatus should succeed on a PENDING record")
	}

	// Reviewed records stay reviewed.
	ok, err = st.Feedback().UpdateStatus(ctx, fb.ID, store.FeedbackRejected, nil)
	if err != nil {
		t.Fatalf("UpdateStatus (second): %v", err)
	}
	if ok {
		t.Error("UpdateStatus should not re-review an APPROVED record")
	}

	records, err := st.Feedback().List(ctx, store.FeedbackFilter{Status: store.FeedbackApproved})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List(APPROVED) returned %d records, want 1", len(records))
	}
	if records[0].Confidence == nil || *records[0].Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", records[0].Confidence)
	}
}

func TestFeedbackListDateRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, st)

	fb := &store.Feedback{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		APIKeyID:      "key-1",
		OriginalText:  "a",
		CorrectedText: "b",
	}
	if err := st.Feedback().Create(ctx, fb); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now()
	records, err := st.Feedback().List(ctx, store.FeedbackFilter{
		From: now.Add(-time.Hour),
		To:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("List within range returned %d records, want 1", len(records))
	}

	records, err = st.Feedback().List(ctx, store.FeedbackFilter{From: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("List (future from): %v", err)
	}
	if len(records) != 0 {
		t.Errorf("List with future from returned %d records, want 0", len(records))
	}

	records, err = st.Feedback().List(ctx, store.FeedbackFilter{To: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("List (past to): %v", err)
	}
	if len(records) != 0 {
		t.Errorf("List with past to returned %d records, want 0", len(records))
	}
}
