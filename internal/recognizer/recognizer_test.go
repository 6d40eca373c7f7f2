package recognizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/curalog/vocalis/pkg/provider/asr"
	asrmock "github.com/curalog/vocalis/pkg/provider/asr/mock"
)

// newTestClient builds a Client whose backoff waits are recorded instead of
// slept.
func newTestClient(provider asr.Provider, opts ...Option) (*Client, *[]time.Duration) {
	c := New(provider, opts...)
	waits := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return c, waits
}

func TestTranscribeSuccessFirstTry(t *testing.T) {
	t.Parallel()

	provider := &asrmock.Provider{Result: &asr.Result{Text: "hello", Model: "large-v3"}}
	c, waits := newTestClient(provider)

	res, err := c.Transcribe(context.Background(), asr.Request{AudioPath: "/tmp/a.wav"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("Text = %q", res.Text)
	}
	if provider.CallCount() != 1 || len(*waits) != 0 {
		t.Errorf("calls = %d, waits = %v; want one call, no waits", provider.CallCount(), *waits)
	}
}

func TestTranscribeRetriesRateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	// Two 429s with Retry-After 2s, then success.
	rateLimited := asr.NewError(asr.KindRateLimit, "429", nil)
	rateLimited.RetryAfter = 2 * time.Second

	provider := &asrmock.Provider{
		Result: &asr.Result{Text: "done"},
		Errs:   []error{rateLimited, rateLimited, nil},
	}
	c, waits := newTestClient(provider)

	res, err := c.Transcribe(context.Background(), asr.Request{AudioPath: "/tmp/a.wav"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "done" {
		t.Errorf("Text = %q", res.Text)
	}
	if provider.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", provider.CallCount())
	}
	if len(*waits) != 2 {
		t.Fatalf("waits = %v, want 2 backoffs", *waits)
	}
	for _, w := range *waits {
		if w != 2*time.Second {
			t.Errorf("wait = %v, want the Retry-After value", w)
		}
	}
}

func TestTranscribeRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	provider := &asrmock.Provider{
		Result: &asr.Result{Text: "ok"},
		Errs: []error{
			asr.NewError(asr.KindNetwork, "connection refused", nil),
			asr.NewError(asr.KindServer, "502", nil),
			nil,
		},
	}
	c, waits := newTestClient(provider, WithRetryPolicy(RetryPolicy{
		Max: 3, Initial: 100 * time.Millisecond, Multiplier: 2, Cap: time.Second,
	}))

	if _, err := c.Transcribe(context.Background(), asr.Request{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if provider.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", provider.CallCount())
	}
	// Jittered waits stay within [initial/2, initial) and grow with the
	// multiplier.
	if len(*waits) != 2 {
		t.Fatalf("waits = %v", *waits)
	}
	if (*waits)[0] < 50*time.Millisecond || (*waits)[0] >= 100*time.Millisecond {
		t.Errorf("first wait = %v, want in [50ms, 100ms)", (*waits)[0])
	}
	if (*waits)[1] < 100*time.Millisecond || (*waits)[1] >= 200*time.Millisecond {
		t.Errorf("second wait = %v, want in [100ms, 200ms)", (*waits)[1])
	}
}

func TestTranscribeDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	for _, kind := range []asr.Kind{asr.KindInvalidKey, asr.KindFormatRejected, asr.KindQuota} {
		provider := &asrmock.Provider{Err: asr.NewError(kind, "permanent", nil)}
		c, waits := newTestClient(provider)

		_, err := c.Transcribe(context.Background(), asr.Request{})
		if asr.KindOf(err) != kind {
			t.Errorf("kind = %v, want %v", asr.KindOf(err), kind)
		}
		if provider.CallCount() != 1 || len(*waits) != 0 {
			t.Errorf("%v: calls = %d, waits = %v; want single attempt", kind, provider.CallCount(), *waits)
		}
	}
}

func TestTranscribeExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	provider := &asrmock.Provider{Err: asr.NewError(asr.KindTimeout, "deadline", nil)}
	c, _ := newTestClient(provider, WithRetryPolicy(RetryPolicy{
		Max: 2, Initial: time.Millisecond, Multiplier: 2, Cap: time.Second,
	}))

	_, err := c.Transcribe(context.Background(), asr.Request{})
	if asr.KindOf(err) != asr.KindTimeout {
		t.Fatalf("kind = %v, want timeout", asr.KindOf(err))
	}
	if provider.CallCount() != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", provider.CallCount())
	}
}

func TestTranscribeStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	provider := &asrmock.Provider{Err: asr.NewError(asr.KindNetwork, "down", nil)}
	c := New(provider)
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}

	_, err := c.Transcribe(context.Background(), asr.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if provider.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", provider.CallCount())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	provider := &asrmock.Provider{Err: asr.NewError(asr.KindServer, "500", nil)}
	c, _ := newTestClient(provider, WithRetryPolicy(RetryPolicy{
		Max: 10, Initial: time.Millisecond, Multiplier: 1, Cap: time.Millisecond,
	}))

	// 5 consecutive failures trip the breaker; later attempts fail fast
	// without reaching the provider.
	_, err := c.Transcribe(context.Background(), asr.Request{})
	if err == nil {
		t.Fatal("Transcribe should fail")
	}
	if asr.KindOf(err) != asr.KindServer {
		t.Errorf("kind = %v, want server", asr.KindOf(err))
	}
	if provider.CallCount() != 5 {
		t.Errorf("provider calls = %d, want 5 (breaker open afterwards)", provider.CallCount())
	}
}
