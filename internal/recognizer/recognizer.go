// Package recognizer wraps an asr.Provider with retry, backoff, and a
// circuit breaker. The worker talks to this client, never to a provider
// directly.
//
// Retry policy: timeouts, network failures, and 5xx responses are retried
// with exponential backoff and jitter up to a configured budget. Rate limits
// are retried too, honouring the server's Retry-After when present. Invalid
// keys, rejected formats, and exhausted quotas fail immediately.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"

	"github.com/curalog/vocalis/pkg/provider/asr"
)

// RetryPolicy tunes the backoff loop.
type RetryPolicy struct {
	// Max is the number of retries after the initial attempt.
	Max int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// Cap bounds the delay.
	Cap time.Duration
}

// DefaultRetryPolicy returns the documented defaults: 3 retries starting at
// one second, doubling, capped at a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Max: 3, Initial: time.Second, Multiplier: 2, Cap: 60 * time.Second}
}

// Observer receives per-call timing. Implemented by observe.Metrics.
type Observer interface {
	ObserveRecognition(provider string, d time.Duration, errKind string)
}

// Client is the resilient recogniser front the worker uses.
type Client struct {
	provider asr.Provider
	retry    RetryPolicy
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	observer Observer

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the client logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// New creates a Client around provider. The circuit breaker opens after five
// consecutive failures and probes again after 30 seconds; an open breaker
// fails calls fast with a server-kind error.
func New(provider asr.Provider, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "recognizer:" + provider.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("recognizer breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Transcribe runs one recognition with retries. The returned error is always
// an *asr.Error (or a context error when ctx ended during a backoff wait).
func (c *Client) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	delay := c.retry.Initial

	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := c.execute(ctx, req)
		elapsed := time.Since(start)

		kind := ""
		if err != nil {
			kind = string(asr.KindOf(err))
		}
		if c.observer != nil {
			c.observer.ObserveRecognition(c.provider.Name(), elapsed, kind)
		}

		if err == nil {
			c.logger.Info("recognition done",
				"provider", c.provider.Name(),
				"model", res.Model,
				"duration", elapsed,
				"attempt", attempt+1,
				"chars", len(res.Text))
			return res, nil
		}

		retryable := asr.Retryable(err) || asr.KindOf(err) == asr.KindRateLimit
		if !retryable || attempt >= c.retry.Max {
			c.logger.Error("recognition failed",
				"provider", c.provider.Name(),
				"duration", elapsed,
				"attempt", attempt+1,
				"kind", kind,
				"error", err)
			return nil, err
		}

		wait := jitter(delay)
		var asrErr *asr.Error
		if errors.As(err, &asrErr) && asrErr.Kind == asr.KindRateLimit && asrErr.RetryAfter > 0 {
			wait = asrErr.RetryAfter
		}
		c.logger.Warn("recognition attempt failed, backing off",
			"provider", c.provider.Name(),
			"attempt", attempt+1,
			"kind", kind,
			"wait", wait,
			"error", err)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("recognizer: wait for retry: %w", err)
		}
		delay = nextDelay(delay, c.retry)
	}
}

// Name returns the wrapped provider's name.
func (c *Client) Name() string { return c.provider.Name() }

// execute runs one attempt through the circuit breaker.
func (c *Client) execute(ctx context.Context, req asr.Request) (*asr.Result, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.provider.Transcribe(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, asr.NewError(asr.KindServer, "recognizer circuit open", err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*asr.Result), nil
}

func nextDelay(d time.Duration, p RetryPolicy) time.Duration {
	next := time.Duration(float64(d) * p.Multiplier)
	if p.Cap > 0 && next > p.Cap {
		return p.Cap
	}
	return next
}

// jitter spreads concurrent retries over [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
