// Package openai provides an [asr.Provider] backed by the OpenAI audio
// transcription API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/curalog/vocalis/pkg/provider/asr"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = "whisper-1"

// Ensure Provider implements the asr.Provider interface.
var _ asr.Provider = (*Provider)(nil)

// Provider implements asr.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible transcription gateways.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, [DefaultModel] is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai asr: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name implements asr.Provider.
func (p *Provider) Name() string { return "openai" }

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "open audio file", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: p.model,
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return &asr.Result{Text: resp.Text, Model: p.model}, nil
}

// classify maps openai-go SDK errors to asr error kinds.
func classify(err error) *asr.Error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("openai returned HTTP %d", apiErr.StatusCode)
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return asr.NewError(asr.KindInvalidKey, msg, err)
		case apiErr.StatusCode == http.StatusBadRequest ||
			apiErr.StatusCode == http.StatusUnsupportedMediaType ||
			apiErr.StatusCode == http.StatusUnprocessableEntity:
			return asr.NewError(asr.KindFormatRejected, msg, err)
		case apiErr.StatusCode == http.StatusPaymentRequired:
			return asr.NewError(asr.KindQuota, msg, err)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			e := asr.NewError(asr.KindRateLimit, msg, err)
			if apiErr.Response != nil {
				e.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return e
		case apiErr.StatusCode >= 500:
			return asr.NewError(asr.KindServer, msg, err)
		}
		return asr.NewError(asr.KindUnexpected, msg, err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return asr.NewError(asr.KindTimeout, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return asr.NewError(asr.KindTimeout, "request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return asr.NewError(asr.KindTimeout, "http timeout", err)
	}
	return asr.NewError(asr.KindNetwork, "http request", err)
}

// parseRetryAfter interprets a Retry-After header as delay seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
