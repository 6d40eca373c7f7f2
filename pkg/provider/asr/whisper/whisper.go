// Package whisper provides an [asr.Provider] backed by a self-hosted
// whisper-server binary, which exposes a REST API at POST /inference.
//
// The provider submits the uploaded audio file as multipart/form-data and
// parses the JSON response. whisper-server is a batch engine, which matches
// the job-based nature of this service: one file in, one transcript out.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithModel("large-v3"),
//	    whisper.WithLanguage("fa"),
//	)
//	res, err := p.Transcribe(ctx, asr.Request{AudioPath: path})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/curalog/vocalis/pkg/provider/asr"
)

const defaultTimeout = 60 * time.Second

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper server
// (e.g., "base", "large-v3"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code sent with every request.
// A per-request language in [asr.Request] takes precedence.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-call HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements asr.Provider against a whisper-server instance.
// Safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider that connects to the whisper server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements asr.Provider.
func (p *Provider) Name() string { return "whisper" }

// Transcribe implements asr.Provider. It uploads the file at req.AudioPath
// to POST /inference and returns the recognised text.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "open audio file", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "create form file", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "copy audio data", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return nil, asr.NewError(asr.KindUnexpected, "write language field", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, asr.NewError(asr.KindUnexpected, "write model field", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "close multipart writer", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "create request", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, asr.NewError(asr.KindNetwork, "read response body", err)
	}

	var result struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, asr.NewError(asr.KindUnexpected, "parse JSON response", err)
	}

	model := result.Model
	if model == "" {
		model = p.model
	}
	return &asr.Result{Text: result.Text, Model: model}, nil
}

// classifyTransportError maps errors from http.Client.Do to asr error kinds.
func classifyTransportError(err error) *asr.Error {
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

// classifyStatus maps non-200 whisper-server responses to asr error kinds.
// The body (truncated) is included in the message for logs.
func classifyStatus(resp *http.Response) *asr.Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := fmt.Sprintf("server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return asr.NewError(asr.KindInvalidKey, msg, nil)
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnsupportedMediaType ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		return asr.NewError(asr.KindFormatRejected, msg, nil)
	case resp.StatusCode == http.StatusPaymentRequired:
		return asr.NewError(asr.KindQuota, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := asr.NewError(asr.KindRateLimit, msg, nil)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e
	case resp.StatusCode >= 500:
		return asr.NewError(asr.KindServer, msg, nil)
	}
	return asr.NewError(asr.KindUnexpected, msg, nil)
}

// parseRetryAfter interprets a Retry-After header as delay seconds.
// HTTP-date values and malformed input yield zero (caller uses its own backoff).
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
