// Package mock provides a test double for the asr package interfaces.
//
// Use Provider to script transcription results (or a sequence of results)
// and inspect the requests the caller issued.
//
// Example:
//
//	p := &mock.Provider{Result: &asr.Result{Text: "hello"}}
//	res, _ := p.Transcribe(ctx, asr.Request{AudioPath: path})
package mock

import (
	"context"
	"sync"

	"github.com/curalog/vocalis/pkg/provider/asr"
)

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Result is returned by Transcribe when Results is empty.
	Result *asr.Result

	// Err is returned by Transcribe when Errs is empty.
	Err error

	// Results and Errs, when non-empty, script a per-call sequence: call N
	// receives Results[N] / Errs[N] (nil entries fall back to Result / Err).
	Results []*asr.Result
	Errs    []error

	// Calls records every Transcribe invocation in order.
	Calls []asr.Request
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(_ context.Context, req asr.Request) (*asr.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.Calls)
	p.Calls = append(p.Calls, req)

	res, err := p.Result, p.Err
	if n < len(p.Results) && p.Results[n] != nil {
		res = p.Results[n]
	}
	if n < len(p.Errs) {
		err = p.Errs[n]
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &asr.Result{}
	}
	return res, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
