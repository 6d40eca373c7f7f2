// Package asr defines the Provider interface for automatic speech
// recognition backends.
//
// An ASR provider wraps a remote recognition API (e.g., a self-hosted
// whisper-server or the OpenAI transcription endpoint) and exposes a uniform
// batch interface for the worker to transcribe uploaded audio files without
// coupling to any specific SDK or wire protocol.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly. All failures are reported as (or wrapped around)
// [*Error] values so that callers can classify them without inspecting
// provider-specific types.
package asr

import "context"

// Request carries everything a provider needs for one transcription call.
type Request struct {
	// AudioPath is the filesystem path of the audio file to transcribe.
	AudioPath string

	// Format is the audio container/codec tag derived from the original
	// upload ("wav", "mp3", ...). Providers may use it to set the upload
	// filename or content type.
	Format string

	// Language is an optional BCP-47 language hint (e.g., "fa", "en").
	// Empty means provider-side auto-detection.
	Language string
}

// Result is the outcome of a successful transcription call.
type Result struct {
	// Text is the raw transcript exactly as returned by the backend.
	Text string

	// Model identifies the model that produced the transcript, when the
	// backend reports one. May be empty.
	Model string
}

// Provider is the abstraction over any batch speech recognition backend.
//
// Implementations must be safe for concurrent use. Transcribe blocks until
// the backend responds, ctx is cancelled, or an error occurs; retry policy
// is the caller's concern, not the provider's.
type Provider interface {
	// Transcribe submits the audio file described by req and returns the
	// recognised text. Errors are classified [*Error] values.
	Transcribe(ctx context.Context, req Request) (*Result, error)

	// Name returns the provider's stable identifier ("whisper", "openai").
	// Used in logs and metric attributes.
	Name() string
}
