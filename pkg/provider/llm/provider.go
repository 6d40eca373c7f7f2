// Package llm defines the Provider interface for Large Language Model
// backends.
//
// The service uses an LLM for exactly one thing: the optional final polish
// pass of the transcript post-processing pipeline. A provider wraps a remote
// or local model API (OpenAI, Anthropic, Ollama, ...) behind a minimal
// completion interface so the pipeline stays decoupled from any SDK.
//
// Implementations must be safe for concurrent use and must propagate
// context cancellation promptly.
package llm

import "context"

// Message is a single conversation turn sent to the model.
type Message struct {
	// Role is the speaker role: "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation. At minimum one user message.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. The polish pass
	// uses a low value for near-deterministic rewriting.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
