package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/curalog/vocalis/pkg/provider/llm"
)

// Completer is the slice of the LLM provider the polish step needs.
// Satisfied by llm.Provider implementations.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// polishSystemPrompt instructs the model to clean up the transcript without
// changing its substance. The rules mirror what the deterministic steps
// guarantee: same language, same numerals, no invented content.
const polishSystemPrompt = `You are a transcript editor for medical dictation.

Improve punctuation, sentence segmentation, and obvious transcription slips
in the text the user sends. Follow these rules strictly:

1. Keep the original language. Never translate.
2. Preserve every numeral, dosage, and medical code exactly as written.
3. Do not add, remove, or reorder content. Do not summarise.
4. Do not wrap the output in quotes, markdown, or commentary.

Reply with the corrected text only.`

// polishTemperature keeps the rewrite near-deterministic.
const polishTemperature = 0.1

// polishStep sends the text to a large model for a final polish. Any
// provider error, timeout, or empty reply is reported as a step error, which
// the pipeline turns into a pass-through.
type polishStep struct {
	provider Completer
	timeout  time.Duration
}

func (st *polishStep) name() string { return "polish" }

func (st *polishStep) apply(ctx context.Context, s *state) error {
	if st.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.timeout)
		defer cancel()
	}

	resp, err := st.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: polishSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: s.text}},
		Temperature:  polishTemperature,
	})
	if err != nil {
		return err
	}

	polished := stripCodeFence(strings.TrimSpace(resp.Content))
	if polished == "" {
		return errors.New("polish: empty model response")
	}
	s.text = polished
	return nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// ignored the formatting instruction.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:] // drop the language tag line
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
