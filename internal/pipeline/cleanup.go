package pipeline

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// markerPattern matches transcription artifacts like "[music]" or
// "[ناواضح]" emitted by recognisers for non-speech segments.
var markerPattern = regexp.MustCompile(`\[[^\[\]]*\]`)

// punctuationReplacer maps punctuation variants to canonical forms.
var punctuationReplacer = strings.NewReplacer(
	"…", "...",
	"—", "-",
	"–", "-",
)

// arabicReplacer rewrites Arabic letter variants to their Persian forms.
// Whisper models mix the two freely in Persian output.
var arabicReplacer = strings.NewReplacer(
	"ي", "ی",
	"ك", "ک",
	"ى", "ی",
	"ة", "ه",
)

// cleanupStep normalises the transcript text: Unicode NFC, artifact marker
// removal, punctuation canonicalisation, optional locale-specific character
// rewrites, and whitespace collapsing that keeps paragraph breaks.
type cleanupStep struct {
	languageNorm bool
}

func (st *cleanupStep) name() string { return "cleanup" }

func (st *cleanupStep) apply(_ context.Context, s *state) error {
	text := norm.NFC.String(s.text)
	text = markerPattern.ReplaceAllString(text, "")
	text = punctuationReplacer.Replace(text)
	if st.languageNorm {
		text = arabicReplacer.Replace(text)
	}
	text = collapseWhitespace(text)
	s.text = strings.TrimSpace(text)
	return nil
}

// collapseWhitespace reduces every whitespace run to a single space, except
// runs containing two or more newlines, which become one paragraph break.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inRun := false
	newlines := 0
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			inRun = true
			if r == '\n' {
				newlines++
			}
		default:
			if inRun {
				if newlines >= 2 {
					b.WriteString("\n\n")
				} else {
					b.WriteByte(' ')
				}
				inRun = false
				newlines = 0
			}
			b.WriteRune(r)
		}
	}
	if inRun {
		b.WriteByte(' ')
	}
	return b.String()
}
