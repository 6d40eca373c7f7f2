package pipeline

import (
	"context"
	"testing"

	"github.com/curalog/vocalis/internal/lexicon"
	"github.com/curalog/vocalis/internal/store"
)

// makeLexicon compiles a lexicon from term -> replacement pairs.
func makeLexicon(pairs map[string]string) *lexicon.Compiled {
	var terms []store.Term
	for term, repl := range pairs {
		terms = append(terms, store.Term{
			Term:           term,
			NormalizedTerm: lexicon.Normalize(term),
			Replacement:    repl,
			Active:         true,
		})
	}
	return lexicon.Compile("test", terms)
}

func runSubstitution(t *testing.T, st *substitutionStep, text string, lex *lexicon.Compiled) *state {
	t.Helper()
	s := &state{text: text, lex: lex}
	if err := st.apply(context.Background(), s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return s
}

func TestExactWholeWordOnly(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{"doctor": "physician"})
	st := &substitutionStep{fuzzy: false}

	s := runSubstitution(t, st, "the doctors met a doctor today", lex)
	if s.text != "the doctors met a physician today" {
		t.Errorf("text = %q", s.text)
	}
	if s.exact != 1 {
		t.Errorf("exact = %d, want 1", s.exact)
	}
}

func TestExactCountsEveryOccurrence(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{"mri": "magnetic resonance imaging"})
	st := &substitutionStep{fuzzy: false}

	s := runSubstitution(t, st, "mri first, mri second", lex)
	if s.exact != 2 {
		t.Errorf("exact = %d, want 2", s.exact)
	}
}

func TestLongestMatchFirst(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{
		"mri":      "imaging",
		"mri scan": "magnetic resonance scan",
	})
	st := &substitutionStep{fuzzy: false}

	s := runSubstitution(t, st, "schedule an mri scan", lex)
	if s.text != "schedule an magnetic resonance scan" {
		t.Errorf("text = %q; longer phrase must win over its sub-phrase", s.text)
	}
	if s.exact != 1 {
		t.Errorf("exact = %d, want 1", s.exact)
	}
}

func TestCasePreservation(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{"mri": "magnetic resonance"})
	st := &substitutionStep{fuzzy: false}

	tests := []struct {
		in, want string
	}{
		{"MRI", "MAGNETIC RESONANCE"},
		{"Mri", "Magnetic Resonance"},
		{"mri", "magnetic resonance"},
		{"mRi", "magnetic resonance"}, // mixed case: replacement as stored
	}
	for _, tt := range tests {
		s := runSubstitution(t, st, tt.in, lex)
		if s.text != tt.want {
			t.Errorf("substitute(%q) = %q, want %q", tt.in, s.text, tt.want)
		}
	}
}

func TestCasePreservationUppercaseReplacement(t *testing.T) {
	t.Parallel()

	// The stored replacement is already all caps; a title-cased match must
	// still come out title-cased, not as the stored form.
	lex := makeLexicon(map[string]string{"mri": "MRI"})
	st := &substitutionStep{fuzzy: false}

	tests := []struct {
		in, want string
	}{
		{"MRI", "MRI"},
		{"Mri", "Mri"},
		{"mri", "MRI"}, // no case pattern to impose: replacement as stored
	}
	for _, tt := range tests {
		s := runSubstitution(t, st, tt.in, lex)
		if s.text != tt.want {
			t.Errorf("substitute(%q) = %q, want %q", tt.in, s.text, tt.want)
		}
	}
}

func TestPersianMultiWordTerm(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{"ام ار ای": "ام‌آرآی"})
	st := &substitutionStep{fuzzy: false}

	s := runSubstitution(t, st, "بیمار ام ار ای انجام داد", lex)
	if s.text != "بیمار ام‌آرآی انجام داد" {
		t.Errorf("text = %q", s.text)
	}
	if s.exact != 1 {
		t.Errorf("exact = %d, want 1", s.exact)
	}
}

func TestFuzzyReplacesNearMiss(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{"ultrasound": "سونوگرافی"})
	st := &substitutionStep{fuzzy: true, threshold: 85}

	s := runSubstitution(t, st, "an ultrasond was performed", lex)
	if s.text != "an سونوگرافی was performed" {
		t.Errorf("text = %q", s.text)
	}
	if s.fuzzy != 1 {
		t.Errorf("fuzzy = %d, want 1", s.fuzzy)
	}
	if s.exact != 0 {
		t.Errorf("exact = %d, want 0", s.exact)
	}
}

func TestFuzzyBelowThresholdIgnored(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{"ultrasound": "سونوگرافی"})
	st := &substitutionStep{fuzzy: true, threshold: 85}

	s := runSubstitution(t, st, "the patient was discharged", lex)
	if s.fuzzy != 0 {
		t.Errorf("fuzzy = %d, want 0", s.fuzzy)
	}
	if s.text != "the patient was discharged" {
		t.Errorf("text = %q, want unchanged", s.text)
	}
}

func TestSubstitutionIdempotent(t *testing.T) {
	t.Parallel()

	lex := makeLexicon(map[string]string{
		"mri":        "magnetic resonance imaging",
		"ultrasound": "سونوگرافی",
	})
	st := &substitutionStep{fuzzy: true, threshold: 85}

	first := runSubstitution(t, st, "mri and ultrasond ordered", lex)
	second := runSubstitution(t, st, first.text, lex)
	if second.text != first.text {
		t.Errorf("second pass changed text: %q -> %q", first.text, second.text)
	}
}

func TestNoLexiconIsNoop(t *testing.T) {
	t.Parallel()

	st := &substitutionStep{fuzzy: true, threshold: 85}
	s := &state{text: "anything at all"}
	if err := st.apply(context.Background(), s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.text != "anything at all" || s.exact != 0 || s.fuzzy != 0 {
		t.Errorf("state mutated without a lexicon: %+v", s)
	}
}

func TestApplyCasePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		span, repl, want string
	}{
		{"MRI", "magnetic resonance", "MAGNETIC RESONANCE"},
		{"Scan", "تصویربرداری", "تصویربرداری"}, // caseless replacement survives ToUpper/title unchanged
		{"Mri", "magnetic resonance", "Magnetic Resonance"},
		{"Mri", "MRI", "Mri"},
		{"mri", "magnetic resonance", "magnetic resonance"},
		{"سونو", "ultrasound", "ultrasound"}, // caseless span: as stored
	}
	for _, tt := range tests {
		if got := applyCasePattern(tt.span, tt.repl); got != tt.want {
			t.Errorf("applyCasePattern(%q, %q) = %q, want %q", tt.span, tt.repl, got, tt.want)
		}
	}
}

func TestTokenSetRatio(t *testing.T) {
	t.Parallel()

	if got := tokenSetRatio("mri scan", "scan mri"); got != 100 {
		t.Errorf("token order must not matter, got %d", got)
	}
	if got := tokenSetRatio("ultrasond", "ultrasound"); got < 85 {
		t.Errorf("near-miss similarity = %d, want >= 85", got)
	}
	if got := tokenSetRatio("discharged", "ultrasound"); got >= 85 {
		t.Errorf("unrelated similarity = %d, want < 85", got)
	}
}
