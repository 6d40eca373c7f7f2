package lexicon

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/curalog/vocalis/internal/store"
)

// Limits on term and replacement length, in runes.
const (
	MaxTermLength        = 200
	MaxReplacementLength = 500
)

// Issue codes attached to [Violation] records.
const (
	IssueRequired          = "required"
	IssueTooLong           = "too_long"
	IssueDuplicate         = "duplicate"
	IssueCircularReference = "circular_reference"
)

// Violation describes one field-level validation failure. Chain is set only
// for circular_reference and lists the substitution chain ending where it
// started, in the surface forms the terms were stored with.
type Violation struct {
	Field  string   `json:"field"`
	Issue  string   `json:"issue"`
	Value  string   `json:"value,omitempty"`
	Detail string   `json:"detail,omitempty"`
	Chain  []string `json:"chain,omitempty"`
}

// Warning is a non-blocking finding about a rule set, such as one term being
// a substring of another.
type Warning struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Result collects everything found while validating a term against its
// lexicon. A term is acceptable when Violations is empty; Warnings never
// block.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
}

// OK reports whether the validated term may be stored.
func (r *Result) OK() bool { return len(r.Violations) == 0 }

// ValidateTerm checks a candidate term and replacement against the existing
// active terms of the same lexicon. existing must contain the lexicon's
// current active terms, excluding the term being updated (when updating).
//
// Checks, in order:
//   - term and replacement are non-empty after normalisation
//   - length bounds ([MaxTermLength], [MaxReplacementLength], in runes)
//   - the normalized term is unique among active terms
//   - adding the rule introduces no substitution cycle (violation carrying
//     the full chain)
//   - substring overlap with existing terms (warning only)
func ValidateTerm(term, replacement string, existing []store.Term) *Result {
	res := &Result{}

	normalized := Normalize(term)
	if normalized == "" {
		res.Violations = append(res.Violations, Violation{
			Field: "term", Issue: IssueRequired, Value: term,
		})
	}
	if strings.TrimSpace(replacement) == "" {
		res.Violations = append(res.Violations, Violation{
			Field: "replacement", Issue: IssueRequired,
		})
	}
	if n := utf8.RuneCountInString(term); n > MaxTermLength {
		res.Violations = append(res.Violations, Violation{
			Field:  "term",
			Issue:  IssueTooLong,
			Detail: fmt.Sprintf("%d runes, maximum %d", n, MaxTermLength),
		})
	}
	if n := utf8.RuneCountInString(replacement); n > MaxReplacementLength {
		res.Violations = append(res.Violations, Violation{
			Field:  "replacement",
			Issue:  IssueTooLong,
			Detail: fmt.Sprintf("%d runes, maximum %d", n, MaxReplacementLength),
		})
	}
	if !res.OK() {
		return res
	}

	for _, t := range existing {
		if !t.Active {
			continue
		}
		if t.NormalizedTerm == normalized {
			res.Violations = append(res.Violations, Violation{
				Field:  "term",
				Issue:  IssueDuplicate,
				Value:  term,
				Detail: "an active term with the same normalized form already exists",
			})
			return res
		}
	}

	if chain := findCycle(term, normalized, replacement, existing); len(chain) > 0 {
		res.Violations = append(res.Violations, Violation{
			Field:  "replacement",
			Issue:  IssueCircularReference,
			Detail: strings.Join(chain, " -> "),
			Chain:  chain,
		})
		return res
	}

	for _, t := range existing {
		if !t.Active || t.NormalizedTerm == "" {
			continue
		}
		switch {
		case strings.Contains(normalized, t.NormalizedTerm):
			res.Warnings = append(res.Warnings, Warning{
				Kind:   "overlap",
				Detail: fmt.Sprintf("%q contains existing term %q; longest-match ordering decides which applies", normalized, t.NormalizedTerm),
			})
		case strings.Contains(t.NormalizedTerm, normalized):
			res.Warnings = append(res.Warnings, Warning{
				Kind:   "overlap",
				Detail: fmt.Sprintf("%q is contained in existing term %q; longest-match ordering decides which applies", normalized, t.NormalizedTerm),
			})
		}
	}
	return res
}

// findCycle checks whether adding the rule term -> replacement closes a
// substitution loop through the existing active rules. It returns the full
// chain ending where it started, in the surface forms the terms were stored
// with, or nil. Matching still happens on the normalized forms.
//
// Edges follow whole replacements: rule A points at rule B when the
// normalized form of A's replacement equals B's normalized term.
func findCycle(term, normalized, replacement string, existing []store.Term) []string {
	next := make(map[string]string, len(existing)+1)
	surface := make(map[string]string, len(existing)+1)
	for _, t := range existing {
		if t.Active && t.NormalizedTerm != "" {
			next[t.NormalizedTerm] = Normalize(t.Replacement)
			surface[t.NormalizedTerm] = t.Term
		}
	}
	next[normalized] = Normalize(replacement)
	surface[normalized] = strings.TrimSpace(term)

	chain := []string{surface[normalized]}
	seen := map[string]bool{normalized: true}
	cur := normalized
	for {
		step, ok := next[cur]
		if !ok {
			return nil
		}
		if _, isTerm := next[step]; !isTerm && step != normalized {
			// The replacement is not itself a term; the chain ends here.
			return nil
		}
		chain = append(chain, surface[step])
		if step == normalized {
			return chain
		}
		if seen[step] {
			// A loop that does not pass through the new rule already
			// existed; only report cycles the new rule introduces.
			return nil
		}
		seen[step] = true
		cur = step
	}
}
