// Package lexicon turns stored substitution terms into the compiled form the
// post-processing pipeline consumes, validates rule sets, and caches
// compiled lexicons with a TTL.
package lexicon

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/curalog/vocalis/internal/store"
)

// Normalize returns the canonical matching form of a term: NFC-normalised,
// case-folded, and trimmed. Uniqueness, matching, and cycle detection all
// operate on this form.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// Rule is one compiled substitution rule.
type Rule struct {
	// Term is the surface form as stored.
	Term string

	// Normalized is the canonical matching form of Term.
	Normalized string

	// Replacement is the text substituted on a match.
	Replacement string

	// Words is the number of whitespace-separated tokens in Normalized.
	Words int
}

// Compiled is an immutable, match-ready lexicon. The pipeline treats it as a
// read-only snapshot; a new snapshot replaces it wholesale on cache refresh.
type Compiled struct {
	// LexiconID identifies the source lexicon.
	LexiconID string

	// Rules is ordered longest normalized form first (by rune count), ties
	// broken lexicographically, so greedy matching prefers the most
	// specific rule.
	Rules []Rule

	// MaxWords is the largest Words value across Rules. Bounds the n-gram
	// window during matching.
	MaxWords int

	// byNormalized indexes Rules by their normalized form.
	byNormalized map[string]*Rule
}

// Compile builds a match-ready snapshot from active terms. Inactive terms
// and terms whose normalized form is empty are skipped.
func Compile(lexiconID string, terms []store.Term) *Compiled {
	c := &Compiled{
		LexiconID:    lexiconID,
		byNormalized: make(map[string]*Rule, len(terms)),
	}

	for _, t := range terms {
		if !t.Active {
			continue
		}
		n := t.NormalizedTerm
		if n == "" {
			n = Normalize(t.Term)
		}
		if n == "" {
			continue
		}
		c.Rules = append(c.Rules, Rule{
			Term:        t.Term,
			Normalized:  n,
			Replacement: t.Replacement,
			Words:       len(strings.Fields(n)),
		})
	}

	sort.Slice(c.Rules, func(i, j int) bool {
		li := len([]rune(c.Rules[i].Normalized))
		lj := len([]rune(c.Rules[j].Normalized))
		if li != lj {
			return li > lj
		}
		return c.Rules[i].Normalized < c.Rules[j].Normalized
	})

	for i := range c.Rules {
		r := &c.Rules[i]
		c.byNormalized[r.Normalized] = r
		if r.Words > c.MaxWords {
			c.MaxWords = r.Words
		}
	}
	return c
}

// Lookup returns the rule whose normalized form equals the normalized form
// of s, if any.
func (c *Compiled) Lookup(s string) (*Rule, bool) {
	r, ok := c.byNormalized[Normalize(s)]
	return r, ok
}

// Len returns the number of compiled rules.
func (c *Compiled) Len() int { return len(c.Rules) }
