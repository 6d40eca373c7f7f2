package pipeline

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/curalog/vocalis/internal/lexicon"
)

// zwnj joins Persian word parts; it is kept inside word tokens so compound
// words are matched as a unit.
const zwnj = '‌'

// substitutionStep rewrites the text using the job's compiled lexicon.
//
// The exact pass walks the rules longest-first and replaces every whole-word
// case-insensitive occurrence serially over the mutating text, so longer
// phrases cannot be shadowed by their sub-phrases. The optional fuzzy pass
// then matches remaining word tokens against the rules by token-set
// similarity. Both passes preserve the case pattern of the matched span.
type substitutionStep struct {
	fuzzy     bool
	threshold int
}

func (st *substitutionStep) name() string { return "lexicon" }

func (st *substitutionStep) apply(_ context.Context, s *state) error {
	if s.lex == nil || s.lex.Len() == 0 {
		return nil
	}

	text := s.text
	for i := range s.lex.Rules {
		rule := &s.lex.Rules[i]
		var n int
		text, n = replaceWholeWord(text, strings.Fields(rule.Normalized), rule.Replacement, false)
		s.exact += n
	}

	if st.fuzzy {
		var n int
		text, n = st.fuzzyPass(text, s.lex)
		s.fuzzy += n
	}

	s.text = text
	return nil
}

// fuzzyPass matches word tokens without an exact lexicon hit against every
// rule by token-set similarity and replaces the occurrences of the best
// match at or above the threshold. Ties go to the higher score, then to the
// longer term.
func (st *substitutionStep) fuzzyPass(text string, lex *lexicon.Compiled) (string, int) {
	// Tokens that already equal a replacement are skipped so a second pass
	// over processed text stays a no-op.
	replForms := make(map[string]bool, lex.Len())
	for i := range lex.Rules {
		replForms[lexicon.Normalize(lex.Rules[i].Replacement)] = true
	}

	total := 0
	for _, tok := range wordTokens(text) {
		norm := lexicon.Normalize(tok)
		if norm == "" || replForms[norm] {
			continue
		}
		if _, exact := lex.Lookup(norm); exact {
			continue
		}

		var best *lexicon.Rule
		bestScore := 0
		for i := range lex.Rules {
			r := &lex.Rules[i]
			score := tokenSetRatio(norm, r.Normalized)
			if score > bestScore ||
				(score == bestScore && best != nil && runeLen(r.Normalized) > runeLen(best.Normalized)) {
				best, bestScore = r, score
			}
		}
		if best == nil || bestScore < st.threshold {
			continue
		}

		var n int
		text, n = replaceWholeWord(text, []string{tok}, best.Replacement, true)
		total += n
	}
	return text, total
}

// replaceWholeWord replaces every whole-word occurrence of the needle token
// sequence in text. A single space between needle tokens matches any run of
// whitespace. Boundaries are Unicode-aware: the runes adjacent to the match
// must not be letters or digits. The replacement is emitted with the case
// pattern of each matched span.
func replaceWholeWord(text string, needle []string, replacement string, caseSensitive bool) (string, int) {
	if len(needle) == 0 {
		return text, 0
	}

	hay := []rune(text)
	var out []rune
	count := 0

	i := 0
	for i < len(hay) {
		if boundaryBefore(hay, i) {
			if end, ok := matchAt(hay, i, needle, caseSensitive); ok && boundaryAfter(hay, end) {
				span := string(hay[i:end])
				out = append(out, []rune(applyCasePattern(span, replacement))...)
				count++
				i = end
				continue
			}
		}
		out = append(out, hay[i])
		i++
	}

	if count == 0 {
		return text, 0
	}
	return string(out), count
}

// matchAt tries to match the needle token sequence starting at hay[i] and
// returns the end index on success.
func matchAt(hay []rune, i int, needle []string, caseSensitive bool) (int, bool) {
	pos := i
	for ti, tok := range needle {
		if ti > 0 {
			ws := 0
			for pos < len(hay) && unicode.IsSpace(hay[pos]) {
				pos++
				ws++
			}
			if ws == 0 {
				return 0, false
			}
		}
		for _, r := range tok {
			if pos >= len(hay) {
				return 0, false
			}
			h := hay[pos]
			if caseSensitive {
				if h != r {
					return 0, false
				}
			} else if unicode.ToLower(h) != unicode.ToLower(r) {
				return 0, false
			}
			pos++
		}
	}
	return pos, true
}

func boundaryBefore(hay []rune, i int) bool {
	return i == 0 || !isWordRune(hay[i-1])
}

func boundaryAfter(hay []rune, end int) bool {
	return end == len(hay) || !isWordRune(hay[end])
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// applyCasePattern emits the replacement with a case pattern derived from
// the matched span: all cased letters upper yields an uppercase
// replacement; first cased letter upper with the rest lower yields a
// title-cased replacement; anything else (including caseless scripts)
// yields the replacement as stored.
func applyCasePattern(span, replacement string) string {
	var cased []rune
	for _, r := range span {
		if unicode.IsUpper(r) || unicode.IsLower(r) {
			cased = append(cased, r)
		}
	}
	if len(cased) == 0 {
		return replacement
	}

	allUpper := true
	for _, r := range cased {
		if !unicode.IsUpper(r) {
			allUpper = false
			break
		}
	}
	if allUpper {
		return strings.ToUpper(replacement)
	}

	if unicode.IsUpper(cased[0]) {
		restLower := true
		for _, r := range cased[1:] {
			if !unicode.IsLower(r) {
				restLower = false
				break
			}
		}
		if restLower {
			return titleCase(replacement)
		}
	}
	return replacement
}

// titleCase uppercases the first letter of every word and lowercases the
// rest, so a title-cased match renders an all-caps stored replacement as
// title case too.
func titleCase(s string) string {
	out := []rune(s)
	startOfWord := true
	for i, r := range out {
		if isWordRune(r) || r == zwnj {
			if startOfWord {
				out[i] = unicode.ToUpper(r)
				startOfWord = false
			} else {
				out[i] = unicode.ToLower(r)
			}
		} else {
			startOfWord = true
		}
	}
	return string(out)
}

// wordTokens returns the unique word-like tokens of text in first-seen
// order. Tokens are runs of Unicode letters and digits; the zero-width
// non-joiner is treated as part of a word.
func wordTokens(text string) []string {
	var tokens []string
	seen := make(map[string]bool)
	var cur []rune

	flush := func() {
		if len(cur) == 0 {
			return
		}
		t := string(cur)
		cur = cur[:0]
		if !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}

	for _, r := range text {
		if isWordRune(r) || r == zwnj {
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// tokenSetRatio computes a 0-100 similarity between two normalized strings
// by comparing their sorted unique token sets with Jaro-Winkler.
func tokenSetRatio(a, b string) int {
	return int(math.Round(matchr.JaroWinkler(tokenSetKey(a), tokenSetKey(b), false) * 100))
}

func tokenSetKey(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	fields = dedupe(fields)
	return strings.Join(fields, " ")
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func runeLen(s string) int { return len([]rune(s)) }
