package pipeline

import "context"

// NumeralStrategy selects how the numeral step rewrites digits.
type NumeralStrategy string

const (
	// NumeralASCII converts every local-script digit and decimal separator
	// to its ASCII form.
	NumeralASCII NumeralStrategy = "ascii"

	// NumeralLocal converts ASCII digits to Persian digits.
	NumeralLocal NumeralStrategy = "local"

	// NumeralPreserve leaves all digits untouched.
	NumeralPreserve NumeralStrategy = "preserve"

	// NumeralContext converts local digits to ASCII so that medical codes
	// (L۴-L۵), dosages (۱۰mg), and blood-pressure readings come out in
	// their standard ASCII form, while the local decimal and thousands
	// separators are preserved.
	NumeralContext NumeralStrategy = "context"
)

// Persian (U+06F0..U+06F9) and Arabic-Indic (U+0660..U+0669) digits, plus
// the Arabic decimal and thousands separators.
var (
	asciiFromLocal = map[rune]rune{
		'۰': '0', '۱': '1', '۲': '2', '۳': '3', '۴': '4',
		'۵': '5', '۶': '6', '۷': '7', '۸': '8', '۹': '9',
		'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
		'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
	}
	asciiSeparators = map[rune]rune{
		'٫': '.',
		'٬': ',',
	}
	localFromASCII = map[rune]rune{
		'0': '۰', '1': '۱', '2': '۲', '3': '۳', '4': '۴',
		'5': '۵', '6': '۶', '7': '۷', '8': '۸', '9': '۹',
	}
)

// numeralStep rewrites digits according to the configured strategy. The
// step is a pure function of text and strategy.
type numeralStep struct {
	strategy NumeralStrategy
}

func (st *numeralStep) name() string { return "numerals" }

func (st *numeralStep) apply(_ context.Context, s *state) error {
	switch st.strategy {
	case NumeralASCII:
		s.text = mapRunes(s.text, asciiFromLocal, asciiSeparators)
	case NumeralLocal:
		s.text = mapRunes(s.text, localFromASCII, nil)
	case NumeralContext:
		s.text = mapRunes(s.text, asciiFromLocal, nil)
	case NumeralPreserve, "":
		// no-op
	}
	return nil
}

func mapRunes(s string, tables ...map[rune]rune) string {
	out := []rune(s)
	changed := false
	for i, r := range out {
		for _, table := range tables {
			if table == nil {
				continue
			}
			if mapped, ok := table[r]; ok {
				out[i] = mapped
				changed = true
				break
			}
		}
	}
	if !changed {
		return s
	}
	return string(out)
}
