// Package transcript post-processes STT output before it reaches the LLM.
//
// Voice STT reliably mangles proper nouns: product names, place names and
// other configured vocabulary come back as phonetically similar but wrong
// words. The [Corrector] holds a hotword list and rewrites transcript
// spans that sound like a hotword, using Double Metaphone codes as the
// phonetic gate, a Levenshtein guard against runaway rewrites, and a
// length window so short tokens never replace long names.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Default matching guards.
const (
	// DefaultMaxDistance is the largest Levenshtein distance between a
	// span and a hotword still accepted as a match.
	DefaultMaxDistance = 2

	// DefaultLengthWindow is the largest length difference between a span
	// and a hotword still considered for matching.
	DefaultLengthWindow = 3
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMaxDistance sets the Levenshtein guard: a phonetic match is only
// accepted when the edit distance between the lowercased, space-stripped
// span and hotword is at most d. Default: 2.
func WithMaxDistance(d int) Option {
	return func(c *Corrector) {
		c.maxDistance = d
	}
}

// WithLengthWindow sets the length window: spans whose stripped length
// differs from the hotword's by more than w are never matched. Default: 3.
func WithLengthWindow(w int) Option {
	return func(c *Corrector) {
		c.lengthWindow = w
	}
}

// Correction records one replaced span.
type Correction struct {
	// Original is the span as the STT provider transcribed it.
	Original string

	// Corrected is the hotword that replaced it.
	Corrected string

	// Distance is the Levenshtein distance between the two.
	Distance int
}

// hotword is a precomputed match target.
type hotword struct {
	canonical string
	stripped  string // lowercased, spaces removed
	words     int
	codes     map[string]struct{}
}

// Corrector rewrites STT transcripts so configured vocabulary comes out
// spelled canonically. Read-only after construction and safe for
// concurrent use.
//
// Matching proceeds in three checks per candidate span:
//
//  1. Length window: the stripped span and hotword lengths must be within
//     the configured window of each other.
//  2. Phonetic gate: at least one Double Metaphone code of the span's
//     tokens must equal one of the hotword's.
//  3. Levenshtein guard: the edit distance between the stripped forms
//     must not exceed the configured maximum.
//
// Among hotwords passing all three for the same span, the smallest edit
// distance wins; ties go to the hotword configured first.
type Corrector struct {
	maxDistance  int
	lengthWindow int
	hotwords     []hotword
	maxWords     int
}

// New returns a [Corrector] for the given hotword list. Hotwords keep
// their configured spelling when substituted into a transcript, so the
// list doubles as the canonical-casing source. Multi-word hotwords are
// matched against token windows of the same width. Blank entries are
// ignored.
func New(words []string, opts ...Option) *Corrector {
	c := &Corrector{
		maxDistance:  DefaultMaxDistance,
		lengthWindow: DefaultLengthWindow,
	}
	for _, o := range opts {
		o(c)
	}
	for _, w := range words {
		trimmed := strings.TrimSpace(w)
		if trimmed == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(trimmed))
		hw := hotword{
			canonical: trimmed,
			stripped:  strings.Join(tokens, ""),
			words:     len(tokens),
			codes:     metaphoneCodes(tokens),
		}
		c.hotwords = append(c.hotwords, hw)
		if hw.words > c.maxWords {
			c.maxWords = hw.words
		}
	}
	return c
}

// Correct scans text token-wise and replaces spans that match a hotword.
// At each position, windows from the widest hotword down to a single
// token are tried, so multi-word names take precedence over partial
// matches. Punctuation around a span survives the rewrite. Corrections
// are listed in text order; a span that already carries the canonical
// spelling is left alone and not recorded.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.hotwords) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	out := make([]string, 0, len(tokens))
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			prefix, core, suffix := splitEdges(window)
			hw, dist, ok := c.match(core)
			if !ok {
				continue
			}

			replaced := prefix + hw.canonical + suffix
			out = append(out, replaced)
			if replaced != window {
				corrections = append(corrections, Correction{
					Original:  core,
					Corrected: hw.canonical,
					Distance:  dist,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// match tests a punctuation-stripped span against every hotword and
// returns the closest one passing all three checks.
func (c *Corrector) match(core string) (hotword, int, bool) {
	coreTokens := strings.Fields(strings.ToLower(core))
	stripped := strings.Join(coreTokens, "")
	if stripped == "" {
		return hotword{}, 0, false
	}
	codes := metaphoneCodes(coreTokens)

	best := -1
	var bestHW hotword
	for _, hw := range c.hotwords {
		if abs(len(stripped)-len(hw.stripped)) > c.lengthWindow {
			continue
		}
		if !codesOverlap(codes, hw.codes) {
			continue
		}
		d := matchr.Levenshtein(stripped, hw.stripped)
		if d > c.maxDistance {
			continue
		}
		if best < 0 || d < best {
			best = d
			bestHW = hw
		}
	}
	if best < 0 {
		return hotword{}, 0, false
	}
	return bestHW, best, true
}

// metaphoneCodes returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// splitEdges separates leading and trailing punctuation from the word
// content of a span, so "(eldrun?" can rewrite to "(Eldrin?".
func splitEdges(s string) (prefix, core, suffix string) {
	start := strings.IndexFunc(s, isWordRune)
	if start < 0 {
		return s, "", ""
	}
	end := strings.LastIndexFunc(s, isWordRune)
	_, size := utf8.DecodeRuneInString(s[end:])
	return s[:start], s[start : end+size], s[end+size:]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
