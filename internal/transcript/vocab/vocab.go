// Package vocab corrects misheard key terms (product names, people, jargon)
// in a finished transcript.
//
// Matching runs in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word of a window of transcript words and for each key term. Any
//     shared code makes the term a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the term with the
//     highest similarity wins, provided it clears the phonetic threshold.
//     Without a phonetic candidate, pure Jaro-Winkler similarity must clear
//     the stricter fuzzy threshold.
//
// Multi-word terms are matched against windows of the same width, longest
// window first.
package vocab

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 4
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength sets the shortest window, in letters, that is considered for
// correction. Short function words otherwise collide with short terms.
// Default: 4.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// Matcher holds the thresholds. It is read-only after construction and safe
// for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Correction records one substitution.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
	Phonetic   bool    `json:"phonetic"`
}

// term is a key term with its precomputed matching data.
type term struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Vocabulary is a prepared set of key terms bound to a [Matcher].
type Vocabulary struct {
	m        *Matcher
	terms    []term
	maxWords int
}

// Prepare precomputes phonetic codes for terms. Blank terms are ignored.
func (m *Matcher) Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{m: m}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   strings.TrimSpace(t),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of prepared terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Match finds the key term closest to window. When matched is false,
// corrected is "" and confidence is 0.
func (v *Vocabulary) Match(window string) (corrected string, confidence float64, phonetic, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(window))
	if lower == "" || letterCount(lower) < v.m.minLength {
		return "", 0, false, false
	}
	tokens := strings.Fields(lower)
	codes := codesForTokens(tokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, t := range v.terms {
		score := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(codes, t.codes) {
			if score >= v.m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{term: t.text, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= v.m.fuzzyThreshold && score > best.score {
			best = candidate{term: t.text, score: score}
		}
	}

	if best.term == "" {
		return "", 0, false, false
	}
	return best.term, best.score, best.phonetic, true
}

// Correct rewrites text, replacing word windows that match a key term. At
// each position the widest matching window wins. Leading and trailing
// punctuation of the window is preserved. Windows that already spell the
// term (ignoring case) are left unchanged and not reported.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(v.terms) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction
	changed := false

	for i := 0; i < len(tokens); {
		width := min(v.maxWords, len(tokens)-i)
		matched := false

		for n := width; n >= 1; n-- {
			prefix, core, suffix := splitPunct(tokens[i : i+n])
			if core == "" {
				continue
			}
			corrected, conf, phonetic, ok := v.Match(core)
			if !ok {
				continue
			}
			if !strings.EqualFold(core, corrected) {
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  corrected,
					Confidence: conf,
					Phonetic:   phonetic,
				})
				out = append(out, prefix+corrected+suffix)
				changed = true
			} else {
				out = append(out, tokens[i:i+n]...)
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

	if !changed {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// splitPunct joins a window of tokens and separates punctuation at its outer
// edges from the words inside.
func splitPunct(tokens []string) (prefix, core, suffix string) {
	joined := strings.Join(tokens, " ")
	start := strings.IndexFunc(joined, isWordRune)
	if start < 0 {
		return joined, "", ""
	}
	end := strings.LastIndexFunc(joined, isWordRune)
	_, size := utf8.DecodeRuneInString(joined[end:])
	end += size
	return joined[:start], joined[start:end], joined[end:]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
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

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}

	// Token pairs only count when both sides are single words; otherwise one
	// shared word would let "the tower" match "Tower of Whispers".
	if len(inputTokens) == 1 && len(termTokens) == 1 {
		if s := matchr.JaroWinkler(inputTokens[0], termTokens[0], false); s > score {
			score = s
		}
	}
	return score
}
