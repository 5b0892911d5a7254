// Package gamematch resolves free-text event titles to configured games.
//
// Titles expand to every variant returned by Variants; patterns only to their
// full and filler-free forms. Scoring is pure and deterministic. For every
// title variant t and pattern variant p the score is:
//
//	t == p                          100
//	t contains p (word boundaries)   95
//	p contains t (word boundaries)   90
//	otherwise                        85 * |words(p) in t| / |words(p)|
//
// The best pair wins for a pattern, the best pattern wins overall and ties
// keep the first pattern found.
package gamematch

import (
	"strings"
	"unicode"

	"github.com/gmboard/gmboard/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	ScoreExact           = 100.0
	ScoreTitleContains   = 95.0
	ScorePatternContains = 90.0
	ScoreWordOverlapMax  = 85.0
)

// OverrideThreshold is the confidence a match must exceed before it is trusted
// to carry an administrative duration or to resolve an activity's game.
const OverrideThreshold = 80.0

var fillerWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "and": {},
	"le": {}, "la": {}, "les": {}, "l": {}, "un": {}, "une": {},
	"de": {}, "du": {}, "des": {}, "d": {}, "et": {}, "en": {}, "au": {}, "aux": {},
}

// Result is the best pattern for a title.
type Result struct {
	Mapping    models.GameMapping
	Confidence float64
}

// Confident reports whether the match clears OverrideThreshold.
func (r Result) Confident() bool {
	return r.Confidence > OverrideThreshold
}

// Normalize lower-cases text, strips diacritics and collapses every run of
// non-alphanumeric characters to a single space.
func Normalize(text string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		text,
	)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// Variants returns the normalized phrase, the phrase without filler words,
// the phrase minus its trailing word and its first word, deduplicated in
// that order.
func Variants(text string) []string {
	full := Normalize(text)
	if full == "" {
		return nil
	}

	words := strings.Fields(full)
	candidates := []string{full}
	if stripped := stripFillers(words); stripped != "" {
		candidates = append(candidates, stripped)
	}
	if len(words) > 1 {
		candidates = append(candidates, strings.Join(words[:len(words)-1], " "))
		candidates = append(candidates, words[0])
	}

	seen := make(map[string]struct{}, len(candidates))
	variants := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		variants = append(variants, candidate)
	}
	return variants
}

// Score rates a single normalized title variant against a normalized pattern variant.
func Score(titleVariant, patternVariant string) float64 {
	if titleVariant == "" || patternVariant == "" {
		return 0
	}
	if titleVariant == patternVariant {
		return ScoreExact
	}
	if strings.Contains(titleVariant, patternVariant) {
		return ScoreTitleContains
	}
	if strings.Contains(patternVariant, titleVariant) {
		return ScorePatternContains
	}

	patternWords := strings.Fields(patternVariant)
	if len(patternWords) == 0 {
		return 0
	}
	titleWords := make(map[string]struct{})
	for _, word := range strings.Fields(titleVariant) {
		titleWords[word] = struct{}{}
	}
	present := 0
	for _, word := range patternWords {
		if _, ok := titleWords[word]; ok {
			present++
		}
	}
	return ScoreWordOverlapMax * float64(present) / float64(len(patternWords))
}

// Match returns the best mapping for title. ok is false when no mapping scores
// above zero.
func Match(title string, mappings []models.GameMapping) (Result, bool) {
	titleVariants := Variants(title)
	if len(titleVariants) == 0 {
		return Result{}, false
	}

	var (
		best  Result
		found bool
	)
	for _, mapping := range mappings {
		if !mapping.IsActive {
			continue
		}
		score := bestPairScore(titleVariants, patternVariants(mapping.Pattern))
		if score <= 0 {
			continue
		}
		if !found || score > best.Confidence {
			best = Result{Mapping: mapping, Confidence: score}
			found = true
		}
	}
	return best, found
}

func bestPairScore(titleVariants, patternForms []string) float64 {
	best := 0.0
	for _, pv := range patternForms {
		for _, tv := range titleVariants {
			if score := Score(tv, pv); score > best {
				best = score
			}
			if best == ScoreExact {
				return best
			}
		}
	}
	return best
}

func patternVariants(pattern string) []string {
	full := Normalize(pattern)
	if full == "" {
		return nil
	}
	variants := []string{full}
	if stripped := stripFillers(strings.Fields(full)); stripped != "" && stripped != full {
		variants = append(variants, stripped)
	}
	return variants
}

func stripFillers(words []string) string {
	kept := make([]string, 0, len(words))
	for _, word := range words {
		if _, filler := fillerWords[word]; filler {
			continue
		}
		kept = append(kept, word)
	}
	return strings.Join(kept, " ")
}
