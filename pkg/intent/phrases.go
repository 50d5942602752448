package intent

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// PhraseTable holds the language-specific lexicons the classifier matches
// against. Phrases are matched case-insensitively, with phonetic and fuzzy
// fallbacks to absorb STT spelling drift ("mhm" vs "mm-hmm").
type PhraseTable struct {
	// Backchannels are short acknowledgments that must not interrupt
	// playback.
	Backchannels []string

	// SoftInterjects signal a wish to slow or redirect the speaker without a
	// full interruption.
	SoftInterjects []string
}

// builtinTables are the shipped lexicons. Additional languages can be
// registered via [Classifier.RegisterTable].
var builtinTables = map[string]PhraseTable{
	"en": {
		Backchannels: []string{
			"mm-hmm", "mhm", "uh-huh", "yeah", "yep", "yes", "right",
			"okay", "ok", "sure", "got it", "i see", "true",
		},
		SoftInterjects: []string{
			"wait", "hold on", "hang on", "one sec", "one second",
			"actually", "but", "sorry", "excuse me", "question",
		},
	},
	"de": {
		Backchannels: []string{
			"mhm", "ja", "jaja", "genau", "okay", "ok", "klar",
			"stimmt", "verstehe", "aha", "gut",
		},
		SoftInterjects: []string{
			"warte", "moment", "halt", "aber", "entschuldigung",
			"sekunde", "eine frage", "stopp",
		},
	},
}

// normalizePhrase lowercases text and strips punctuation so "Mm-hmm." and
// "mm hmm" compare equal.
func normalizePhrase(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r >= 0x80:
			b.WriteRune(r)
		case r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// phraseMatcher scores a transcript against a phrase list using three
// strategies in order of strength: exact match after normalization, Double
// Metaphone code overlap, and Jaro-Winkler similarity above a threshold.
type phraseMatcher struct {
	fuzzyThreshold float64
}

// match returns the best score in [0, 1] and whether any phrase matched.
func (m phraseMatcher) match(text string, phrases []string) (float64, bool) {
	norm := normalizePhrase(text)
	if norm == "" {
		return 0, false
	}

	var best float64
	matched := false
	for _, phrase := range phrases {
		p := normalizePhrase(phrase)
		if p == "" {
			continue
		}
		if norm == p {
			return 1, true
		}
		if phoneticOverlap(norm, p) {
			score := matchr.JaroWinkler(norm, p, false)
			if score >= m.fuzzyThreshold-0.1 { // phonetic hit relaxes the bar
				matched = true
				if score > best {
					best = score
				}
			}
			continue
		}
		if score := matchr.JaroWinkler(norm, p, false); score >= m.fuzzyThreshold {
			matched = true
			if score > best {
				best = score
			}
		}
	}
	return best, matched
}

// phoneticOverlap reports whether any token of a shares a Double Metaphone
// code with any token of b.
func phoneticOverlap(a, b string) bool {
	codesA := metaphoneCodes(a)
	if len(codesA) == 0 {
		return false
	}
	for code := range metaphoneCodes(b) {
		if _, ok := codesA[code]; ok {
			return true
		}
	}
	return false
}

// metaphoneCodes returns the set of non-empty Double Metaphone codes for each
// token of text.
func metaphoneCodes(text string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, tok := range strings.Fields(text) {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// looksLikeFullSentence reports whether a transcript has enough words to be a
// substantive utterance rather than an interjection fragment.
func looksLikeFullSentence(text string) bool {
	return len(strings.Fields(normalizePhrase(text))) >= 5
}
