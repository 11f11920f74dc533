package pipeline

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// fillerWords are the interjections speech recognition produces for
// non-speech audio (breaths, hums, coughs).
var fillerWords = []string{"um", "uh", "hmm", "oh", "ah", "huh"}

// fillerSimilarity is the Jaro-Winkler score above which a word counts as
// a filler variant ("umm", "uhh", "hmmm"). Short real words like "ok" or
// "no" score well below it.
const fillerSimilarity = 0.90

var nonWordPattern = regexp.MustCompile(`^\W+$`)

// isNoise reports whether transcript is a non-speech artefact: at most two
// words, and either a single filler interjection or pure punctuation.
func isNoise(transcript string) bool {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return false
	}
	if len(strings.Fields(t)) > 2 {
		return false
	}
	if nonWordPattern.MatchString(t) {
		return true
	}
	w := strings.ToLower(strings.TrimSuffix(t, "."))
	// Only a bare interjection (optionally ending in a period) qualifies;
	// anything carrying other punctuation is treated as speech.
	for _, r := range w {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return isFiller(w)
}

// isFiller matches w against the filler list, exactly or by Jaro-Winkler
// similarity to catch transcription variants with repeated letters.
func isFiller(w string) bool {
	for _, f := range fillerWords {
		if w == f {
			return true
		}
		if matchr.JaroWinkler(w, f, false) >= fillerSimilarity {
			return true
		}
	}
	return false
}
