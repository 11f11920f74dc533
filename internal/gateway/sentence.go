package gateway

import (
	"regexp"
	"strings"
)

// sentenceBoundary matches one completed sentence: text up to a
// terminating punctuation mark followed by whitespace, or a full line
// ending in a newline.
var sentenceBoundary = regexp.MustCompile(`[^.!?\n]*[.!?]\s+|[^\n]*\n`)

// SentenceSplitter incrementally segments streamed text into sentences.
// Feed it deltas as they arrive; the residual tail that has not yet hit a
// boundary stays buffered until [SentenceSplitter.Flush].
//
// Not safe for concurrent use; each stream owns its own splitter.
type SentenceSplitter struct {
	buf string
}

// Feed appends delta to the buffer and returns every newly completed
// sentence, trimmed of surrounding whitespace. Empty sentences are
// discarded.
func (s *SentenceSplitter) Feed(delta string) []string {
	s.buf += delta

	var out []string
	for {
		m := sentenceBoundary.FindStringIndex(s.buf)
		if m == nil {
			break
		}
		sentence := strings.TrimSpace(s.buf[m[0]:m[1]])
		s.buf = s.buf[m[1]:]
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns the trimmed residual and resets the splitter. Call it at
// stream end; the empty string means nothing was pending.
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}
