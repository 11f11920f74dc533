package gateway

import (
	"regexp"
	"strings"
)

// Scrubbing patterns, applied in order by [ScrubForTTS]. The source text is
// gateway markdown; the output is fed to a speech synthesiser, so anything
// that would be read aloud as markup gets stripped.
var (
	fencedCode   = regexp.MustCompile("(?s)```.*?```")
	inlineCode   = regexp.MustCompile("`([^`]*)`")
	boldStars    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicStars  = regexp.MustCompile(`\*(.*?)\*`)
	boldUnders   = regexp.MustCompile(`__(.*?)__`)
	italicUnders = regexp.MustCompile(`_(.*?)_`)
	headers      = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	links        = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bullets      = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	emoji        = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// ScrubForTTS converts a markdown-flavoured sentence into plain speakable
// text. Returns the empty string when nothing speakable remains; callers
// discard such sentences.
func ScrubForTTS(text string) string {
	text = fencedCode.ReplaceAllString(text, " (code omitted) ")
	text = inlineCode.ReplaceAllString(text, "$1")
	text = boldStars.ReplaceAllString(text, "$1")
	text = italicStars.ReplaceAllString(text, "$1")
	text = boldUnders.ReplaceAllString(text, "$1")
	text = italicUnders.ReplaceAllString(text, "$1")
	text = headers.ReplaceAllString(text, "")
	text = links.ReplaceAllString(text, "$1")
	text = bullets.ReplaceAllString(text, "")
	text = emoji.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
