// Package textnorm sanitizes text crossing the speech boundary: transcripts
// coming back from ASR and replies on their way to TTS.
package textnorm

import (
	"regexp"
	"strings"
)

var (
	spokenAllowed = regexp.MustCompile(`[^A-Za-z0-9\s.,!?;:'"()\-\n]`)
	thinkBlock    = regexp.MustCompile(`(?is)<think>.*?</think>`)
	markdownLink  = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	whitespace    = regexp.MustCompile(`\s+`)
)

var smartPunct = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"—", "-",
	"–", "-",
	"…", "...",
)

// SafeText strips control characters, normalizes smart punctuation and
// collapses whitespace. Applied to every piece of free text entering the
// pipeline.
func SafeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	var b strings.Builder
	b.Grow(len(text))
	for _, ch := range text {
		if ch >= ' ' || ch == '\n' || ch == '\t' {
			b.WriteRune(ch)
		}
	}
	text = smartPunct.Replace(b.String())
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// TrimForSpeech reduces a model reply to something a TTS engine can speak:
// think blocks and markdown are removed and the character set is restricted
// to spoken-friendly punctuation.
func TrimForSpeech(text string) string {
	cleaned := SafeText(thinkBlock.ReplaceAllString(text, " "))
	cleaned = markdownLink.ReplaceAllString(cleaned, "$1")
	for _, ch := range []string{"*", "`", "_", "#"} {
		cleaned = strings.ReplaceAll(cleaned, ch, " ")
	}
	cleaned = spokenAllowed.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))
}
