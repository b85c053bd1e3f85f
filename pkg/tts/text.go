package tts

import (
	"regexp"
	"strings"
)

// MaxFlashChars is the longest input the flash model accepts.
const MaxFlashChars = 40000

var (
	spaceRun       = regexp.MustCompile(`\s+`)
	sentenceJoin   = regexp.MustCompile(`([.!?])\s*([A-Z])`)
	punctuationGap = regexp.MustCompile(`\s*([.!?])\s*`)
)

// NormalizeText tidies whitespace and sentence punctuation so the flash
// model paces sentences naturally.
func NormalizeText(text string) string {
	text = strings.TrimSpace(text)
	text = spaceRun.ReplaceAllString(text, " ")
	text = sentenceJoin.ReplaceAllString(text, "$1 $2")
	text = punctuationGap.ReplaceAllString(text, "$1 ")
	return strings.TrimSpace(text)
}

// Truncate cuts text to at most max bytes, marking the cut with "...".
func Truncate(text string, max int) string {
	if max <= 3 || len(text) <= max {
		return text
	}
	cut := max - 3
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
