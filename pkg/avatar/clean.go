package avatar

import (
	"regexp"
	"strings"
)

// FallbackResponse replaces a response that has nothing left to say after
// cleaning.
const FallbackResponse = "Let me continue with the interview."

// minSpokenLength is the shortest cleaned response worth speaking.
const minSpokenLength = 10

// internalMarkers are flow names and prompt fragments the NLU backend
// occasionally leaks into responses.
var internalMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:Overview|Introduction|Technical|Behavioral|Conclusion|Pre_?Qualification)_?Flow\(\)`),
	regexp.MustCompile(`(?i)\b(?:Overview|Introduction|Technical|Behavioral|Conclusion|Pre_?Qualification)\s+Flow\b`),
	regexp.MustCompile(`\$\{PLAYBOOK:\s*[^}]*\}`),
	regexp.MustCompile(`\$PLAYBOOK:\s*\S+`),
	regexp.MustCompile(`(?i)DO NOT SHARE BOT PERSONALITY`),
	regexp.MustCompile(`(?i)Do not say the Playbook name`),
	regexp.MustCompile(`(?i)gently transition to:`),
	regexp.MustCompile(`(?i)Without waiting for a response`),
	regexp.MustCompile(`(?i)set: \$session\.params\.interviewEnd = true`),
	regexp.MustCompile(`(?i)\[Internal Context\]`),
	regexp.MustCompile(`(?i)\[Personality Instructions\]`),
	regexp.MustCompile(`(?i)\[Interview Instructions\]`),
	regexp.MustCompile(`(?i)\[Opening Statement\]`),
	regexp.MustCompile(`(?m)^\s*-\s*(?:Transition|End of|Opening Statement).*$`),
}

var whitespace = regexp.MustCompile(`\s+`)

// CleanResponse strips internal markers from a backend response and
// collapses whitespace. Empty input is returned unchanged.
func CleanResponse(text string) string {
	if text == "" {
		return text
	}
	cleaned := text
	for _, re := range internalMarkers {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))
	if len(cleaned) < minSpokenLength {
		return FallbackResponse
	}
	return cleaned
}
