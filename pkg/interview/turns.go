package interview

import "strings"

// minAnswerLength is the shortest new candidate text kept as a turn.
const minAnswerLength = 3

// turns extracts candidate answers from final transcripts. The backend's
// finals can be cumulative, repeating everything said so far; only the part
// not seen before becomes a new turn.
type turns struct {
	said []string
}

// add returns the new content of a final transcript, or "" when it adds
// nothing.
func (t *turns) add(final string) string {
	text := strings.TrimSpace(final)
	if text == "" {
		return ""
	}
	before := strings.TrimSpace(strings.Join(t.said, " "))

	var content string
	switch {
	case before == "":
		content = text
	case strings.HasPrefix(text, before):
		content = strings.TrimLeft(strings.TrimSpace(text[len(before):]), ".,!?;: ")
	case !t.seen(text):
		content = text
	}

	if len(content) < minAnswerLength || t.seen(content) {
		return ""
	}
	t.said = append(t.said, content)
	return content
}

func (t *turns) seen(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	for _, s := range t.said {
		if strings.ToLower(strings.TrimSpace(s)) == norm {
			return true
		}
	}
	return false
}
