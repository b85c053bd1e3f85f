package backendsim

import (
	"strings"
	"time"
)

// Script is what the simulated interviewer says and what the simulated
// recognizer hears.
type Script struct {
	Greeting  string
	Questions []string
	Closing   string

	// Answers are replayed as the candidate's recognized speech, one per
	// turn, cycling when exhausted.
	Answers []string
}

// DefaultScript is a short technical interview.
func DefaultScript() Script {
	return Script{
		Greeting: "Hello, and welcome. I will be your interviewer today. Could you start by telling me a little about yourself?",
		Questions: []string{
			"What project are you most proud of, and what was your role in it?",
			"Tell me about a time you had to debug a difficult production issue.",
			"How do you approach testing code that runs concurrently?",
		},
		Closing: "Thank you for your time today. That concludes our interview, and we will be in touch soon.",
		Answers: []string{
			"I am a backend engineer with six years of experience building streaming systems.",
			"I led the rewrite of our audio ingestion service which cut latency in half.",
			"We once had a memory leak that only showed up under peak load and I traced it to an unbounded cache.",
			"I keep shared state small, use the race detector and write tests that drive timing explicitly.",
		},
	}
}

// question returns the interviewer line after answer turn, and whether it
// closes the interview.
func (s Script) question(turn int) (string, bool) {
	if turn < len(s.Questions) {
		return s.Questions[turn], false
	}
	return s.Closing, true
}

func (s Script) answer(turn int) string {
	if len(s.Answers) == 0 {
		return "I am not sure how to answer that."
	}
	return s.Answers[turn%len(s.Answers)]
}

// partial returns the first words of answer, revealing more as voiced
// audio accumulates. wordRate is how long one word takes to say.
func partial(answer string, voiced, wordRate time.Duration) string {
	words := strings.Fields(answer)
	n := 1
	if wordRate > 0 {
		n = int(voiced/wordRate) + 1
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}
