package tts

// DefaultVoiceID is the interviewer voice.
const DefaultVoiceID = "aEO01A4wXwd1O8GPgGlF"

// voicePresets are interviewer voices selectable by name.
var voicePresets = map[string]string{
	"interviewer": DefaultVoiceID,
	"arabella":    DefaultVoiceID,
	"rachel":      "21m00Tcm4TlvDq8ikWAM",
	"sarah":       "EXAVITQu4vr4xnSDxMaL",
	"adam":        "pNInz6obpgDQGcFmaJgB",
}

// ResolveVoice maps a preset name to its voice ID. Anything else is taken
// to be a voice ID already.
func ResolveVoice(name string) string {
	if id, ok := voicePresets[name]; ok {
		return id
	}
	return name
}
