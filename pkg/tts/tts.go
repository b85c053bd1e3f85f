// Package tts provides text-to-speech providers for the local avatar.
//
// ElevenLabs is the primary voice; Local shells out to espeak-ng when the
// cloud voice is unavailable. Both implement Provider, and Chain tries them
// in order.
//
// Example usage:
//
//	eleven, _ := tts.NewElevenLabs(
//	    tts.WithKeySource(keys),
//	    tts.WithVoice(tts.DefaultVoiceID),
//	)
//	chain, _ := tts.NewChain(eleven, tts.NewLocal())
//	defer chain.Close()
//
//	result, _ := chain.Synthesize(ctx, "Hello and welcome.")
//	// result.Audio contains PCM16 audio bytes
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks provider availability.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Named is implemented by providers that report a short name.
type Named interface {
	Name() string
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains PCM16 little-endian samples.
	Audio []byte

	// Format describes the audio encoding and sample rate.
	Format AudioFormat

	// Duration is the playback duration.
	Duration time.Duration

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the time to first byte in milliseconds.
	LatencyMs int64

	// Provider names the provider that produced the audio.
	Provider string
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding represents audio encoding types.
// These match ElevenLabs output format options.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_16000" // 16kHz mono PCM16
	EncodingPCM22 Encoding = "pcm_22050" // 22.05kHz mono PCM16
	EncodingPCM24 Encoding = "pcm_24000" // 24kHz mono PCM16
	EncodingPCM44 Encoding = "pcm_44100" // 44.1kHz mono PCM16
)

// VoiceSettings controls voice characteristics.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original (0.0-1.0).
	SimilarityBoost float64

	// Style controls style exaggeration (0.0-1.0).
	Style float64

	// SpeakerBoost enhances speaker clarity.
	SpeakerBoost bool

	// Speed is the speaking rate; 1.0 is normal.
	Speed float64
}

// DefaultVoiceSettings returns the settings tuned for interview speech on
// the flash model.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.6,
		SimilarityBoost: 0.8,
		Style:           0.2,
		SpeakerBoost:    true,
		Speed:           1.0,
	}
}

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM16:
		return 16000
	case EncodingPCM22:
		return 22050
	case EncodingPCM24:
		return 24000
	case EncodingPCM44:
		return 44100
	default:
		return 24000
	}
}

// PCMDuration returns the playback time of mono PCM16 data.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
