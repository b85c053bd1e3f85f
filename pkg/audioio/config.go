// Package audioio provides microphone capture and speaker playback.
//
// Backends:
//   - PortAudio - real devices, built with the "portaudio" tag (needs libportaudio)
//   - Mock - CI/testing without hardware
//
// Capture sources hand out float32 frames in [-1, 1], the format device APIs
// deliver natively. Sinks accept PCM16 chunks.
package audioio

import (
	"errors"
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto picks PortAudio when compiled in, otherwise the mock.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Device errors.
var (
	ErrNoDevice           = errors.New("audioio: no audio device available")
	ErrPermissionDenied   = errors.New("audioio: device permission denied")
	ErrBackendUnavailable = errors.New("audioio: backend not compiled in")
	ErrClosed             = errors.New("audioio: closed")
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	Backend Backend `json:"backend"`

	// SampleRate is the audio sample rate in Hz. Zero asks the backend for
	// the device's native rate.
	SampleRate int `json:"sample_rate"`

	// Channels is the number of audio channels. Capture is always downmixed
	// to mono before frames are handed out.
	Channels int `json:"channels"`

	// FrameSize is the number of samples per frame. Zero derives it from
	// BufferDuration.
	FrameSize int `json:"frame_size"`

	// BufferDuration is the size of audio buffers.
	BufferDuration time.Duration `json:"buffer_duration"`

	// Device is a backend specific device name. Empty means default device.
	Device string `json:"device"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     48000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate < 0 {
		return fmt.Errorf("sample_rate must not be negative, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.FrameSize < 0 {
		return fmt.Errorf("frame_size must not be negative, got %d", c.FrameSize)
	}
	if c.FrameSize == 0 && c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of samples per frame.
func (c *Config) BufferSize() int {
	if c.FrameSize > 0 {
		return c.FrameSize
	}
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// FrameDuration returns how much audio one frame holds.
func (c *Config) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return c.BufferDuration
	}
	return time.Duration(float64(c.BufferSize()) / float64(c.SampleRate) * float64(time.Second))
}
