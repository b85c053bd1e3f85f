package audioio

import (
	"context"
	"io"
	"time"
)

// Frame is one block of captured mono audio.
type Frame struct {
	// Samples are float32 values nominally in [-1, 1]. Devices may overshoot.
	Samples []float32

	// SampleRate is the sample rate of this frame.
	SampleRate int

	// Captured is when the frame left the device.
	Captured time.Time
}

// Duration returns the duration of this frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(f.Samples)) / float64(f.SampleRate) * float64(time.Second))
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start acquires the device and begins capture. Frames become
	// available on Frames.
	Start(ctx context.Context) error

	// Stop halts capture and releases the device.
	// It is safe to call Stop multiple times.
	Stop() error

	// Frames returns the capture channel. It is closed when the source stops.
	Frames() <-chan Frame

	// Config returns the effective configuration (SampleRate resolved).
	Config() Config

	// Name returns the backend name.
	Name() string

	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	FramesRead  int64  `json:"frames_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
