package audioio

import (
	"context"
	"io"
	"time"
)

// AudioChunk is a block of PCM16 audio for playback.
type AudioChunk struct {
	// Samples contains PCM16 audio samples, interleaved when Channels > 1.
	Samples []int16

	// SampleRate is the sample rate of this chunk.
	SampleRate int

	// Channels is the number of channels in this chunk.
	Channels int
}

// Bytes returns the samples as little-endian PCM16.
func (c *AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// FromBytes populates the chunk from raw PCM16 bytes.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) {
	c.SampleRate = sampleRate
	c.Channels = channels
	c.Samples = BytesToSamples(data)
}

// Duration returns the playback duration of this chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	secs := float64(len(c.Samples)) / float64(c.SampleRate*c.Channels)
	return time.Duration(secs * float64(time.Second))
}

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start begins audio playback.
	Start(ctx context.Context) error

	// Stop halts audio playback.
	// It is safe to call Stop multiple times.
	Stop() error

	// Write queues a chunk for playback. It may block while the device
	// buffer is full.
	Write(ctx context.Context, chunk AudioChunk) error

	// Flush waits until everything written has been played.
	Flush(ctx context.Context) error

	// Clear discards all buffered audio immediately.
	Clear() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name.
	Name() string

	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	ChunksWritten   int64  `json:"chunks_written"`
	SamplesWritten  int64  `json:"samples_written"`
	Running         bool   `json:"running"`
	Backend         string `json:"backend"`
	BufferedSamples int64  `json:"buffered_samples"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
