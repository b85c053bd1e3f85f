//go:build portaudio

package audioio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

func portAudioAvailable() bool { return true }

// findDevice returns the named device or the default one for the direction.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var dev *portaudio.DeviceInfo
		var err error
		if input {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil || dev == nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	for _, d := range devices {
		if !strings.Contains(d.Name, name) {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
}

// portAudioSource captures float32 frames from a PortAudio input device.
type portAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	stream   *portaudio.Stream
	buf      []float32
	framesCh chan Frame
	done     chan struct{}
	wg       sync.WaitGroup
	running  bool
	closed   bool

	framesRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return &portAudioSource{cfg: cfg, logger: logger, framesCh: make(chan Frame)}, nil
}

func (s *portAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}

	dev, err := findDevice(s.cfg.Device, true)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	// Zero means the device's own rate.
	if s.cfg.SampleRate == 0 {
		s.cfg.SampleRate = int(dev.DefaultSampleRate)
	}
	channels := s.cfg.Channels
	if channels > dev.MaxInputChannels {
		channels = dev.MaxInputChannels
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BufferSize()

	s.buf = make([]float32, params.FramesPerBuffer*channels)
	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		portaudio.Terminate()
		return classifyOpenError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return classifyOpenError(err)
	}

	s.stream = stream
	s.running = true
	s.framesCh = make(chan Frame, 64)
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.readLoop(ctx, channels, s.done, s.framesCh)

	s.logger.Info("portaudio capture started",
		"device", dev.Name,
		"sample_rate", s.cfg.SampleRate,
		"channels", channels,
		"frame_size", params.FramesPerBuffer,
	)
	return nil
}

func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("open input stream: %w", err)
}

func (s *portAudioSource) readLoop(ctx context.Context, channels int, done <-chan struct{}, out chan<- Frame) {
	defer s.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.overruns.Add(1)
				continue
			}
			s.logger.Warn("portaudio read failed", "error", err)
			return
		}

		raw := make([]float32, len(s.buf))
		copy(raw, s.buf)
		frame := Frame{
			Samples:    Downmix(raw, channels),
			SampleRate: s.cfg.SampleRate,
			Captured:   time.Now(),
		}

		select {
		case out <- frame:
			s.framesRead.Add(1)
			s.samplesRead.Add(int64(len(frame.Samples)))
		default:
			s.overruns.Add(1)
		}
	}
}

func (s *portAudioSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	// Stop unblocks a pending Read.
	err := stream.Stop()
	s.wg.Wait()
	stream.Close()
	portaudio.Terminate()
	return err
}

func (s *portAudioSource) Frames() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesCh
}

func (s *portAudioSource) Config() Config { return s.cfg }

func (s *portAudioSource) Name() string { return string(BackendPortAudio) }

func (s *portAudioSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

func (s *portAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SourceStats{
		FramesRead:  s.framesRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     string(BackendPortAudio),
	}
}

// portAudioSink plays PCM16 through a PortAudio output device.
type portAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	running bool
	closed  bool

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return &portAudioSink{cfg: cfg, logger: logger}, nil
}

func (s *portAudioSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	dev, err := findDevice(s.cfg.Device, false)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if s.cfg.SampleRate == 0 {
		s.cfg.SampleRate = int(dev.DefaultSampleRate)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BufferSize()

	s.buf = make([]int16, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	s.running = true
	return nil
}

func (s *portAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	err := s.stream.Stop()
	s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	return err
}

// Write blocks until the chunk has been handed to the device.
func (s *portAudioSink) Write(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrClosed
	}

	samples := DownmixPCM(chunk.Samples, chunk.Channels)
	samples = Resample(samples, chunk.SampleRate, s.cfg.SampleRate)

	for off := 0; off < len(samples); off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(s.buf, samples[off:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio write: %w", err)
		}
	}
	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(samples)))
	return nil
}

func (s *portAudioSink) Flush(ctx context.Context) error { return nil }

func (s *portAudioSink) Clear() error { return nil }

func (s *portAudioSink) Config() Config { return s.cfg }

func (s *portAudioSink) Name() string { return string(BackendPortAudio) }

func (s *portAudioSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

func (s *portAudioSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SinkStats{
		ChunksWritten:  s.chunksWritten.Load(),
		SamplesWritten: s.samplesWritten.Load(),
		Running:        running,
		Backend:        string(BackendPortAudio),
	}
}
