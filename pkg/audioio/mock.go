package audioio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates silence or a sine wave on a ticker, or in manual mode
// delivers only what the test pushes.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	framesCh chan Frame
	stopCh   chan struct{}
	startErr error
	manual   bool

	framesRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
	starts      atomic.Int64
	stops       atomic.Int64

	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithStartError makes Start fail with err, e.g. ErrPermissionDenied.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// WithManualFrames disables the generator; frames only arrive through Push.
func WithManualFrames() MockSourceOption {
	return func(m *MockSource) {
		m.manual = true
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		framesCh:  make(chan Frame, 64),
		stopCh:    make(chan struct{}),
		amplitude: 0.5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.framesCh = make(chan Frame, 64)
	m.starts.Add(1)

	if !m.manual {
		go m.generateLoop(ctx, m.stopCh)
	}

	m.logger.Debug("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"manual", m.manual,
	)
	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stop <-chan struct{}) {
	interval := m.cfg.FrameDuration()
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stop:
			return
		case <-ticker.C:
			m.deliver(m.generate())
		}
	}
}

func (m *MockSource) generate() []float32 {
	n := m.cfg.BufferSize()
	samples := make([]float32, n)
	if m.frequency <= 0 {
		return samples
	}
	for i := range samples {
		samples[i] = float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate)))
		m.phase++
		if m.phase >= float64(m.cfg.SampleRate) {
			m.phase = 0
		}
	}
	return samples
}

// Push delivers one frame in manual mode. It reports false when the source
// is not running or the buffer is full.
func (m *MockSource) Push(samples []float32) bool {
	return m.deliver(samples)
}

func (m *MockSource) deliver(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return false
	}
	frame := Frame{Samples: samples, SampleRate: m.cfg.SampleRate, Captured: time.Now()}
	select {
	case m.framesCh <- frame:
		m.framesRead.Add(1)
		m.samplesRead.Add(int64(len(samples)))
		return true
	default:
		m.overruns.Add(1)
		return false
	}
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	m.stops.Add(1)
	close(m.stopCh)
	close(m.framesCh)

	m.logger.Debug("mock audio source stopped")
	return nil
}

// Frames returns the frame channel.
func (m *MockSource) Frames() <-chan Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesCh
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return string(BackendMock)
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// StopCount returns how many times a running source was stopped.
func (m *MockSource) StopCount() int64 {
	return m.stops.Load()
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		FramesRead:  m.framesRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Overruns:    m.overruns.Load(),
		Running:     running,
		Backend:     string(BackendMock),
	}
}

var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It records everything written and simulates playback time on Flush.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	buffer   []AudioChunk
	written  []AudioChunk
	writeErr error
	speedup  float64

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithWriteError makes every Write fail with err.
func WithWriteError(err error) MockSinkOption {
	return func(m *MockSink) {
		m.writeErr = err
	}
}

// WithSpeedup sets how much faster than real time Flush simulates playback.
// The default is 100x.
func WithSpeedup(factor float64) MockSinkOption {
	return func(m *MockSink) {
		m.speedup = factor
	}
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MockSink{
		cfg:     cfg,
		logger:  logger,
		speedup: 100,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.running = true
	return nil
}

// Stop halts audio acceptance.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// SetWriteError changes the injected write error at runtime.
func (m *MockSink) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Write accepts an audio chunk.
func (m *MockSink) Write(ctx context.Context, chunk AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.running {
		return ErrClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}

	m.buffer = append(m.buffer, chunk)
	m.written = append(m.written, chunk)
	m.chunksWritten.Add(1)
	m.samplesWritten.Add(int64(len(chunk.Samples)))
	return nil
}

// Flush simulates waiting for playback.
func (m *MockSink) Flush(ctx context.Context) error {
	m.mu.Lock()
	var total time.Duration
	for i := range m.buffer {
		total += m.buffer[i].Duration()
	}
	m.buffer = m.buffer[:0]
	speedup := m.speedup
	m.mu.Unlock()

	if total <= 0 || speedup <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(float64(total) / speedup)):
		return nil
	}
}

// Clear discards buffered audio.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = m.buffer[:0]
	return nil
}

// Written returns a copy of every chunk accepted so far.
func (m *MockSink) Written() []AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AudioChunk, len(m.written))
	copy(out, m.written)
	return out
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return string(BackendMock)
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.Stop()
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	var buffered int64
	for _, c := range m.buffer {
		buffered += int64(len(c.Samples))
	}
	m.mu.Unlock()

	return SinkStats{
		ChunksWritten:   m.chunksWritten.Load(),
		SamplesWritten:  m.samplesWritten.Load(),
		Running:         running,
		Backend:         string(BackendMock),
		BufferedSamples: buffered,
	}
}

var _ SinkWithStats = (*MockSink)(nil)
