// Package capture owns the microphone for one interview session.
//
// The Engine reads frames from an audioio.Source and fans them out to two
// processing units: the PCM encoder, which applies the gating rule and
// produces the frames sent to the transcription channel, and the voice
// activity detector. Gating never drops or reorders frames; while gated the
// encoder emits zero-filled frames of the same length so the backend keeps
// receiving a steady cadence.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-interview/internal/timer"
	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/session"
	"github.com/teslashibe/go-interview/pkg/vad"
)

// Constraints describe the requested microphone stream.
type Constraints struct {
	// SampleRate in Hz; zero keeps the device's native rate.
	SampleRate int

	// Device selects a specific input; empty means the default device.
	Device string
}

// Config configures an Engine.
type Config struct {
	Audio audioio.Config
	VAD   vad.Config

	// BufferingWindow keeps audio gated for this long after the avatar
	// stops speaking. Zero ends buffering immediately.
	BufferingWindow time.Duration

	// OutputBuffer is the capacity of the Frames channel.
	OutputBuffer int

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	audio := audioio.DefaultConfig()
	audio.SampleRate = 0
	return Config{
		Audio:        audio,
		VAD:          vad.DefaultConfig(),
		OutputBuffer: 64,
		Logger:       slog.Default(),
	}
}

// SourceFactory opens a capture source.
type SourceFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Source, error)

// Option configures an Engine.
type Option func(*Engine)

// WithSourceFactory overrides how the device source is created.
func WithSourceFactory(f SourceFactory) Option {
	return func(e *Engine) { e.newSource = f }
}

// WithVoiceActivity registers the VAD decision callback.
func WithVoiceActivity(fn func(vad.Sample)) Option {
	return func(e *Engine) { e.onVoice = fn }
}

// Stats counts frames through the engine.
type Stats struct {
	FramesIn      int64 `json:"frames_in"`
	FramesSent    int64 `json:"frames_sent"`
	FramesGated   int64 `json:"frames_gated"`
	FramesDropped int64 `json:"frames_dropped"`
	FramesCleared int64 `json:"frames_cleared"`
}

// Engine is the AudioCaptureEngine. It is the only writer of its Session.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	sess      *session.Session
	detector  *vad.Detector
	newSource SourceFactory
	onVoice   func(vad.Sample)

	mu        sync.Mutex
	running   bool
	source    audioio.Source
	cancel    context.CancelFunc
	out       chan []byte
	outClosed bool
	wg        sync.WaitGroup
	buffering *timer.Handle

	framesIn      atomic.Int64
	framesSent    atomic.Int64
	framesGated   atomic.Int64
	framesDropped atomic.Int64
	framesCleared atomic.Int64
}

// New creates an Engine bound to sess.
func New(sess *session.Session, cfg Config, opts ...Option) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 64
	}
	if cfg.VAD.Logger == nil {
		cfg.VAD.Logger = cfg.Logger
	}

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "capture"),
		sess:      sess,
		detector:  vad.New(cfg.VAD),
		newSource: audioio.NewSource,
		out:       make(chan []byte, cfg.OutputBuffer),
		buffering: timer.New("capture.buffering"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the session this engine writes.
func (e *Engine) Session() *session.Session { return e.sess }

// Frames returns gated PCM16 little-endian mono frames in capture order.
// The channel is closed by Stop.
func (e *Engine) Frames() <-chan []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

// Running reports whether capture is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start acquires the microphone and starts both processing units.
// Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context, c Constraints) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	audioCfg := e.cfg.Audio
	audioCfg.SampleRate = c.SampleRate
	if c.Device != "" {
		audioCfg.Device = c.Device
	}

	src, err := e.newSource(audioCfg, e.cfg.Logger)
	if err != nil {
		return &DeviceError{Op: "open", Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := src.Start(runCtx); err != nil {
		cancel()
		_ = src.Close()
		return &DeviceError{Op: "start", Err: err}
	}

	rate := src.Config().SampleRate
	if err := e.sess.Start(rate); err != nil {
		cancel()
		_ = src.Close()
		return err
	}

	// A restarted engine hands out a fresh channel.
	if e.outClosed {
		e.out = make(chan []byte, e.cfg.OutputBuffer)
		e.outClosed = false
	}

	e.source = src
	e.cancel = cancel
	e.running = true
	e.detector.Reset()

	encIn := make(chan captured, e.cfg.OutputBuffer)
	vadIn := make(chan []float32, 8)

	e.wg.Add(3)
	go e.dispatch(runCtx, src.Frames(), encIn, vadIn)
	go e.encode(encIn)
	go func() {
		defer e.wg.Done()
		e.detector.Run(runCtx, vadIn, e.sess.Gated, e.emitVoice)
	}()

	e.logger.Info("capture started",
		"backend", src.Name(),
		"sample_rate", rate,
	)
	return nil
}

// captured is a source frame with the gate decision taken when it arrived.
type captured struct {
	samples []float32
	gated   bool
}

// dispatch fans source frames out to the encoder (lossless) and the VAD
// (lossy, latest wins).
func (e *Engine) dispatch(ctx context.Context, frames <-chan audioio.Frame, encIn chan<- captured, vadIn chan<- []float32) {
	defer e.wg.Done()
	defer close(encIn)
	defer close(vadIn)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			e.framesIn.Add(1)
			select {
			case encIn <- captured{samples: f.Samples, gated: e.sess.Gated()}:
			case <-ctx.Done():
				return
			}
			select {
			case vadIn <- f.Samples:
			default:
			}
		}
	}
}

// encode converts frames to PCM16, substituting silence for frames that
// were gated at capture time.
func (e *Engine) encode(in <-chan captured) {
	defer e.wg.Done()

	for f := range in {
		var pcm []byte
		if f.gated {
			pcm = make([]byte, len(f.samples)*2)
			e.framesGated.Add(1)
		} else {
			pcm = audioio.EncodePCM16(f.samples)
		}
		e.push(pcm)
	}
}

func (e *Engine) push(pcm []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	select {
	case e.out <- pcm:
		e.framesSent.Add(1)
	default:
		e.framesDropped.Add(1)
	}
}

func (e *Engine) emitVoice(s vad.Sample) {
	if e.onVoice != nil {
		e.onVoice(s)
	}
}

// SetAvatarSpeaking applies an avatar speaking transition to the session.
// Starting speech latches "avatar has spoken", enters buffering, clears
// queued audio and forces an inactive VAD decision. Stopping speech ends
// buffering after the configured window. It reports whether the state
// changed; callers use that to pause or resume recognition upstream.
func (e *Engine) SetAvatarSpeaking(speaking bool) bool {
	if !e.sess.SetAvatarSpeaking(speaking) {
		return false
	}

	if speaking {
		e.buffering.Stop()
		e.clearBuffer()
		e.emitVoice(vad.Sample{Timestamp: time.Now()})
		return true
	}

	if e.cfg.BufferingWindow <= 0 {
		e.endBuffering()
		return true
	}
	e.buffering.Reset(e.cfg.BufferingWindow, e.endBuffering)
	return true
}

// ReleaseGate lets user audio through although the avatar never spoke.
// The interview keeps going this way once no avatar provider is left.
func (e *Engine) ReleaseGate() bool {
	if !e.sess.MarkAvatarSpoken() {
		return false
	}
	e.logger.Warn("avatar unavailable, releasing audio gate")
	return true
}

func (e *Engine) endBuffering() {
	e.sess.SetBuffering(false)
	e.clearBuffer()
}

// clearBuffer replaces every queued frame with silence of equal length so
// stale audio never leaks into the next turn while cadence is kept.
func (e *Engine) clearBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.out)
	if n == 0 || e.outClosed {
		return
	}
	sizes := make([]int, 0, n)
	for i := 0; i < n; i++ {
		select {
		case f := <-e.out:
			sizes = append(sizes, len(f))
		default:
		}
	}
	for _, sz := range sizes {
		select {
		case e.out <- make([]byte, sz):
		default:
		}
	}
	e.framesCleared.Add(int64(len(sizes)))
}

// AdoptConversationID records the backend conversation id on first sight.
func (e *Engine) AdoptConversationID(id string) bool {
	return e.sess.AdoptConversationID(id)
}

// Stop releases the device and stops both units. It is idempotent and safe
// to call after a failed Start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	src := e.source
	cancel := e.cancel
	e.source = nil
	e.cancel = nil
	e.mu.Unlock()

	e.buffering.Stop()
	cancel()
	err := src.Stop()
	if cerr := src.Close(); err == nil {
		err = cerr
	}
	e.wg.Wait()

	e.mu.Lock()
	if !e.outClosed {
		close(e.out)
		e.outClosed = true
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("capture source stop failed", "error", err)
	}
	e.logger.Info("capture stopped",
		"frames_in", e.framesIn.Load(),
		"frames_sent", e.framesSent.Load(),
		"frames_gated", e.framesGated.Load(),
	)
	return err
}

// Stats returns frame counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesIn:      e.framesIn.Load(),
		FramesSent:    e.framesSent.Load(),
		FramesGated:   e.framesGated.Load(),
		FramesDropped: e.framesDropped.Load(),
		FramesCleared: e.framesCleared.Load(),
	}
}
