// Package local implements the last-resort avatar: no video, just a voice.
//
// Text is synthesized through a tts.Provider (normally ElevenLabs with an
// espeak-ng fallback) and played on an audioio.Sink. The adapter is ready as
// soon as the sink is running and at least one voice answers a health check.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/tts"
)

// Config configures the local adapter.
type Config struct {
	QueueCapacity int

	// Voice is the ElevenLabs voice used by NewDefault. Empty keeps the
	// provider default.
	Voice string

	// Gap is the pause after an utterance voiced by the primary TTS provider.
	Gap time.Duration

	// FallbackGap is the pause after an utterance voiced by the local
	// synthesizer.
	FallbackGap time.Duration

	// ErrorGap is the pause after a failed utterance.
	ErrorGap time.Duration

	// HealthTimeout bounds the readiness check.
	HealthTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: avatar.DefaultQueueCapacity,
		Gap:           150 * time.Millisecond,
		FallbackGap:   200 * time.Millisecond,
		ErrorGap:      300 * time.Millisecond,
		HealthTimeout: 5 * time.Second,
	}
}

// Adapter speaks through text-to-speech on a local audio sink.
type Adapter struct {
	*avatar.Speaker

	cfg    Config
	logger *slog.Logger
	synth  tts.Provider
	sink   audioio.Sink

	mu        sync.Mutex
	seen      map[string]struct{}
	lastVoice string
	dupes     int64
}

// New creates a local adapter.
func New(cfg Config, synth tts.Provider, sink audioio.Sink) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultConfig().HealthTimeout
	}
	a := &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "avatar.local"),
		synth:  synth,
		sink:   sink,
		seen:   make(map[string]struct{}),
	}
	a.Speaker = avatar.NewSpeaker(avatar.SpeakerConfig{
		Kind:          avatar.KindLocal,
		QueueCapacity: cfg.QueueCapacity,
		NextGap:       a.nextGap,
		Logger:        cfg.Logger,
	}, a.say)
	return a
}

// NewDefault creates a local adapter voiced by ElevenLabs, falling back to
// espeak-ng. With nil keys only espeak-ng is used.
func NewDefault(cfg Config, keys tts.KeySource, sink audioio.Sink) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var voices []tts.Provider
	if keys != nil {
		opts := []tts.Option{tts.WithKeySource(keys), tts.WithLogger(logger)}
		if cfg.Voice != "" {
			opts = append(opts, tts.WithVoice(cfg.Voice))
		}
		eleven, err := tts.NewElevenLabs(opts...)
		if err != nil {
			return nil, fmt.Errorf("local avatar: %w", err)
		}
		voices = append(voices, eleven)
	}
	voices = append(voices, tts.NewLocal(tts.WithLocalLogger(logger)))
	chain, err := tts.NewChainWithLogger(logger, voices...)
	if err != nil {
		return nil, fmt.Errorf("local avatar: %w", err)
	}
	return New(cfg, chain, sink), nil
}

// Kind implements avatar.Adapter.
func (a *Adapter) Kind() avatar.Kind { return avatar.KindLocal }

// Connect starts the sink and checks that a voice is available.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.sink.Start(ctx); err != nil {
		err = fmt.Errorf("start sink: %w", err)
		a.Fail("connect", avatar.ErrProviderInit, err)
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, a.cfg.HealthTimeout)
	defer cancel()
	if err := a.synth.Health(hctx); err != nil {
		err = fmt.Errorf("no voice available: %w", err)
		a.Fail("connect", avatar.ErrProviderInit, err)
		_ = a.sink.Stop()
		return err
	}

	a.logger.Info("local voice connected", "sink", a.sink.Name(), "rate", a.sink.Config().SampleRate)
	a.MarkReady()
	return nil
}

// Speak queues text, dropping responses that were already queued this
// session.
func (a *Adapter) Speak(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	key := responseKey(text)
	a.mu.Lock()
	if _, dup := a.seen[key]; dup {
		a.dupes++
		a.mu.Unlock()
		a.logger.Debug("duplicate response skipped", "chars", len(text))
		return nil
	}
	a.seen[key] = struct{}{}
	a.mu.Unlock()
	return a.Enqueue(text)
}

// Duplicates returns how many responses Speak dropped as repeats.
func (a *Adapter) Duplicates() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dupes
}

// Disconnect stops the speak loop and silences the sink.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.Stop()
	_ = a.sink.Clear()
	if err := a.sink.Stop(); err != nil {
		return fmt.Errorf("stop sink: %w", err)
	}
	return nil
}

func (a *Adapter) say(ctx context.Context, text string) error {
	res, err := a.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lastVoice = res.Provider
	a.mu.Unlock()

	samples := audioio.BytesToSamples(res.Audio)
	rate := res.Format.SampleRate
	if want := a.sink.Config().SampleRate; want > 0 && rate > 0 && want != rate {
		samples = audioio.Resample(samples, rate, want)
		rate = want
	}

	chunk := audioio.AudioChunk{Samples: samples, SampleRate: rate, Channels: 1}
	if err := a.sink.Write(ctx, chunk); err != nil {
		return avatar.Transport(fmt.Errorf("play: %w", err))
	}
	if err := a.sink.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			_ = a.sink.Clear()
			return ctx.Err()
		}
		return avatar.Transport(fmt.Errorf("flush: %w", err))
	}
	return nil
}

func (a *Adapter) nextGap(err error) time.Duration {
	if err != nil {
		return a.cfg.ErrorGap
	}
	a.mu.Lock()
	voice := a.lastVoice
	a.mu.Unlock()
	if voice == "local" {
		return a.cfg.FallbackGap
	}
	return a.cfg.Gap
}

func responseKey(text string) string {
	return fmt.Sprintf("%s-%d", strings.TrimSpace(text), len(text))
}

var _ avatar.Adapter = (*Adapter)(nil)
