package tts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const providerLocal = "local"

// LocalBinaries are the speech engines Local looks for, in order.
var LocalBinaries = []string{"espeak-ng", "espeak"}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Local synthesizes speech with an installed espeak-ng. It needs no
// credentials and is the last voice in the chain.
type Local struct {
	voice  string
	wpm    int
	pitch  int
	logger *slog.Logger

	run      Runner
	lookPath func(string) (string, error)

	once   sync.Once
	binary string
	err    error
}

// LocalOption configures Local.
type LocalOption func(*Local)

// WithLocalVoice sets the espeak voice name.
func WithLocalVoice(voice string) LocalOption {
	return func(l *Local) { l.voice = voice }
}

// WithLocalRate sets the speaking rate in words per minute.
func WithLocalRate(wpm int) LocalOption {
	return func(l *Local) { l.wpm = wpm }
}

// WithLocalRunner replaces command execution, for tests.
func WithLocalRunner(run Runner, lookPath func(string) (string, error)) LocalOption {
	return func(l *Local) {
		l.run = run
		l.lookPath = lookPath
	}
}

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// NewLocal creates a local provider. The engine is located lazily.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		voice:    "en-us",
		wpm:      175,
		pitch:    50,
		logger:   slog.Default(),
		run:      execRunner,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "tts.local")
	return l
}

// Name implements Named.
func (l *Local) Name() string { return providerLocal }

func (l *Local) resolve() (string, error) {
	l.once.Do(func() {
		for _, name := range LocalBinaries {
			if path, err := l.lookPath(name); err == nil {
				l.binary = path
				l.logger.Debug("local speech engine found", "path", path)
				return
			}
		}
		l.err = WrapError(providerLocal, ErrLocalUnavailable)
	})
	return l.binary, l.err
}

// Available reports whether a speech engine is installed.
func (l *Local) Available() bool {
	_, err := l.resolve()
	return err == nil
}

// Synthesize runs the engine and returns its PCM output.
func (l *Local) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()
	bin, err := l.resolve()
	if err != nil {
		return nil, err
	}
	text = NormalizeText(text)
	if text == "" {
		return nil, WrapError(providerLocal, ErrEmptyText)
	}

	out, err := l.run(ctx, bin,
		"--stdout",
		"-v", l.voice,
		"-s", strconv.Itoa(l.wpm),
		"-p", strconv.Itoa(l.pitch),
		text,
	)
	if err != nil {
		return nil, WrapError(providerLocal, err)
	}

	w, err := ParseWAV(out)
	if err != nil {
		return nil, WrapError(providerLocal, err)
	}
	if w.Channels != 1 || w.BitDepth != 16 {
		return nil, WrapError(providerLocal, fmt.Errorf("unsupported output: %d channels, %d bit", w.Channels, w.BitDepth))
	}

	return &AudioResult{
		Audio: w.Data,
		Format: AudioFormat{
			Encoding:   Encoding(fmt.Sprintf("pcm_%d", w.SampleRate)),
			SampleRate: w.SampleRate,
			Channels:   1,
			BitDepth:   16,
		},
		Duration:  PCMDuration(len(w.Data), w.SampleRate),
		CharCount: len(text),
		LatencyMs: time.Since(start).Milliseconds(),
		Provider:  providerLocal,
	}, nil
}

// Health reports whether the engine is installed.
func (l *Local) Health(context.Context) error {
	_, err := l.resolve()
	return err
}

// Close is a no-op.
func (l *Local) Close() error { return nil }

var _ Provider = (*Local)(nil)
