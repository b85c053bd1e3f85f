package local

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/tts"
)

func newSink(opts ...audioio.MockSinkOption) *audioio.MockSink {
	cfg := audioio.DefaultConfig()
	cfg.Backend = audioio.BackendMock
	return audioio.NewMockSink(cfg, log.Discard(), opts...)
}

func newAdapter(synth tts.Provider, sink audioio.Sink) *Adapter {
	cfg := DefaultConfig()
	cfg.Gap = time.Millisecond
	cfg.FallbackGap = time.Millisecond
	cfg.ErrorGap = time.Millisecond
	cfg.Logger = log.Discard()
	return New(cfg, synth, sink)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainEvents(ch <-chan avatar.Event) <-chan []avatar.Event {
	out := make(chan []avatar.Event, 1)
	go func() {
		var evs []avatar.Event
		for ev := range ch {
			evs = append(evs, ev)
		}
		out <- evs
	}()
	return out
}

func TestAdapter_ConnectAndSpeak(t *testing.T) {
	synth := tts.NewMock()
	sink := newSink()
	a := newAdapter(synth, sink)
	events := drainEvents(a.Events())

	_ = a.Speak("Hello there.")
	_ = a.Speak("Tell me about yourself.")
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitUntil(t, "two utterances", func() bool { return a.Stats().Spoken == 2 })

	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	evs := <-events

	written := sink.Written()
	if len(written) != 2 {
		t.Fatalf("sink got %d chunks, want 2", len(written))
	}
	for _, c := range written {
		if c.SampleRate != 48000 || c.Channels != 1 {
			t.Errorf("chunk format = %d Hz x%d, want 48000 Hz mono", c.SampleRate, c.Channels)
		}
	}
	var ready int
	for _, ev := range evs {
		if _, ok := ev.(avatar.Ready); ok {
			ready++
		}
	}
	if ready != 1 {
		t.Errorf("Ready emitted %d times, want 1", ready)
	}
	if got := synth.CallCount("Synthesize"); got != 2 {
		t.Errorf("Synthesize called %d times, want 2", got)
	}
}

func TestAdapter_DuplicateResponsesSpokenOnce(t *testing.T) {
	synth := tts.NewMock()
	a := newAdapter(synth, newSink())
	events := drainEvents(a.Events())

	for _, text := range []string{"Great answer.", "Great answer.", "  ", "Next one."} {
		_ = a.Speak(text)
	}
	if got := a.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	if got := a.Duplicates(); got != 1 {
		t.Errorf("Duplicates() = %d, want 1", got)
	}
	_ = a.Disconnect(context.Background())
	<-events
}

func TestAdapter_ConnectFailuresAreInitErrors(t *testing.T) {
	closedSink := newSink()
	_ = closedSink.Close()

	tests := []struct {
		name  string
		synth tts.Provider
		sink  audioio.Sink
	}{
		{"no voice", tts.WithError(errors.New("voices down")), newSink()},
		{"sink closed", tts.NewMock(), closedSink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(tt.synth, tt.sink)
			events := drainEvents(a.Events())

			if err := a.Connect(context.Background()); err == nil {
				t.Fatal("Connect() should fail")
			}
			_ = a.Disconnect(context.Background())
			<-events

			ae := a.Err()
			if ae == nil || !ae.IsInit() {
				t.Fatalf("Err() = %v, want init error", ae)
			}
			if ae.Provider != avatar.KindLocal {
				t.Errorf("Provider = %q, want local", ae.Provider)
			}
		})
	}
}

func TestAdapter_PlaybackFailureRequeues(t *testing.T) {
	sink := newSink(audioio.WithWriteError(errors.New("device unplugged")))
	a := newAdapter(tts.NewMock(), sink)
	events := drainEvents(a.Events())

	_ = a.Speak("First question.")
	_ = a.Speak("Second question.")
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitUntil(t, "failure", a.Failed)

	if got := a.Drain(); !reflect.DeepEqual(got, []string{"First question.", "Second question."}) {
		t.Errorf("Drain() = %v", got)
	}
	_ = a.Disconnect(context.Background())
	<-events

	if !errors.Is(a.Err(), avatar.ErrProviderRuntime) {
		t.Errorf("Err() = %v, want runtime error", a.Err())
	}
}

func TestAdapter_NextGap(t *testing.T) {
	a := New(DefaultConfig(), tts.NewMock(), newSink())
	defer a.Stop()

	tests := []struct {
		name  string
		voice string
		err   error
		want  time.Duration
	}{
		{"cloud voice", "elevenlabs", nil, 150 * time.Millisecond},
		{"local voice", "local", nil, 200 * time.Millisecond},
		{"failed", "elevenlabs", errors.New("x"), 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.lastVoice = tt.voice
			if got := a.nextGap(tt.err); got != tt.want {
				t.Errorf("nextGap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDefault_WithoutKeysUsesLocalVoiceOnly(t *testing.T) {
	a, err := NewDefault(Config{Logger: log.Discard()}, nil, newSink())
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	defer a.Stop()

	chain, ok := a.synth.(*tts.Chain)
	if !ok {
		t.Fatalf("synth is %T, want *tts.Chain", a.synth)
	}
	if n := len(chain.Providers()); n != 1 {
		t.Errorf("chain has %d providers, want 1", n)
	}
}
