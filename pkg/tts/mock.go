package tts

import (
	"context"
	"strings"
	"sync"
	"time"
)

// mockWordsPerMinute paces the silent audio a Mock returns.
const mockWordsPerMinute = 150

// Mock is a Provider for tests. Nil function fields fall back to silent
// 24 kHz audio paced at a natural speaking rate.
type Mock struct {
	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)
	HealthFunc     func(ctx context.Context) error
	CloseFunc      func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records one invocation.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock returns a healthy mock that synthesizes silence.
func NewMock() *Mock {
	return &Mock{SynthesizeFunc: silence}
}

// silence returns one second of silence per two and a half words.
func silence(_ context.Context, text string) (*AudioResult, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	const rate = 24000
	dur := time.Duration(words) * time.Minute / mockWordsPerMinute
	samples := int(dur * rate / time.Second)
	return &AudioResult{
		Audio:     make([]byte, samples*2),
		Format:    AudioFormat{Encoding: EncodingPCM24, SampleRate: rate, Channels: 1, BitDepth: 16},
		Duration:  dur,
		CharCount: len(text),
		Provider:  "mock",
	}, nil
}

func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.record("Synthesize", text)
	if m.SynthesizeFunc == nil {
		return silence(ctx, text)
	}
	return m.SynthesizeFunc(ctx, text)
}

func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", "")
	if m.HealthFunc == nil {
		return nil
	}
	return m.HealthFunc(ctx)
}

func (m *Mock) Close() error {
	m.record("Close", "")
	if m.CloseFunc == nil {
		return nil
	}
	return m.CloseFunc()
}

// Name implements Named.
func (m *Mock) Name() string { return "mock" }

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
	m.mu.Unlock()
}

// Calls returns a copy of every recorded call.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how often method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// WithError returns a mock whose synthesis and health checks fail with err.
func WithError(err error) *Mock {
	return &Mock{
		SynthesizeFunc: func(context.Context, string) (*AudioResult, error) { return nil, err },
		HealthFunc:     func(context.Context) error { return err },
	}
}

// WithLatency delays m's synthesis by d, honoring cancellation.
func WithLatency(m *Mock, d time.Duration) *Mock {
	next := m.SynthesizeFunc
	if next == nil {
		next = silence
	}
	m.SynthesizeFunc = func(ctx context.Context, text string) (*AudioResult, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next(ctx, text)
	}
	return m
}

var _ Provider = (*Mock)(nil)
