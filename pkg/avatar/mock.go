package avatar

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mock is an in-memory Adapter for tests and offline runs.
type Mock struct {
	*Speaker

	kind      Kind
	connect   func(ctx context.Context) error
	say       func(ctx context.Context, text string) error
	duration  time.Duration
	autoReady bool

	mu              sync.Mutex
	spoken          []string
	connectCalls    int
	disconnectCalls int
}

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithMockConnect sets the Connect behavior.
func WithMockConnect(fn func(ctx context.Context) error) MockOption {
	return func(m *Mock) { m.connect = fn }
}

// WithMockSay sets how each utterance is spoken.
func WithMockSay(fn func(ctx context.Context, text string) error) MockOption {
	return func(m *Mock) { m.say = fn }
}

// WithMockDuration sets how long a default utterance lasts.
func WithMockDuration(d time.Duration) MockOption {
	return func(m *Mock) { m.duration = d }
}

// WithMockManualReady stops Connect from reporting Ready; call FireReady.
func WithMockManualReady() MockOption {
	return func(m *Mock) { m.autoReady = false }
}

// NewMock creates a Mock that becomes ready as soon as Connect succeeds.
func NewMock(kind Kind, logger *slog.Logger, opts ...MockOption) *Mock {
	m := &Mock{kind: kind, autoReady: true, duration: time.Millisecond}
	for _, opt := range opts {
		opt(m)
	}
	m.Speaker = NewSpeaker(SpeakerConfig{Kind: kind, Logger: logger}, m.speak)
	return m
}

func (m *Mock) speak(ctx context.Context, text string) error {
	if m.say != nil {
		if err := m.say(ctx, text); err != nil {
			return err
		}
	} else {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.duration):
		}
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()
	return nil
}

// Kind implements Adapter.
func (m *Mock) Kind() Kind { return m.kind }

// Connect implements Adapter.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connectCalls++
	m.mu.Unlock()

	if m.connect != nil {
		if err := m.connect(ctx); err != nil {
			m.Fail("connect", ErrProviderInit, err)
			return err
		}
	}
	if m.autoReady {
		m.MarkReady()
	}
	return nil
}

// Speak implements Adapter.
func (m *Mock) Speak(text string) error { return m.Enqueue(text) }

// Disconnect implements Adapter.
func (m *Mock) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.disconnectCalls++
	m.mu.Unlock()
	m.Stop()
	return nil
}

// FireReady reports readiness.
func (m *Mock) FireReady() { m.MarkReady() }

// FireError reports a runtime failure.
func (m *Mock) FireError(err error) { m.Fail("runtime", ErrProviderRuntime, err) }

// Emit pushes a raw event, bypassing the once-only guards.
func (m *Mock) Emit(ev Event) { m.emit(ev) }

// Spoken returns the completed utterances.
func (m *Mock) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// ConnectCalls returns how often Connect ran.
func (m *Mock) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// DisconnectCalls returns how often Disconnect ran.
func (m *Mock) DisconnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectCalls
}

var _ Adapter = (*Mock)(nil)
