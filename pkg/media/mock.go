package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
)

// MockConn is an in-memory Conn for adapter tests.
type MockConn struct {
	// AnswerErr is returned by Answer when set.
	AnswerErr error

	mu          sync.Mutex
	offers      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onMessage   func(string, []byte)
	closed      bool
	closeCalls  int
}

// NewMockConn creates a MockConn.
func NewMockConn() *MockConn { return &MockConn{} }

// MockFactory returns a Factory that always hands out conn.
func MockFactory(conn *MockConn) Factory {
	return func(Config) (Conn, error) { return conn, nil }
}

// Answer records the offer and returns a canned answer.
func (m *MockConn) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, offer)
	if m.AnswerErr != nil {
		return webrtc.SessionDescription{}, m.AnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 mock answer"}, nil
}

// AddICECandidate records a remote candidate.
func (m *MockConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.candidates = append(m.candidates, c)
	return nil
}

// OnICECandidate implements Conn.
func (m *MockConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

// OnConnectionStateChange implements Conn.
func (m *MockConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// OnMessage implements Conn.
func (m *MockConn) OnMessage(fn func(string, []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// SetState reports a connection state change.
func (m *MockConn) SetState(st webrtc.PeerConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Deliver reports a data channel message.
func (m *MockConn) Deliver(label string, data []byte) {
	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(label, data)
	}
}

// EmitCandidate reports a local candidate.
func (m *MockConn) EmitCandidate(c webrtc.ICECandidateInit) {
	m.mu.Lock()
	fn := m.onCandidate
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Offers returns the offers passed to Answer.
func (m *MockConn) Offers() []webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), m.offers...)
}

// Candidates returns the remote candidates added.
func (m *MockConn) Candidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), m.candidates...)
}

// Stats returns zero counters.
func (m *MockConn) Stats() Stats { return Stats{} }

// Close marks the conn closed.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCalls++
	return nil
}

// CloseCalls returns how often Close ran.
func (m *MockConn) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

var _ Conn = (*MockConn)(nil)
