// Package session holds the per-interview audio session state.
//
// A Session has exactly one writer, the capture engine. Everything else reads
// through Snapshot, which returns a copy.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the audio session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateBuffering
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateBuffering:
		return "buffering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned when mutating a closed session.
var ErrClosed = errors.New("session: closed")

// Snapshot is an immutable copy of the session.
type Snapshot struct {
	SessionID      string
	AgentID        string
	UserID         string
	ConversationID string
	SampleRate     int
	State          State

	AvatarHasSpoken bool
	AvatarSpeaking  bool
	Buffering       bool

	StartedAt time.Time
}

// Gated reports whether outbound audio must be replaced with silence.
func (s Snapshot) Gated() bool {
	return !s.AvatarHasSpoken || s.AvatarSpeaking || s.Buffering
}

// Session is the shared gating and identity state of one interview.
type Session struct {
	mu sync.RWMutex
	s  Snapshot
}

// New creates an idle session. An empty userID gets an anonymous one.
func New(agentID, userID string, sampleRate int) *Session {
	if userID == "" {
		userID = AnonymousUserID()
	}
	return &Session{s: Snapshot{
		SessionID:  uuid.NewString(),
		AgentID:    agentID,
		UserID:     userID,
		SampleRate: sampleRate,
		State:      StateIdle,
	}}
}

// AnonymousUserID returns an id for visitors without an account.
func AnonymousUserID() string {
	return "anonymous_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

// Gated is shorthand for Snapshot().Gated().
func (s *Session) Gated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s.Gated()
}

// AvatarSpeaking reports whether the avatar is talking.
func (s *Session) AvatarSpeaking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s.AvatarSpeaking
}

// AvatarHasSpoken reports whether the avatar has produced its first utterance.
func (s *Session) AvatarHasSpoken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s.AvatarHasSpoken
}

// Start moves an idle session to capturing with the negotiated sample rate.
func (s *Session) Start(sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.s.State {
	case StateClosed:
		return ErrClosed
	case StateIdle:
		s.s.State = StateCapturing
		s.s.StartedAt = time.Now()
	}
	if sampleRate > 0 {
		s.s.SampleRate = sampleRate
	}
	return nil
}

// SetAvatarSpeaking records a speaking transition. Speaking also latches
// AvatarHasSpoken and enters buffering. It reports whether anything changed.
func (s *Session) SetAvatarSpeaking(speaking bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s.State == StateClosed || s.s.AvatarSpeaking == speaking {
		return false
	}
	s.s.AvatarSpeaking = speaking
	if speaking {
		s.s.AvatarHasSpoken = true
		s.setBufferingLocked(true)
	}
	return true
}

// MarkAvatarSpoken latches AvatarHasSpoken without a speaking transition.
// It reports whether the latch changed.
func (s *Session) MarkAvatarSpoken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s.State == StateClosed || s.s.AvatarHasSpoken {
		return false
	}
	s.s.AvatarHasSpoken = true
	return true
}

// SetBuffering flips the post-avatar buffering window.
func (s *Session) SetBuffering(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s.State == StateClosed {
		return
	}
	s.setBufferingLocked(on)
}

func (s *Session) setBufferingLocked(on bool) {
	s.s.Buffering = on
	if s.s.State == StateIdle {
		return
	}
	if on {
		s.s.State = StateBuffering
	} else {
		s.s.State = StateCapturing
	}
}

// AdoptConversationID stores the backend-assigned conversation id the first
// time one is seen. Later ids are ignored. It reports whether id was adopted.
func (s *Session) AdoptConversationID(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s.ConversationID != "" || s.s.State == StateClosed {
		return false
	}
	s.s.ConversationID = id
	return true
}

// Close marks the session closed. Further mutations are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	s.s.State = StateClosed
	s.s.AvatarSpeaking = false
	s.s.Buffering = false
	s.mu.Unlock()
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("session %s agent=%s user=%s state=%s", snap.SessionID, snap.AgentID, snap.UserID, snap.State)
}
