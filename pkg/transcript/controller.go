// Package transcript turns the backend's interim and final transcripts into
// user-visible turns.
//
// Turn taking is driven by silence in the transcript stream: every new
// interim fragment re-arms a silence timeout, and when it fires with the
// avatar quiet the controller tells the backend the user has finished
// speaking. Finals are deduplicated so a redelivered final reaches the UI
// once.
package transcript

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-interview/internal/timer"
	"github.com/teslashibe/go-interview/pkg/channel"
)

// Defaults.
const (
	DefaultSilenceTimeout = 3 * time.Second
	DefaultDedupCapacity  = 256
)

// Phase is the per-turn state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInterim
	PhaseFinal
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInterim:
		return "interim"
	case PhaseFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Fragment is one transcript message from the backend.
type Fragment struct {
	Text       string
	IsInterim  bool
	ReceivedAt time.Time
}

// Gate exposes the avatar state the controller depends on.
// *session.Session satisfies it.
type Gate interface {
	AvatarHasSpoken() bool
	AvatarSpeaking() bool
}

// Signaler sends control events to the backend.
// *channel.Connection satisfies it.
type Signaler interface {
	IsOpen() bool
	Send(ev channel.Event) error
}

// Handlers are the upward callbacks. Any of them may be nil.
type Handlers struct {
	OnTranscriptChange func(text string, isInterim bool)
	OnProcessingStart  func()
	OnProcessingChange func(processing bool)
}

// Config configures a Controller.
type Config struct {
	SilenceTimeout time.Duration
	DedupCapacity  int
	Logger         *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout: DefaultSilenceTimeout,
		DedupCapacity:  DefaultDedupCapacity,
		Logger:         slog.Default(),
	}
}

// Stats counts fragments seen by a Controller.
type Stats struct {
	Interims       int64 `json:"interims"`
	Finals         int64 `json:"finals"`
	Duplicates     int64 `json:"duplicates"`
	BeforeAvatar   int64 `json:"before_avatar"`
	EndOfSpeech    int64 `json:"end_of_speech"`
	SilenceSkipped int64 `json:"silence_skipped"`
}

// Controller is the TranscriptSessionController.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	gate     Gate
	signaler Signaler
	silence  *timer.Handle

	mu          sync.Mutex
	handlers    Handlers
	phase       Phase
	lastInterim string
	lastFinal   string
	seen        *keySet
	closed      bool

	interims       atomic.Int64
	finals         atomic.Int64
	duplicates     atomic.Int64
	beforeAvatar   atomic.Int64
	endOfSpeech    atomic.Int64
	silenceSkipped atomic.Int64
}

// New creates a Controller.
func New(gate Gate, signaler Signaler, cfg Config) *Controller {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultDedupCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "transcript"),
		gate:     gate,
		signaler: signaler,
		silence:  timer.New("transcript.silence"),
		seen:     newKeySet(cfg.DedupCapacity),
	}
}

// SetHandlers replaces the upward callbacks.
func (c *Controller) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Phase returns the current turn phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// DedupKey is the identity of a final transcript.
func DedupKey(text string) string {
	return strings.TrimSpace(text) + "-" + strconv.Itoa(len(text))
}

// Handle processes one fragment and reports whether it reached the UI.
func (c *Controller) Handle(f Fragment) bool {
	if f.Text == "" {
		return false
	}
	if !c.gate.AvatarHasSpoken() {
		c.beforeAvatar.Add(1)
		return false
	}
	if f.IsInterim {
		return c.handleInterim(f.Text)
	}
	return c.handleFinal(f.Text)
}

func (c *Controller) handleInterim(text string) bool {
	c.mu.Lock()
	if c.closed || text == c.lastInterim {
		c.mu.Unlock()
		return false
	}
	c.lastInterim = text
	c.phase = PhaseInterim
	h := c.handlers
	c.mu.Unlock()

	c.interims.Add(1)
	c.silence.Reset(c.cfg.SilenceTimeout, c.silenceElapsed)

	if h.OnProcessingChange != nil {
		h.OnProcessingChange(true)
	}
	if h.OnProcessingStart != nil {
		h.OnProcessingStart()
	}
	if h.OnTranscriptChange != nil {
		h.OnTranscriptChange(text, true)
	}
	return true
}

func (c *Controller) handleFinal(text string) bool {
	key := DedupKey(text)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if text == c.lastFinal || c.seen.has(key) {
		c.mu.Unlock()
		c.duplicates.Add(1)
		c.logger.Debug("duplicate final transcript dropped", "len", len(text))
		return false
	}
	c.lastFinal = text
	c.seen.add(key)
	c.lastInterim = ""
	c.phase = PhaseFinal
	h := c.handlers
	c.mu.Unlock()

	c.finals.Add(1)
	c.silence.Stop()

	if h.OnProcessingChange != nil {
		h.OnProcessingChange(false)
	}
	if h.OnTranscriptChange != nil {
		h.OnTranscriptChange(text, false)
	}

	c.mu.Lock()
	if c.phase == PhaseFinal {
		c.phase = PhaseIdle
	}
	c.mu.Unlock()
	return true
}

// silenceElapsed runs when no interim arrived for SilenceTimeout.
func (c *Controller) silenceElapsed() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if c.gate.AvatarSpeaking() || c.signaler == nil || !c.signaler.IsOpen() {
		c.silenceSkipped.Add(1)
		return
	}
	c.logger.Info("no transcript updates, ending user turn", "timeout", c.cfg.SilenceTimeout)
	if err := c.signaler.Send(channel.EventEndOfSpeech); err != nil {
		c.logger.Warn("end_of_speech not sent", "error", err)
		return
	}
	c.endOfSpeech.Add(1)
}

// Reset forgets interim and final history. It is called whenever the
// channel closes.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastInterim = ""
	c.lastFinal = ""
	c.seen.clear()
	c.phase = PhaseIdle
}

// Close cancels the silence timeout. Later fragments are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.silence.Stop()
}

// Stats returns fragment counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Interims:       c.interims.Load(),
		Finals:         c.finals.Load(),
		Duplicates:     c.duplicates.Load(),
		BeforeAvatar:   c.beforeAvatar.Load(),
		EndOfSpeech:    c.endOfSpeech.Load(),
		SilenceSkipped: c.silenceSkipped.Load(),
	}
}

// keySet is a bounded set that forgets its oldest key when full.
type keySet struct {
	keys  map[string]struct{}
	order []string
	cap   int
}

func newKeySet(capacity int) *keySet {
	return &keySet{keys: make(map[string]struct{}, capacity), cap: capacity}
}

func (s *keySet) has(k string) bool {
	_, ok := s.keys[k]
	return ok
}

func (s *keySet) add(k string) {
	if s.has(k) {
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
	s.keys[k] = struct{}{}
	s.order = append(s.order, k)
}

func (s *keySet) clear() {
	clear(s.keys)
	s.order = s.order[:0]
}

func (s *keySet) len() int { return len(s.order) }
