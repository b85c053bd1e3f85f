package avatar

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SpeakFunc speaks one utterance and returns when playback has finished.
// It must honor ctx and report failures by returning them; transport
// failures are wrapped with Transport.
type SpeakFunc func(ctx context.Context, text string) error

// SpeakerConfig configures a Speaker.
type SpeakerConfig struct {
	Kind          Kind
	QueueCapacity int

	// Gap is the pause between two utterances.
	Gap time.Duration

	// NextGap, when set, replaces Gap. It receives the result of the
	// utterance just finished.
	NextGap func(err error) time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Logger *slog.Logger
}

// SpeakerStats counts utterances.
type SpeakerStats struct {
	Spoken   int64 `json:"spoken"`
	Retried  int64 `json:"retried"`
	Skipped  int64 `json:"skipped"`
	Rejected int64 `json:"rejected"`
	Queued   int   `json:"queued"`
}

// Speaker is the queue-driven runner every adapter embeds. It serializes
// utterances, pairs every Speaking(true) with a Speaking(false), reports
// Ready and Error at most once, and goes silent after an error.
type Speaker struct {
	cfg    SpeakerConfig
	logger *slog.Logger
	say    SpeakFunc
	queue  *Queue

	events chan Event
	done   chan struct{}
	wake   chan struct{}

	mu       sync.Mutex
	state    ProviderState
	ready    bool
	failed   bool
	stopped  bool
	speaking bool
	err      *AvatarError
	cancel   context.CancelFunc
	loop     sync.WaitGroup

	emitMu sync.RWMutex
	closed bool

	spoken  atomic.Int64
	retried atomic.Int64
	skipped atomic.Int64
}

// NewSpeaker creates a Speaker in the connecting state.
func NewSpeaker(cfg SpeakerConfig, say SpeakFunc) *Speaker {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Speaker{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "avatar", "provider", string(cfg.Kind)),
		say:    say,
		queue:  NewQueue(cfg.QueueCapacity),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		state:  StateConnecting,
	}
}

// Events returns the event stream. It is closed by Stop.
func (s *Speaker) Events() <-chan Event { return s.events }

// State returns the provider state.
func (s *Speaker) State() ProviderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed reports whether an error has been reported.
func (s *Speaker) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Err returns the reported error, if any.
func (s *Speaker) Err() *AvatarError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Speaking reports whether an utterance is in progress.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Enqueue queues text. Blank text is ignored. After Stop it silently does
// nothing. After a failure the text is still queued, never spoken, and is
// returned by Drain so it can be carried to another provider.
func (s *Speaker) Enqueue(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil
	}
	if err := s.queue.Push(text); err != nil {
		s.logger.Warn("speech queue full, rejecting response", "capacity", s.queue.capacity)
		return err
	}
	s.notify()
	return nil
}

func (s *Speaker) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Drain removes every queued text, oldest first.
func (s *Speaker) Drain() []string {
	return s.queue.Drain()
}

// Pending returns the number of queued texts.
func (s *Speaker) Pending() int { return s.queue.Len() }

// SetState records a provider state change and reports it.
func (s *Speaker) SetState(st ProviderState) {
	s.mu.Lock()
	if s.failed || s.stopped || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.emit(ConnectionState{State: st})
}

// MarkReady reports Ready once and starts draining the queue. Later calls
// are ignored.
func (s *Speaker) MarkReady() {
	s.mu.Lock()
	if s.ready || s.failed || s.stopped {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.state = StateReady
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loop.Add(1)
	s.mu.Unlock()

	s.logger.Info("provider ready", "queued", s.queue.Len())
	s.emit(ConnectionState{State: StateReady})
	s.emit(Ready{})
	go s.run(ctx)
}

// Fail reports err once, wrapped as an AvatarError, after the speak loop
// has settled. Later calls are ignored. Fail must not be called from a
// SpeakFunc.
func (s *Speaker) Fail(op string, class error, err error) {
	if !s.markFailed() {
		return
	}
	s.stopLoop()
	s.report(op, class, err)
}

func (s *Speaker) markFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || s.stopped {
		return false
	}
	s.failed = true
	return true
}

func (s *Speaker) report(op string, class error, err error) {
	var ae *AvatarError
	if !errors.As(err, &ae) {
		if class == nil {
			class = ErrProviderRuntime
		}
		ae = &AvatarError{Provider: s.cfg.Kind, Op: op, Class: class, Err: err}
	}

	s.mu.Lock()
	s.err = ae
	s.state = StateError
	s.mu.Unlock()

	s.logger.Error("provider failed", "op", ae.Op, "error", ae.Err, "queued", s.queue.Len())
	s.emit(ConnectionState{State: StateError})
	s.emit(Error{Err: ae})
}

func (s *Speaker) stopLoop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loop.Wait()
}

// Stop ends the speak loop and closes Events. Queued text stays available
// to Drain. Stop is idempotent.
func (s *Speaker) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.stopLoop()

	s.mu.Lock()
	if s.state != StateError {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	s.closed = true
	close(s.events)
	s.emitMu.Unlock()
}

func (s *Speaker) emit(ev Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Speaker) setSpeaking(on bool) {
	s.mu.Lock()
	s.speaking = on
	if !s.failed {
		if on {
			s.state = StateSpeaking
		} else {
			s.state = StateReady
		}
	}
	s.mu.Unlock()
	s.emit(Speaking{Active: on})
}

func (s *Speaker) run(ctx context.Context) {
	defer s.loop.Done()

	for {
		it, ok := s.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		s.setSpeaking(true)
		err := s.say(ctx, it.Text)
		s.setSpeaking(false)

		switch {
		case err == nil:
			s.spoken.Add(1)
		case ctx.Err() != nil:
			s.queue.PushFront(it)
			return
		case errors.Is(err, ErrTransport):
			s.queue.PushFront(it)
			if s.markFailed() {
				s.report("speak", ErrProviderRuntime, err)
			}
			return
		case !it.retried:
			s.retried.Add(1)
			s.logger.Warn("utterance failed, retrying once", "error", err)
			it.retried = true
			s.queue.PushFront(it)
		default:
			s.skipped.Add(1)
			s.logger.Warn("utterance failed twice, skipping", "error", err, "chars", len(it.Text))
		}

		gap := s.cfg.Gap
		if s.cfg.NextGap != nil {
			gap = s.cfg.NextGap(err)
		}
		if gap > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
		}
	}
}

// Stats returns utterance counters.
func (s *Speaker) Stats() SpeakerStats {
	return SpeakerStats{
		Spoken:   s.spoken.Load(),
		Retried:  s.retried.Load(),
		Skipped:  s.skipped.Load(),
		Rejected: s.queue.Rejected(),
		Queued:   s.queue.Len(),
	}
}
