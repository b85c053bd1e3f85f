// Package orchestrator runs one talking-avatar provider at a time and falls
// back to the next one when it fails.
//
// Providers are tried in order (HeyGen, then D-ID, then the local voice).
// Only the active adapter's events are honored. When it fails, its pending
// speech is drained and handed to the next adapter before that one connects,
// so no response is lost or spoken twice. When every provider has failed the
// orchestrator enters StageFailed: Speak returns ErrNoProvider and the
// interview carries on without an avatar until Reset.
//
// Example usage:
//
//	o, _ := orchestrator.New(orchestrator.Config{
//	    Providers: []orchestrator.Provider{
//	        {Kind: avatar.KindHeyGen, New: newHeyGen},
//	        {Kind: avatar.KindDID, New: newDID},
//	        {Kind: avatar.KindLocal, New: newLocal},
//	    },
//	})
//	o.SetHandlers(orchestrator.Handlers{
//	    OnAvatarSpeakingChange: engine.SetAvatarSpeaking,
//	})
//	_ = o.Start(ctx)
//	_ = o.Speak("Welcome to your interview.")
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-interview/internal/timer"
	"github.com/teslashibe/go-interview/pkg/avatar"
)

// Stage is the provider tier currently in charge.
type Stage int

const (
	StagePrimary Stage = iota
	StageSecondary
	StageLocalFallback
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePrimary:
		return "primary"
	case StageSecondary:
		return "secondary"
	case StageLocalFallback:
		return "local_fallback"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Provider describes one tier. New is called every time the tier starts,
// since an adapter serves a single session.
type Provider struct {
	Kind avatar.Kind
	New  func() (avatar.Adapter, error)

	// InitTimeout bounds how long the adapter may take to report Ready or
	// Error. Zero uses DefaultInitTimeout.
	InitTimeout time.Duration
}

// DefaultInitTimeout returns the initialization timeout for a provider kind.
func DefaultInitTimeout(kind avatar.Kind) time.Duration {
	switch kind {
	case avatar.KindHeyGen:
		return 30 * time.Second
	case avatar.KindDID:
		return 20 * time.Second
	case avatar.KindLocal:
		return 10 * time.Second
	default:
		return 15 * time.Second
	}
}

// Config configures an Orchestrator.
type Config struct {
	// Providers in fallback order. At most three; tiers map onto
	// StagePrimary, StageSecondary and StageLocalFallback.
	Providers []Provider

	// SwitchDelay is the pause between a failure and starting the next tier.
	SwitchDelay time.Duration

	// SettleDelay is how long after the switch the transition stays in
	// progress. Failures reported meanwhile are recorded but start no
	// further transition.
	SettleDelay time.Duration

	// DisconnectTimeout bounds tearing down a failed adapter.
	DisconnectTimeout time.Duration

	// PendingCapacity caps text held while no adapter is active.
	PendingCapacity int

	Logger *slog.Logger
}

// DefaultConfig returns timing defaults; Providers must still be set.
func DefaultConfig() Config {
	return Config{
		SwitchDelay:       200 * time.Millisecond,
		SettleDelay:       300 * time.Millisecond,
		DisconnectTimeout: 5 * time.Second,
		PendingCapacity:   avatar.DefaultQueueCapacity,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return ErrNoProviders
	}
	if len(c.Providers) > int(StageFailed) {
		return fmt.Errorf("orchestrator: %d providers configured, at most %d supported", len(c.Providers), int(StageFailed))
	}
	for i, p := range c.Providers {
		if p.New == nil {
			return fmt.Errorf("orchestrator: provider %d (%s) has no constructor", i, p.Kind)
		}
	}
	if c.SwitchDelay < 0 || c.SettleDelay < 0 {
		return fmt.Errorf("orchestrator: negative transition delay")
	}
	return nil
}

// Handlers receive orchestrator notifications. Any field may be nil.
type Handlers struct {
	OnAvatarReady          func(ready bool)
	OnAvatarSpeakingChange func(speaking bool)
	OnProviderChange       func(kind avatar.Kind)
	OnFailed               func(err error)
}

// State is a snapshot of the orchestrator.
type State struct {
	Stage                Stage             `json:"stage"`
	Provider             avatar.Kind       `json:"provider,omitempty"`
	Ready                bool              `json:"ready"`
	Speaking             bool              `json:"speaking"`
	TransitionInProgress bool              `json:"transition_in_progress"`
	Errors               map[string]string `json:"errors,omitempty"`
	Pending              int               `json:"pending"`
}

// Stats counts orchestrator activity.
type Stats struct {
	Transitions int64 `json:"transitions"`
	Resets      int64 `json:"resets"`
	Ignored     int64 `json:"ignored_events"`
	Carried     int64 `json:"carried"`
	Dropped     int64 `json:"dropped"`
}

// Orchestrator owns the active avatar adapter.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	cbMu     sync.RWMutex
	handlers Handlers

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	started       bool
	closed        bool
	stage         Stage
	gen           uint64
	active        avatar.Adapter
	failing       avatar.Adapter
	ready         bool
	speaking      bool
	transitioning bool
	errs          map[avatar.Kind]error
	failOrder     []avatar.Kind
	pending       []string

	initTimer   *timer.Handle
	switchTimer *timer.Handle
	settleTimer *timer.Handle
	watchers    sync.WaitGroup

	transitions atomic.Int64
	resets      atomic.Int64
	ignored     atomic.Int64
	carried     atomic.Int64
	dropped     atomic.Int64
}

// New creates an Orchestrator. Zero timing fields take their defaults.
func New(cfg Config) (*Orchestrator, error) {
	def := DefaultConfig()
	if cfg.SwitchDelay == 0 {
		cfg.SwitchDelay = def.SwitchDelay
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = def.PendingCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "orchestrator"),
		errs:        make(map[avatar.Kind]error),
		initTimer:   timer.New("avatar-init"),
		switchTimer: timer.New("avatar-switch"),
		settleTimer: timer.New("avatar-settle"),
	}, nil
}

// SetHandlers replaces the notification handlers.
func (o *Orchestrator) SetHandlers(h Handlers) {
	o.cbMu.Lock()
	o.handlers = h
	o.cbMu.Unlock()
}

func (o *Orchestrator) callbacks() Handlers {
	o.cbMu.RLock()
	defer o.cbMu.RUnlock()
	return o.handlers
}

// Start brings up the primary provider. ctx bounds every provider session
// until Close.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	gen := o.gen
	o.mu.Unlock()

	o.startStage(StagePrimary, gen)
	return nil
}

// Speak hands text to the active adapter. While a transition is under way
// the text is held and given to the next adapter. After every provider has
// failed it returns ErrNoProvider.
func (o *Orchestrator) Speak(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.stage == StageFailed {
		return ErrNoProvider
	}
	if o.active == nil {
		if len(o.pending) >= o.cfg.PendingCapacity {
			return avatar.ErrQueueFull
		}
		o.pending = append(o.pending, text)
		return nil
	}
	return o.active.Speak(text)
}

// State returns a snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := State{
		Stage:                o.stage,
		Ready:                o.ready,
		Speaking:             o.speaking,
		TransitionInProgress: o.transitioning,
		Pending:              len(o.pending),
	}
	if o.stage < StageFailed && int(o.stage) < len(o.cfg.Providers) {
		st.Provider = o.cfg.Providers[o.stage].Kind
	}
	if len(o.errs) > 0 {
		st.Errors = make(map[string]string, len(o.errs))
		for k, err := range o.errs {
			st.Errors[string(k)] = err.Error()
		}
	}
	return st
}

// Stats returns activity counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Transitions: o.transitions.Load(),
		Resets:      o.resets.Load(),
		Ignored:     o.ignored.Load(),
		Carried:     o.carried.Load(),
		Dropped:     o.dropped.Load(),
	}
}

// Reset tears down the current adapter, forgets every recorded error and
// starts again from the primary provider. Unspoken text is carried over.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.stopTimersLocked()
	olds := o.detachLocked()
	o.errs = make(map[avatar.Kind]error)
	o.failOrder = nil
	o.transitioning = false
	wasReady, wasSpeaking := o.ready, o.speaking
	o.ready, o.speaking = false, false
	gen := o.gen
	o.mu.Unlock()

	o.resets.Add(1)
	o.logger.Info("manual reset, restarting from primary provider")
	o.notifyIdle(wasReady, wasSpeaking)
	o.carry(ctx, olds)
	o.startStage(StagePrimary, gen)
	return nil
}

// Close tears down the active adapter and stops every timer. Close is
// idempotent.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.stopTimersLocked()
	olds := o.detachLocked()
	cancel := o.cancel
	o.mu.Unlock()

	for _, a := range olds {
		if err := a.Disconnect(ctx); err != nil {
			o.logger.Warn("disconnect failed", "provider", a.Kind(), "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	o.watchers.Wait()
	return nil
}

func (o *Orchestrator) stopTimersLocked() {
	o.initTimer.Stop()
	o.switchTimer.Stop()
	o.settleTimer.Stop()
}

// detachLocked invalidates every outstanding event and returns the adapters
// that still need tearing down.
func (o *Orchestrator) detachLocked() []avatar.Adapter {
	o.gen++
	var olds []avatar.Adapter
	if o.active != nil {
		olds = append(olds, o.active)
	}
	if o.failing != nil {
		olds = append(olds, o.failing)
	}
	o.active, o.failing = nil, nil
	return olds
}

// carry disconnects adapters and moves their unspoken text to the front of
// the pending list.
func (o *Orchestrator) carry(ctx context.Context, olds []avatar.Adapter) {
	var texts []string
	for _, a := range olds {
		dctx, cancel := context.WithTimeout(ctx, o.cfg.DisconnectTimeout)
		if err := a.Disconnect(dctx); err != nil {
			o.logger.Warn("disconnect failed", "provider", a.Kind(), "error", err)
		}
		cancel()
		texts = append(texts, a.Drain()...)
	}
	if len(texts) == 0 {
		return
	}
	o.carried.Add(int64(len(texts)))
	o.mu.Lock()
	o.pending = append(texts, o.pending...)
	o.mu.Unlock()
}

// startStage builds and connects the adapter for stage. expect is the
// generation the caller observed; when Reset or Close moved on while the
// constructor ran, the new adapter is discarded. It returns the generation
// of the started adapter and false when nothing was started.
func (o *Orchestrator) startStage(stage Stage, expect uint64) (uint64, bool) {
	p := o.cfg.Providers[stage]
	a, err := p.New()

	o.mu.Lock()
	if o.closed || o.gen != expect {
		o.mu.Unlock()
		if a != nil {
			o.logger.Debug("discarding superseded adapter", "provider", p.Kind)
			o.disconnect(a)
		}
		return 0, false
	}
	o.gen++
	gen := o.gen
	o.stage = stage
	if err != nil {
		o.switchFrom(gen, p.Kind, avatar.NewInitError(p.Kind, "create", err))
		return 0, false
	}

	prev := o.active
	o.active = a
	o.flushPendingLocked(a)
	ctx := o.ctx
	o.watchers.Add(1)

	timeout := p.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout(p.Kind)
	}
	o.initTimer.Reset(timeout, func() { o.initTimedOut(gen, p.Kind, timeout) })
	o.mu.Unlock()

	if prev != nil {
		o.logger.Warn("replacing adapter that was still active", "provider", prev.Kind())
		o.disconnect(prev)
		for _, text := range prev.Drain() {
			if err := a.Speak(text); err != nil {
				o.dropped.Add(1)
			}
		}
	}

	go o.watch(gen, a)

	o.logger.Info("starting avatar provider", "provider", p.Kind, "stage", stage, "init_timeout", timeout)
	if cb := o.callbacks().OnProviderChange; cb != nil {
		cb(p.Kind)
	}
	go func() {
		if err := a.Connect(ctx); err != nil {
			o.logger.Debug("connect returned error", "provider", p.Kind, "error", err)
		}
	}()
	return gen, true
}

func (o *Orchestrator) disconnect(a avatar.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DisconnectTimeout)
	defer cancel()
	if err := a.Disconnect(ctx); err != nil {
		o.logger.Warn("disconnect failed", "provider", a.Kind(), "error", err)
	}
}

func (o *Orchestrator) flushPendingLocked(a avatar.Adapter) {
	for _, text := range o.pending {
		if err := a.Speak(text); err != nil {
			o.dropped.Add(1)
			o.logger.Warn("carried text rejected", "provider", a.Kind(), "error", err)
		}
	}
	o.pending = nil
}

func (o *Orchestrator) watch(gen uint64, a avatar.Adapter) {
	defer o.watchers.Done()
	kind := a.Kind()

	for ev := range a.Events() {
		switch ev := ev.(type) {
		case avatar.Ready:
			o.onReady(gen, kind)
		case avatar.Speaking:
			o.onSpeaking(gen, ev.Active)
		case avatar.Error:
			o.fail(gen, ev.Err)
		case avatar.ConnectionState:
			o.logger.Debug("provider state", "provider", kind, "state", ev.State)
		}
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	if gen != o.gen || o.active == nil {
		o.ignored.Add(1)
		return false
	}
	return true
}

func (o *Orchestrator) onReady(gen uint64, kind avatar.Kind) {
	o.mu.Lock()
	if !o.current(gen) {
		o.mu.Unlock()
		o.logger.Debug("ignoring ready from inactive provider", "provider", kind)
		return
	}
	if o.ready {
		o.mu.Unlock()
		return
	}
	o.ready = true
	o.initTimer.Stop()
	o.mu.Unlock()

	o.logger.Info("avatar ready", "provider", kind)
	if cb := o.callbacks().OnAvatarReady; cb != nil {
		cb(true)
	}
}

func (o *Orchestrator) onSpeaking(gen uint64, on bool) {
	o.mu.Lock()
	if !o.current(gen) || o.speaking == on {
		o.mu.Unlock()
		return
	}
	o.speaking = on
	o.mu.Unlock()

	if cb := o.callbacks().OnAvatarSpeakingChange; cb != nil {
		cb(on)
	}
}

func (o *Orchestrator) initTimedOut(gen uint64, kind avatar.Kind, after time.Duration) {
	o.mu.Lock()
	stale := gen != o.gen || o.ready
	o.mu.Unlock()
	if stale {
		return
	}
	o.fail(gen, avatar.NewInitError(kind, "connect", fmt.Errorf("%w after %s", avatar.ErrInitTimeout, after)))
}

// fail records the first error of the active provider and schedules the
// switch to the next tier. While a transition is in progress the error is
// only recorded.
func (o *Orchestrator) fail(gen uint64, err error) {
	o.mu.Lock()
	if o.closed || o.stage == StageFailed || gen != o.gen {
		o.ignored.Add(1)
		o.mu.Unlock()
		o.logger.Debug("ignoring error from inactive provider", "error", err)
		return
	}
	kind := o.cfg.Providers[o.stage].Kind
	if o.transitioning {
		if _, seen := o.errs[kind]; !seen {
			o.errs[kind] = err
		}
		o.mu.Unlock()
		o.logger.Warn("transition in progress, not acting on provider error", "provider", kind, "error", err)
		return
	}
	if o.switchedFrom(kind) {
		o.mu.Unlock()
		return
	}
	o.switchFrom(gen, kind, err)
}

func (o *Orchestrator) switchedFrom(kind avatar.Kind) bool {
	for _, k := range o.failOrder {
		if k == kind {
			return true
		}
	}
	return false
}

// switchFrom starts the transition away from kind. It is called with o.mu
// held and releases it.
func (o *Orchestrator) switchFrom(gen uint64, kind avatar.Kind, err error) {
	if _, seen := o.errs[kind]; !seen {
		o.errs[kind] = err
	}
	o.failOrder = append(o.failOrder, kind)
	o.transitioning = true
	o.initTimer.Stop()
	o.failing, o.active = o.active, nil
	wasReady, wasSpeaking := o.ready, o.speaking
	o.ready, o.speaking = false, false
	o.mu.Unlock()

	o.transitions.Add(1)
	o.logger.Error("avatar provider failed, falling back", "provider", kind, "error", err)
	o.notifyIdle(wasReady, wasSpeaking)
	o.switchTimer.Reset(o.cfg.SwitchDelay, func() { o.advance(gen) })
}

func (o *Orchestrator) advance(gen uint64) {
	o.mu.Lock()
	if o.closed || gen != o.gen {
		o.mu.Unlock()
		return
	}
	old := o.failing
	o.failing = nil
	next := o.stage + 1
	ctx := o.ctx
	o.mu.Unlock()

	if old != nil {
		o.carry(ctx, []avatar.Adapter{old})
	}

	o.mu.Lock()
	if o.closed || gen != o.gen {
		// Reset won the race; hand the carried text to its adapter.
		if o.active != nil {
			o.flushPendingLocked(o.active)
		}
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if int(next) >= len(o.cfg.Providers) {
		o.enterFailed(gen)
		return
	}
	if started, ok := o.startStage(next, gen); ok {
		o.settleTimer.Reset(o.cfg.SettleDelay, func() { o.settle(started) })
	}
}

// settle ends the transition that started generation gen.
func (o *Orchestrator) settle(gen uint64) {
	o.mu.Lock()
	if gen == o.gen {
		o.transitioning = false
	}
	o.mu.Unlock()
}

func (o *Orchestrator) enterFailed(gen uint64) {
	o.mu.Lock()
	if o.closed || gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.stage = StageFailed
	o.gen++
	o.transitioning = false
	dropped := len(o.pending)
	o.pending = nil
	ferr := &FailedError{
		Kinds:  append([]avatar.Kind(nil), o.failOrder...),
		Errors: make(map[avatar.Kind]error, len(o.errs)),
	}
	for k, err := range o.errs {
		ferr.Errors[k] = err
	}
	o.mu.Unlock()

	o.dropped.Add(int64(dropped))
	o.logger.Error("all avatar providers failed, continuing without avatar", "error", ferr, "dropped", dropped)
	if cb := o.callbacks().OnFailed; cb != nil {
		cb(ferr)
	}
}

func (o *Orchestrator) notifyIdle(wasReady, wasSpeaking bool) {
	h := o.callbacks()
	if wasSpeaking && h.OnAvatarSpeakingChange != nil {
		h.OnAvatarSpeakingChange(false)
	}
	if wasReady && h.OnAvatarReady != nil {
		h.OnAvatarReady(false)
	}
}
