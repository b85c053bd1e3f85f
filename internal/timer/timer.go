// Package timer provides named, cancellable timeout handles.
//
// A Handle is owned by the component that created it. Stop must be called on
// teardown; a stopped handle never fires its callback again, even when the
// underlying runtime timer had already expired and was waiting to run.
package timer

import (
	"sync"
	"time"
)

// Handle is a restartable one-shot timer.
type Handle struct {
	name string

	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	fired int
}

// New creates an idle handle. name is only used for diagnostics.
func New(name string) *Handle {
	return &Handle{name: name}
}

// Name returns the handle name.
func (h *Handle) Name() string { return h.name }

// Reset (re)arms the handle. Any pending callback from an earlier arming is
// discarded.
func (h *Handle) Reset(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.t != nil {
		h.t.Stop()
	}
	h.gen++
	gen := h.gen
	h.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		if gen != h.gen {
			h.mu.Unlock()
			return
		}
		h.t = nil
		h.fired++
		h.mu.Unlock()
		fn()
	})
}

// Stop cancels the pending callback. It reports whether one was pending.
func (h *Handle) Stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.gen++
	if h.t == nil {
		return false
	}
	h.t.Stop()
	h.t = nil
	return true
}

// Pending reports whether a callback is armed.
func (h *Handle) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t != nil
}

// Fired returns how many times the handle has fired.
func (h *Handle) Fired() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

// Ticker runs fn every interval until stop is closed or Stop is called.
type Ticker struct {
	name string
	once sync.Once
	done chan struct{}
}

// Every starts a ticker.
func Every(name string, interval time.Duration, fn func()) *Ticker {
	t := &Ticker{name: name, done: make(chan struct{})}
	go func() {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-tk.C:
				fn()
			}
		}
	}()
	return t
}

// Stop halts the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}
