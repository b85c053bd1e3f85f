// Package avatar defines the contract shared by every talking-avatar
// provider and the queue-driven runner they embed.
//
// An Adapter owns one provider session. It reports what happens to that
// session through a stream of Events and never touches orchestration state
// itself. Text handed to Speak is queued and spoken strictly in order, one
// utterance at a time.
//
// Example usage:
//
//	a := heygen.New(cfg)
//	go func() {
//	    for ev := range a.Events() {
//	        switch ev := ev.(type) {
//	        case avatar.Ready:
//	        case avatar.Speaking:
//	            engine.SetAvatarSpeaking(ev.Active)
//	        case avatar.Error:
//	            log.Println(ev.Err)
//	        }
//	    }
//	}()
//	_ = a.Speak("Welcome to your interview.")
//	_ = a.Connect(ctx)
package avatar

import "context"

// Kind identifies a provider.
type Kind string

const (
	KindHeyGen Kind = "heygen"
	KindDID    Kind = "did"
	KindLocal  Kind = "local"
	KindMock   Kind = "mock"
)

// ProviderState is the lifecycle state of one adapter.
type ProviderState int

const (
	StateConnecting ProviderState = iota
	StateReady
	StateSpeaking
	StateError
	StateDisconnected
)

func (s ProviderState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Adapter is a talking-avatar provider.
type Adapter interface {
	// Kind identifies the provider.
	Kind() Kind

	// Connect starts the provider session. Readiness and failures are
	// reported through Events; a returned error has also been reported
	// there.
	Connect(ctx context.Context) error

	// Speak queues text. It never blocks on playback. After the adapter
	// has failed nothing more is spoken; queued text is kept for Drain.
	Speak(text string) error

	// Disconnect tears the session down and closes Events.
	Disconnect(ctx context.Context) error

	// Events delivers Ready, Speaking, Error and ConnectionState values.
	Events() <-chan Event

	// Drain removes and returns every queued text, oldest first.
	Drain() []string

	// State returns the current provider state.
	State() ProviderState
}

// Event is one of Ready, Speaking, Error or ConnectionState.
type Event interface {
	isEvent()
}

// Ready reports that the provider session is fully established.
type Ready struct{}

// Speaking reports the start or end of spoken output.
type Speaking struct {
	Active bool
}

// Error carries the single *AvatarError an adapter reports.
type Error struct {
	Err error
}

// ConnectionState reports a provider state change.
type ConnectionState struct {
	State ProviderState
}

func (Ready) isEvent()           {}
func (Speaking) isEvent()        {}
func (Error) isEvent()           {}
func (ConnectionState) isEvent() {}
