package channel

import (
	"errors"
	"fmt"
)

// Sentinel errors for the channel package.
var (
	// ErrNotConnected indicates there is no open connection.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("channel: already connected")

	// ErrClosed indicates the connection was closed by the caller.
	ErrClosed = errors.New("channel: closed")

	// ErrInvalidMessage indicates a malformed inbound message.
	ErrInvalidMessage = errors.New("channel: invalid message")

	// ErrMissingAgentID indicates the agent ID was not provided.
	ErrMissingAgentID = errors.New("channel: agent ID is required")

	// ErrInvalidURL indicates the backend URL could not be used.
	ErrInvalidURL = errors.New("channel: invalid backend URL")
)

// ChannelError reports a transport failure. A ChannelError delivered through
// OnError after the reconnect attempt failed is fatal to the session.
type ChannelError struct {
	// Op is the failing operation: "connect", "reconnect" or "write".
	Op string

	// Code is the websocket close code that caused a reconnect, if any.
	Code int

	Err error
}

func (e *ChannelError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("channel: %s failed after close %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("channel: %s failed: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Fatal reports whether the session cannot continue.
func (e *ChannelError) Fatal() bool { return e.Op == "reconnect" }

// IsFatal reports whether err is a fatal ChannelError.
func IsFatal(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce) && ce.Fatal()
}
