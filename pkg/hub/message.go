// Package hub fans events out to browser websocket clients using a single
// goroutine that owns the client set.
package hub

import (
	"encoding/json"
	"time"
)

// Event is the envelope every client receives.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, At: time.Now().UTC()}
}

// Encode marshals the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
