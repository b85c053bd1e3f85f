package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event names a control message sent to the transcription backend.
type Event string

// Control events understood by the backend.
const (
	EventHeartbeat         Event = "heartbeat"
	EventPauseRecognition  Event = "pause_recognition"
	EventResumeRecognition Event = "resume_recognition"
	EventEndOfSpeech       Event = "end_of_speech"
)

// Control is the JSON envelope of every outbound text message.
type Control struct {
	Event          Event  `json:"event"`
	AgentID        string `json:"agentId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp"`
}

// NewControl stamps an event with the current time in milliseconds.
func NewControl(ev Event, agentID, userID, conversationID string) Control {
	return Control{
		Event:          ev,
		AgentID:        agentID,
		UserID:         userID,
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// Responses holds dialogflowResponse, which the backend sends either as a
// single string or as an array of strings.
type Responses []string

// UnmarshalJSON accepts a string, an array of strings or null.
func (r *Responses) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*r = nil
			return nil
		}
		*r = Responses{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("dialogflowResponse: %w", err)
	}
	*r = list
	return nil
}

// Inbound is a message received from the backend. Every field is optional.
type Inbound struct {
	UserTranscript     string         `json:"userTranscript,omitempty"`
	IsInterim          bool           `json:"isInterim,omitempty"`
	IsInitialGreeting  bool           `json:"isInitialGreeting,omitempty"`
	DialogflowResponse Responses      `json:"dialogflowResponse,omitempty"`
	SessionParams      map[string]any `json:"sessionParams,omitempty"`
	ConversationID     string         `json:"conversation_id,omitempty"`
}

// HasTranscript reports whether the message carries user speech.
func (m Inbound) HasTranscript() bool { return m.UserTranscript != "" }

// HasResponses reports whether the message carries avatar response text.
func (m Inbound) HasResponses() bool { return len(m.DialogflowResponse) > 0 }

// Params returns SessionParams, never nil.
func (m Inbound) Params() map[string]any {
	if m.SessionParams == nil {
		return map[string]any{}
	}
	return m.SessionParams
}

// DecodeInbound parses one text message.
func DecodeInbound(data []byte) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}
