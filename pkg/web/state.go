package web

import (
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/channel"
	"github.com/teslashibe/go-interview/pkg/hub"
	"github.com/teslashibe/go-interview/pkg/interview"
)

var (
	_ interview.Observer       = (*Server)(nil)
	_ interview.StatusObserver = (*Server)(nil)
)

// Event types sent on /ws/events.
const (
	EventState          = "state"
	EventTranscript     = "transcript"
	EventResponses      = "responses"
	EventVoiceActivity  = "voice_activity"
	EventAvatarSpeaking = "avatar_speaking"
	EventAvatarReady    = "avatar_ready"
	EventProcessing     = "processing"
	EventProvider       = "avatar_provider"
	EventAvatarFailed   = "avatar_failed"
	EventChannel        = "channel"
	EventError          = "error"
	EventEnded          = "ended"
)

// State is what the UI shows.
type State struct {
	Transcript     string         `json:"transcript"`
	Interim        bool           `json:"interim"`
	Responses      []string       `json:"responses,omitempty"`
	SessionParams  map[string]any `json:"session_params,omitempty"`
	VoiceActive    bool           `json:"voice_active"`
	Volume         float64        `json:"volume"`
	AvatarSpeaking bool           `json:"avatar_speaking"`
	AvatarReady    bool           `json:"avatar_ready"`
	Processing     bool           `json:"processing"`
	Provider       avatar.Kind    `json:"provider,omitempty"`
	AvatarError    string         `json:"avatar_error,omitempty"`
	Channel        string         `json:"channel"`
	LastError      string         `json:"last_error,omitempty"`
	Ended          bool           `json:"ended"`
	EndReason      string         `json:"end_reason,omitempty"`
}

// TranscriptData is the payload of EventTranscript.
type TranscriptData struct {
	Text      string `json:"text"`
	IsInterim bool   `json:"is_interim"`
}

// ResponsesData is the payload of EventResponses.
type ResponsesData struct {
	Responses     []string       `json:"responses"`
	SessionParams map[string]any `json:"session_params,omitempty"`
}

// VoiceData is the payload of EventVoiceActivity.
type VoiceData struct {
	Active bool    `json:"active"`
	Volume float64 `json:"volume"`
}

// State returns a copy of the UI state.
func (s *Server) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st := s.state
	st.Responses = append([]string(nil), s.state.Responses...)
	return st
}

// update applies fn to the state and broadcasts an event. It never calls
// back into the interview.
func (s *Server) update(typ string, data any, fn func(*State)) {
	s.stateMu.Lock()
	fn(&s.state)
	s.stateMu.Unlock()
	if err := s.events.Publish(hub.NewEvent(typ, data)); err != nil {
		s.logger.Warn("event not encoded", "type", typ, "error", err)
	}
}

func (s *Server) OnTranscriptChange(text string, isInterim bool) {
	s.update(EventTranscript, TranscriptData{Text: text, IsInterim: isInterim}, func(st *State) {
		st.Transcript, st.Interim = text, isInterim
		if !isInterim {
			st.Processing = false
		}
	})
}

func (s *Server) OnDialogflowResponseChange(responses []string, params map[string]any) {
	responses = append([]string(nil), responses...)
	s.update(EventResponses, ResponsesData{Responses: responses, SessionParams: params}, func(st *State) {
		st.Responses, st.SessionParams = responses, params
		st.Processing = false
	})
}

func (s *Server) OnVoiceActivityChange(active bool, volume float64) {
	s.update(EventVoiceActivity, VoiceData{Active: active, Volume: volume}, func(st *State) {
		st.VoiceActive, st.Volume = active, volume
	})
}

func (s *Server) OnAvatarSpeakingChange(speaking bool) {
	s.update(EventAvatarSpeaking, speaking, func(st *State) { st.AvatarSpeaking = speaking })
}

func (s *Server) OnAvatarReady(ready bool) {
	s.update(EventAvatarReady, ready, func(st *State) { st.AvatarReady = ready })
}

func (s *Server) OnProcessingStart() {
	s.update(EventProcessing, true, func(st *State) { st.Processing = true })
}

func (s *Server) OnAvatarProviderChange(kind avatar.Kind) {
	s.update(EventProvider, kind, func(st *State) {
		st.Provider = kind
		st.AvatarError = ""
	})
}

func (s *Server) OnAvatarFailed(err error) {
	msg := err.Error()
	s.update(EventAvatarFailed, msg, func(st *State) {
		st.AvatarError = msg
		st.AvatarReady, st.AvatarSpeaking = false, false
		st.Provider = ""
	})
}

func (s *Server) OnChannelStateChange(state channel.State) {
	name := state.String()
	s.update(EventChannel, name, func(st *State) { st.Channel = name })
}

func (s *Server) OnError(err error) {
	msg := err.Error()
	s.update(EventError, msg, func(st *State) { st.LastError = msg })
}

func (s *Server) OnEnded(reason string) {
	s.update(EventEnded, reason, func(st *State) {
		st.Ended, st.EndReason = true, reason
		st.AvatarSpeaking, st.Processing = false, false
	})
}
