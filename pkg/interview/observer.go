package interview

import (
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/channel"
)

// Observer receives everything an interview pushes to its UI. Methods may be
// called from several goroutines and must not block.
type Observer interface {
	OnTranscriptChange(text string, isInterim bool)
	OnDialogflowResponseChange(responses []string, sessionParams map[string]any)
	OnVoiceActivityChange(active bool, volume float64)
	OnAvatarSpeakingChange(speaking bool)
	OnAvatarReady(ready bool)
	OnProcessingStart()
}

// StatusObserver is implemented by observers that also want provider and
// lifecycle notifications.
type StatusObserver interface {
	OnAvatarProviderChange(kind avatar.Kind)
	OnAvatarFailed(err error)
	OnChannelStateChange(state channel.State)
	OnError(err error)
	OnEnded(reason string)
}

// NopObserver ignores every notification. Embed it to implement only some
// methods.
type NopObserver struct{}

func (NopObserver) OnTranscriptChange(string, bool)                     {}
func (NopObserver) OnDialogflowResponseChange([]string, map[string]any) {}
func (NopObserver) OnVoiceActivityChange(bool, float64)                 {}
func (NopObserver) OnAvatarSpeakingChange(bool)                         {}
func (NopObserver) OnAvatarReady(bool)                                  {}
func (NopObserver) OnProcessingStart()                                  {}

var _ Observer = NopObserver{}
