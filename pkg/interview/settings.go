package interview

import (
	"github.com/teslashibe/go-interview/internal/config"
	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/credentials"
)

// ConfigFrom maps the process configuration onto a Config whose avatars are
// resolved through r.
func ConfigFrom(env *config.Config, r credentials.Resolver) Config {
	cfg := DefaultConfig()
	cfg.InterviewID = env.InterviewID

	cfg.Channel.BackendURL = env.Channel.BackendURL
	cfg.Channel.AgentID = env.Channel.AgentID
	cfg.Channel.UserID = env.Channel.UserID
	cfg.Transcript.SilenceTimeout = env.Channel.SilenceTimeout

	backend := audioio.Backend(env.Audio.Backend)
	cfg.Capture.Audio.Backend = backend
	cfg.Constraints.SampleRate = env.Audio.SampleRate
	cfg.Constraints.Device = env.Audio.Device

	cfg.Avatars = DefaultAvatars(r)
	cfg.Avatars.Playback.Backend = backend
	cfg.Avatars.Local.Voice = env.Providers.ElevenLabsVoice
	return cfg
}
