package interview

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/avatar/did"
	"github.com/teslashibe/go-interview/pkg/avatar/heygen"
	"github.com/teslashibe/go-interview/pkg/avatar/local"
	"github.com/teslashibe/go-interview/pkg/credentials"
	"github.com/teslashibe/go-interview/pkg/media"
	"github.com/teslashibe/go-interview/pkg/orchestrator"
)

// DefaultTiers is the fallback order of avatar providers.
var DefaultTiers = []avatar.Kind{avatar.KindHeyGen, avatar.KindDID, avatar.KindLocal}

// SinkFactory opens an audio output.
type SinkFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error)

// Avatars configures the provider tiers built for an interview. Settings
// that vary per interview come from Resolver; the configs here are the base
// they are applied to.
type Avatars struct {
	Resolver credentials.Resolver

	// Tiers selects and orders the providers. Defaults to DefaultTiers.
	Tiers []avatar.Kind

	HeyGen heygen.Config
	DID    did.Config
	Local  local.Config

	// Playback is the audio output for avatar speech, both the decoded
	// streaming tracks and the local voice.
	Playback audioio.Config
}

// DefaultAvatars returns the provider defaults for r.
func DefaultAvatars(r credentials.Resolver) Avatars {
	return Avatars{
		Resolver: r,
		Tiers:    DefaultTiers,
		HeyGen:   heygen.DefaultConfig(),
		DID:      did.DefaultConfig(),
		Local:    local.DefaultConfig(),
		Playback: audioio.DefaultConfig(),
	}
}

// HeyGenConfig applies an interview's avatar settings to base.
func HeyGenConfig(base heygen.Config, ac credentials.AvatarConfig) heygen.Config {
	cfg := base
	if ac.AvatarName != "" {
		cfg.AvatarName = ac.AvatarName
	}
	if ac.Quality != "" {
		cfg.Quality = ac.Quality
	}
	if ac.Voice.Rate > 0 {
		cfg.VoiceRate = ac.Voice.Rate
	}
	if ac.Voice.Emotion != "" {
		cfg.VoiceEmotion = ac.Voice.Emotion
	}
	if ac.Language != "" {
		cfg.Language = ac.Language
	}
	cfg.DisableIdleTimeout = ac.DisableIdleTimeout
	return cfg
}

// DIDConfig applies an interview's D-ID agent to base.
func DIDConfig(base did.Config, dc credentials.DIDConfig) did.Config {
	cfg := base
	cfg.AgentID = dc.AgentID
	cfg.ClientKey = dc.ClientKey
	return cfg
}

// builder creates the orchestrator tiers of one interview. Adapters are
// built lazily each time their tier starts, so a Reset picks up fresh
// credentials.
type builder struct {
	ctx         context.Context
	interviewID string
	avatars     Avatars
	logger      *slog.Logger

	// media is shared by the streaming providers; their peers write the
	// remote audio track into it.
	media   media.Factory
	newSink SinkFactory
}

func (b *builder) providers() ([]orchestrator.Provider, error) {
	tiers := b.avatars.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	out := make([]orchestrator.Provider, 0, len(tiers))
	for _, kind := range tiers {
		var fn func() (avatar.Adapter, error)
		switch kind {
		case avatar.KindHeyGen:
			fn = b.heygen
		case avatar.KindDID:
			fn = b.did
		case avatar.KindLocal:
			fn = b.local
		default:
			return nil, fmt.Errorf("interview: unsupported avatar provider %q", kind)
		}
		out = append(out, orchestrator.Provider{Kind: kind, New: fn})
	}
	return out, nil
}

func (b *builder) heygen() (avatar.Adapter, error) {
	ac, err := b.avatars.Resolver.AvatarConfig(b.ctx, b.interviewID)
	if err != nil {
		return nil, fmt.Errorf("avatar config: %w", err)
	}
	cfg := HeyGenConfig(b.avatars.HeyGen, ac)
	cfg.Logger = b.logger
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []heygen.Option
	if b.media != nil {
		opts = append(opts, heygen.WithConnFactory(b.media))
	}
	return heygen.New(cfg, credentials.HeyGenTokens{Resolver: b.avatars.Resolver}, opts...), nil
}

func (b *builder) did() (avatar.Adapter, error) {
	dc, err := b.avatars.Resolver.DIDConfig(b.ctx, b.interviewID)
	if err != nil {
		return nil, fmt.Errorf("d-id config: %w", err)
	}
	cfg := DIDConfig(b.avatars.DID, dc)
	cfg.Logger = b.logger
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []did.Option
	if b.media != nil {
		opts = append(opts, did.WithConnFactory(b.media))
	}
	return did.New(cfg, opts...), nil
}

func (b *builder) local() (avatar.Adapter, error) {
	sink, err := b.newSink(b.avatars.Playback, b.logger)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	cfg := b.avatars.Local
	cfg.Logger = b.logger
	return local.NewDefault(cfg, credentials.ElevenLabsKey(b.avatars.Resolver), sink)
}
