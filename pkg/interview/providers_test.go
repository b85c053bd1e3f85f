package interview

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/avatar/did"
	"github.com/teslashibe/go-interview/pkg/avatar/heygen"
	"github.com/teslashibe/go-interview/pkg/credentials"
)

type fakeResolver struct {
	avatar    credentials.AvatarConfig
	avatarErr error
	did       credentials.DIDConfig
	didErr    error
}

func (r *fakeResolver) HeyGenToken(context.Context) (string, error)   { return "token", nil }
func (r *fakeResolver) ElevenLabsKey(context.Context) (string, error) { return "key", nil }

func (r *fakeResolver) AvatarConfig(context.Context, string) (credentials.AvatarConfig, error) {
	return r.avatar, r.avatarErr
}

func (r *fakeResolver) DIDConfig(context.Context, string) (credentials.DIDConfig, error) {
	return r.did, r.didErr
}

func TestHeyGenConfig(t *testing.T) {
	base := heygen.DefaultConfig()

	got := HeyGenConfig(base, credentials.AvatarConfig{
		AvatarName: "Wayne_20240711",
		Voice:      credentials.VoiceConfig{Rate: 1.5},
	})
	if got.AvatarName != "Wayne_20240711" || got.VoiceRate != 1.5 {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.Quality != base.Quality || got.VoiceEmotion != base.VoiceEmotion || got.Language != base.Language {
		t.Errorf("empty fields must keep the base: %+v", got)
	}
	if got.DisableIdleTimeout {
		t.Error("DisableIdleTimeout must follow the interview")
	}

	def := credentials.DefaultAvatarConfig()
	got = HeyGenConfig(base, def)
	if got.Quality != def.Quality || got.VoiceEmotion != def.Voice.Emotion || !got.DisableIdleTimeout {
		t.Errorf("default avatar config not applied: %+v", got)
	}
}

func TestDIDConfig(t *testing.T) {
	got := DIDConfig(did.DefaultConfig(), credentials.DIDConfig{AgentID: "agt_1", ClientKey: "ck"})
	if got.AgentID != "agt_1" || got.ClientKey != "ck" {
		t.Errorf("DIDConfig() = %+v", got)
	}
	if got.BaseURL != did.DefaultBaseURL {
		t.Errorf("BaseURL = %q", got.BaseURL)
	}
}

func newBuilder(r credentials.Resolver, tiers ...avatar.Kind) *builder {
	avatars := DefaultAvatars(r)
	if len(tiers) > 0 {
		avatars.Tiers = tiers
	}
	return &builder{
		ctx:         context.Background(),
		interviewID: "iv-1",
		avatars:     avatars,
		logger:      log.Discard(),
		newSink: func(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error) {
			return audioio.NewMockSink(cfg, logger), nil
		},
	}
}

func TestBuilder_Providers(t *testing.T) {
	providers, err := newBuilder(&fakeResolver{}).providers()
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != len(DefaultTiers) {
		t.Fatalf("got %d providers", len(providers))
	}
	for i, p := range providers {
		if p.Kind != DefaultTiers[i] || p.New == nil {
			t.Errorf("provider %d = %s", i, p.Kind)
		}
	}

	if _, err := newBuilder(&fakeResolver{}, avatar.KindHeyGen, "tavus").providers(); err == nil {
		t.Error("unsupported provider accepted")
	}
}

func TestBuilder_Adapters(t *testing.T) {
	r := &fakeResolver{
		avatar: credentials.DefaultAvatarConfig(),
		did:    credentials.DIDConfig{AgentID: "agt_1", ClientKey: "ck"},
	}
	b := newBuilder(r)

	tests := []struct {
		name string
		new  func() (avatar.Adapter, error)
		want avatar.Kind
	}{
		{"heygen", b.heygen, avatar.KindHeyGen},
		{"did", b.did, avatar.KindDID},
		{"local", b.local, avatar.KindLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := tt.new()
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if a.Kind() != tt.want {
				t.Errorf("Kind() = %s, want %s", a.Kind(), tt.want)
			}
		})
	}
}

func TestBuilder_AdapterErrors(t *testing.T) {
	tests := []struct {
		name    string
		r       *fakeResolver
		new     func(b *builder) (avatar.Adapter, error)
		wantErr error
	}{
		{
			name:    "avatar config missing",
			r:       &fakeResolver{avatarErr: credentials.ErrNotFound},
			new:     (*builder).heygen,
			wantErr: credentials.ErrNotFound,
		},
		{
			name:    "d-id agent missing",
			r:       &fakeResolver{didErr: credentials.ErrNotFound},
			new:     (*builder).did,
			wantErr: credentials.ErrNotFound,
		},
		{
			name:    "d-id key undefined",
			r:       &fakeResolver{did: credentials.DIDConfig{AgentID: "agt_1", ClientKey: "undefined"}},
			new:     (*builder).did,
			wantErr: avatar.ErrMissingCredentials,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.new(newBuilder(tt.r))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuilder_LocalSinkError(t *testing.T) {
	b := newBuilder(&fakeResolver{})
	b.newSink = func(audioio.Config, *slog.Logger) (audioio.Sink, error) {
		return nil, audioio.ErrNoDevice
	}
	if _, err := b.local(); !errors.Is(err, audioio.ErrNoDevice) {
		t.Errorf("error = %v, want ErrNoDevice", err)
	}
}
