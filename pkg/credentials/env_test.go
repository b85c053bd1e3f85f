package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/teslashibe/go-interview/internal/config"
)

func TestEnv(t *testing.T) {
	ctx := context.Background()

	t.Run("missing keys", func(t *testing.T) {
		e := NewEnv(config.Providers{})
		if _, err := e.ElevenLabsKey(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("ElevenLabsKey() error = %v, want ErrNotFound", err)
		}
		if _, err := e.HeyGenToken(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("HeyGenToken() error = %v, want ErrNotFound", err)
		}
		if _, err := e.DIDConfig(ctx, "i1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DIDConfig() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("configured", func(t *testing.T) {
		e := NewEnv(config.Providers{
			ElevenLabsAPIKey: "xi",
			HeyGenAvatarID:   "Anna_public",
			DIDAgentID:       "agt_1",
			DIDClientKey:     "ck",
		})
		if key, _ := e.ElevenLabsKey(ctx); key != "xi" {
			t.Errorf("ElevenLabsKey() = %q", key)
		}
		av, _ := e.AvatarConfig(ctx, "i1")
		if av.AvatarName != "Anna_public" || av.Language != "en" {
			t.Errorf("AvatarConfig() = %+v", av)
		}
		did, err := e.DIDConfig(ctx, "i1")
		if err != nil || did.AgentID != "agt_1" || did.ClientKey != "ck" {
			t.Errorf("DIDConfig() = %+v, %v", did, err)
		}
	})

	t.Run("undefined client key", func(t *testing.T) {
		e := NewEnv(config.Providers{DIDAgentID: "agt_1", DIDClientKey: "undefined"})
		if _, err := e.DIDConfig(ctx, "i1"); !errors.Is(err, ErrInvalid) {
			t.Errorf("DIDConfig() error = %v, want ErrInvalid", err)
		}
	})
}

func TestNew_UnknownSource(t *testing.T) {
	_, err := New(context.Background(), config.Credentials{Source: "vault"}, config.Providers{}, nil)
	if !errors.Is(err, ErrUnknownSource) {
		t.Errorf("New() error = %v, want ErrUnknownSource", err)
	}
	r, err := New(context.Background(), config.Credentials{Source: config.SourceEnv}, config.Providers{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*Env); !ok {
		t.Errorf("New(env) = %T, want *Env", r)
	}
}
