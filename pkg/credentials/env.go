package credentials

import (
	"context"
	"fmt"

	"github.com/teslashibe/go-interview/internal/config"
	"github.com/teslashibe/go-interview/pkg/avatar/heygen"
)

// Env resolves everything from static process configuration. HeyGen tokens
// are minted with the configured API key.
type Env struct {
	providers config.Providers
	tokens    heygen.TokenSource
}

// NewEnv creates an Env resolver.
func NewEnv(providers config.Providers) *Env {
	return &Env{
		providers: providers,
		tokens:    &heygen.APITokens{APIKey: providers.HeyGenAPIKey},
	}
}

// HeyGenToken implements Resolver.
func (e *Env) HeyGenToken(ctx context.Context) (string, error) {
	if e.providers.HeyGenAPIKey == "" {
		return "", fmt.Errorf("%w: HEYGEN_API_KEY", ErrNotFound)
	}
	return e.tokens.Token(ctx)
}

// ElevenLabsKey implements Resolver.
func (e *Env) ElevenLabsKey(context.Context) (string, error) {
	if e.providers.ElevenLabsAPIKey == "" {
		return "", fmt.Errorf("%w: ELEVENLABS_API_KEY", ErrNotFound)
	}
	return e.providers.ElevenLabsAPIKey, nil
}

// AvatarConfig implements Resolver. Every interview gets the defaults, with
// the avatar overridden by HEYGEN_AVATAR_ID.
func (e *Env) AvatarConfig(context.Context, string) (AvatarConfig, error) {
	cfg := DefaultAvatarConfig()
	if e.providers.HeyGenAvatarID != "" {
		cfg.AvatarName = e.providers.HeyGenAvatarID
	}
	return cfg, nil
}

// DIDConfig implements Resolver.
func (e *Env) DIDConfig(context.Context, string) (DIDConfig, error) {
	cfg := DIDConfig{
		AgentID:   e.providers.DIDAgentID,
		ClientKey: e.providers.DIDClientKey,
		Metadata:  DefaultAvatarConfig().Metadata,
	}
	if cfg.AgentID == "" {
		return DIDConfig{}, fmt.Errorf("%w: DID_AGENT_ID", ErrNotFound)
	}
	if err := cfg.Validate(); err != nil {
		return DIDConfig{}, err
	}
	return cfg, nil
}

var _ Resolver = (*Env)(nil)
