// Package credentials resolves provider secrets and per-interview avatar
// settings.
//
// Three resolvers are available: Env reads process configuration, Portal asks
// the interview portal's API (optionally authenticated with OAuth2 client
// credentials) and Firestore reads the interview and D-ID avatar documents
// directly. Keys are fetched lazily and cached until a provider reports them
// invalid.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-interview/internal/config"
)

// Sentinel errors for the credentials package.
var (
	// ErrNotFound indicates the requested secret or document does not exist.
	ErrNotFound = errors.New("credentials: not found")

	// ErrInvalid indicates a document exists but is incomplete.
	ErrInvalid = errors.New("credentials: invalid configuration")

	// ErrUnknownSource indicates an unsupported CREDENTIALS_SOURCE.
	ErrUnknownSource = errors.New("credentials: unknown source")
)

// Metadata describes the interview bot.
type Metadata struct {
	BotName       string `json:"botName"`
	InterviewType string `json:"interviewType"`
	AvatarType    string `json:"avatarType"`
}

// VoiceConfig holds the streaming avatar voice settings.
type VoiceConfig struct {
	Rate    float64 `json:"rate"`
	Emotion string  `json:"emotion"`
	Model   string  `json:"model,omitempty"`
}

// AvatarConfig holds the HeyGen streaming avatar settings of an interview.
type AvatarConfig struct {
	AvatarName         string      `json:"avatarName"`
	Quality            string      `json:"quality"`
	Voice              VoiceConfig `json:"voice"`
	Language           string      `json:"language"`
	DisableIdleTimeout bool        `json:"disableIdleTimeout"`
	Metadata           Metadata    `json:"metadata"`
}

// DefaultAvatarConfig returns the settings used when an interview carries
// none of its own.
func DefaultAvatarConfig() AvatarConfig {
	return AvatarConfig{
		AvatarName:         config.DefaultHeyGenAvatar,
		Quality:            "low",
		Voice:              VoiceConfig{Rate: 1.5, Emotion: "friendly", Model: "eleven_flash_v2_5"},
		Language:           "en",
		DisableIdleTimeout: true,
		Metadata: Metadata{
			BotName:       "Interview Assistant",
			InterviewType: "General",
			AvatarType:    "hr_interviewer",
		},
	}
}

// DIDConfig holds the D-ID agent of an interview.
type DIDConfig struct {
	AgentID   string   `json:"agentId"`
	ClientKey string   `json:"clientKey"`
	Metadata  Metadata `json:"metadata"`
}

// Validate checks that both the agent and its key are present.
func (c *DIDConfig) Validate() error {
	if c.AgentID == "" || c.ClientKey == "" || c.ClientKey == "undefined" {
		return fmt.Errorf("%w: d-id agent needs agentId and clientKey", ErrInvalid)
	}
	return nil
}

// Resolver is the configuration collaborator the avatar adapters draw on.
type Resolver interface {
	// HeyGenToken returns a fresh HeyGen streaming access token.
	HeyGenToken(ctx context.Context) (string, error)

	// ElevenLabsKey returns the ElevenLabs API key.
	ElevenLabsKey(ctx context.Context) (string, error)

	// AvatarConfig returns the HeyGen avatar settings for an interview.
	AvatarConfig(ctx context.Context, interviewID string) (AvatarConfig, error)

	// DIDConfig returns the D-ID agent for an interview.
	DIDConfig(ctx context.Context, interviewID string) (DIDConfig, error)
}

// New builds the resolver selected by cfg.Source.
func New(ctx context.Context, cfg config.Credentials, providers config.Providers, logger *slog.Logger) (Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env := NewEnv(providers)

	switch cfg.Source {
	case "", config.SourceEnv:
		return env, nil
	case config.SourceHTTP:
		return NewPortal(PortalConfig{
			BaseURL:      cfg.URL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Logger:       logger,
		})
	case config.SourceFirestore:
		return NewFirestore(ctx, FirestoreConfig{
			Project:         cfg.FirestoreProject,
			CredentialsFile: cfg.GoogleCredsFile,
			Fallback:        env,
			Logger:          logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Source)
	}
}
