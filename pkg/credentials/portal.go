package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/teslashibe/go-interview/internal/httpc"
)

const portalTimeout = 15 * time.Second

// PortalConfig configures a Portal resolver.
type PortalConfig struct {
	BaseURL string

	// ClientID, ClientSecret and TokenURL enable OAuth2 client credentials.
	// Without them requests are sent unauthenticated.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// HTTP is the base client. Defaults to a client with portalTimeout.
	HTTP *http.Client

	Logger *slog.Logger
}

// Portal resolves secrets through the interview portal API.
type Portal struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewPortal creates a Portal resolver.
func NewPortal(cfg PortalConfig) (*Portal, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("credentials: portal base url required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.HTTP
	if base == nil {
		base = httpc.NewClient(portalTimeout)
	}

	client := base
	if cfg.ClientID != "" {
		if cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("credentials: client secret and token url required with client id")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
	}

	return &Portal{
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		http:   client,
		logger: cfg.Logger.With("component", "credentials.portal"),
	}, nil
}

type interviewRequest struct {
	InterviewID string `json:"interviewId"`
}

func (p *Portal) postText(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	out, err := httpc.DoText(p.http, req)
	if err != nil {
		return "", classify(path, err)
	}
	if out == "" {
		return "", fmt.Errorf("%w: %s returned an empty body", ErrNotFound, path)
	}
	return out, nil
}

func (p *Portal) postJSON(ctx context.Context, path, interviewID string, out any) error {
	req, err := httpc.NewJSONRequest(ctx, http.MethodPost, p.base+path, interviewRequest{InterviewID: interviewID})
	if err != nil {
		return err
	}
	if err := httpc.DoJSON(p.http, req, out); err != nil {
		return classify(path, err)
	}
	return nil
}

func classify(path string, err error) error {
	var se *httpc.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
	}
	return fmt.Errorf("credentials: %s: %w", path, err)
}

// HeyGenToken implements Resolver.
func (p *Portal) HeyGenToken(ctx context.Context) (string, error) {
	return p.postText(ctx, "/api/get-access-token")
}

// ElevenLabsKey implements Resolver.
func (p *Portal) ElevenLabsKey(ctx context.Context) (string, error) {
	return p.postText(ctx, "/api/get-elevenlabs-key")
}

// AvatarConfig implements Resolver. Fields the portal leaves empty keep
// their defaults.
func (p *Portal) AvatarConfig(ctx context.Context, interviewID string) (AvatarConfig, error) {
	cfg := DefaultAvatarConfig()
	if err := p.postJSON(ctx, "/api/avatar-config", interviewID, &cfg); err != nil {
		p.logger.Warn("avatar config unavailable, using defaults", "error", err)
		return DefaultAvatarConfig(), nil
	}
	return cfg, nil
}

// DIDConfig implements Resolver.
func (p *Portal) DIDConfig(ctx context.Context, interviewID string) (DIDConfig, error) {
	var cfg DIDConfig
	if err := p.postJSON(ctx, "/api/did-agent-config", interviewID, &cfg); err != nil {
		return DIDConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return DIDConfig{}, err
	}
	return cfg, nil
}

var _ Resolver = (*Portal)(nil)
