package heygen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-interview/internal/httpc"
)

// DefaultBaseURL is the HeyGen API.
const DefaultBaseURL = "https://api.heygen.com"

// ErrEmptyToken is returned when the token endpoint answers without a token.
var ErrEmptyToken = errors.New("heygen: empty access token")

// TokenSource issues streaming access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// APITokens creates tokens with an API key through streaming.create_token.
type APITokens struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Token implements TokenSource.
func (t *APITokens) Token(ctx context.Context) (string, error) {
	if t.APIKey == "" {
		return "", fmt.Errorf("heygen: api key required")
	}
	req, err := httpc.NewJSONRequest(ctx, http.MethodPost, baseURL(t.BaseURL)+"/v1/streaming.create_token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", t.APIKey)

	var resp envelope[struct {
		Token string `json:"token"`
	}]
	if err := httpc.DoJSON(t.HTTP, req, &resp); err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	if strings.TrimSpace(resp.Data.Token) == "" {
		return "", ErrEmptyToken
	}
	return resp.Data.Token, nil
}

func baseURL(u string) string {
	if u == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// NewSessionRequest is the body of streaming.new.
type NewSessionRequest struct {
	Quality            string `json:"quality"`
	AvatarName         string `json:"avatar_name"`
	Voice              Voice  `json:"voice"`
	Language           string `json:"language,omitempty"`
	DisableIdleTimeout bool   `json:"disable_idle_timeout"`
}

// Voice configures the avatar voice.
type Voice struct {
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate"`
	Emotion string  `json:"emotion,omitempty"`
}

// Session is the streaming session offered by streaming.new.
type Session struct {
	ID         string                    `json:"session_id"`
	Offer      webrtc.SessionDescription `json:"sdp"`
	ICEServers []webrtc.ICEServer        `json:"ice_servers2"`
}

// TaskResult is the answer to streaming.task.
type TaskResult struct {
	TaskID     string  `json:"task_id"`
	DurationMs float64 `json:"duration_ms"`
}

// Client calls the streaming API with the current access token.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource

	mu    sync.RWMutex
	token string
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(base string, tokens TokenSource, httpClient *http.Client) *Client {
	return &Client{base: baseURL(base), http: httpClient, tokens: tokens}
}

// Refresh fetches a new access token.
func (c *Client) Refresh(ctx context.Context) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return nil
}

// NewSession creates a streaming session.
func (c *Client) NewSession(ctx context.Context, r NewSessionRequest) (*Session, error) {
	var resp envelope[Session]
	if err := c.post(ctx, "/v1/streaming.new", r, &resp); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if resp.Data.ID == "" {
		return nil, fmt.Errorf("new session: no session id")
	}
	return &resp.Data, nil
}

// Start hands the local answer to the session.
func (c *Client) Start(ctx context.Context, sessionID string, answer webrtc.SessionDescription) error {
	body := map[string]any{"session_id": sessionID, "sdp": answer}
	if err := c.post(ctx, "/v1/streaming.start", body, nil); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// Task makes the avatar repeat text.
func (c *Client) Task(ctx context.Context, sessionID, text string) (*TaskResult, error) {
	body := map[string]any{
		"session_id": sessionID,
		"text":       text,
		"task_type":  "repeat",
		"task_mode":  "sync",
	}
	var resp envelope[TaskResult]
	if err := c.post(ctx, "/v1/streaming.task", body, &resp); err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	return &resp.Data, nil
}

// KeepAlive resets the session idle timer.
func (c *Client) KeepAlive(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/v1/streaming.keep_alive", map[string]any{"session_id": sessionID}, nil)
}

// Stop ends the session.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/v1/streaming.stop", map[string]any{"session_id": sessionID}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	req, err := httpc.NewJSONRequest(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return err
	}
	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.RUnlock()
	return httpc.DoJSON(c.http, req, out)
}
