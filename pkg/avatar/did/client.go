package did

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-interview/internal/httpc"
)

// DefaultBaseURL is the D-ID API.
const DefaultBaseURL = "https://api.d-id.com"

// StreamOptions tune the agent stream.
type StreamOptions struct {
	CompatibilityMode string `json:"compatibility_mode"`
	StreamWarmup      bool   `json:"stream_warmup"`
	Fluent            bool   `json:"fluent"`
}

// Stream is a created agent stream awaiting its answer.
type Stream struct {
	ID         string                    `json:"id"`
	SessionID  string                    `json:"session_id"`
	Offer      webrtc.SessionDescription `json:"offer"`
	ICEServers []webrtc.ICEServer        `json:"ice_servers"`
}

// Client calls the agent streams API with a client key.
type Client struct {
	base      string
	agentID   string
	clientKey string
	http      *http.Client
}

// NewClient creates a Client for one agent. httpClient may be nil.
func NewClient(base, agentID, clientKey string, httpClient *http.Client) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		base:      strings.TrimRight(base, "/"),
		agentID:   agentID,
		clientKey: clientKey,
		http:      httpClient,
	}
}

func (c *Client) streamsURL(parts ...string) string {
	u := c.base + "/agents/" + url.PathEscape(c.agentID) + "/streams"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// CreateStream opens a stream and returns the service offer.
func (c *Client) CreateStream(ctx context.Context, opts StreamOptions) (*Stream, error) {
	var s Stream
	if err := c.do(ctx, http.MethodPost, c.streamsURL(), opts, &s); err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("create stream: no stream id")
	}
	return &s, nil
}

// SendAnswer completes the offer/answer exchange.
func (c *Client) SendAnswer(ctx context.Context, s *Stream, answer webrtc.SessionDescription) error {
	body := map[string]any{"answer": answer, "session_id": s.SessionID}
	if err := c.do(ctx, http.MethodPost, c.streamsURL(s.ID, "sdp"), body, nil); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// SendCandidate trickles one local ICE candidate.
func (c *Client) SendCandidate(ctx context.Context, s *Stream, cand webrtc.ICECandidateInit) error {
	body := map[string]any{
		"candidate":     cand.Candidate,
		"sdpMid":        cand.SDPMid,
		"sdpMLineIndex": cand.SDPMLineIndex,
		"session_id":    s.SessionID,
	}
	return c.do(ctx, http.MethodPost, c.streamsURL(s.ID, "ice"), body, nil)
}

// Talk makes the agent say text.
func (c *Client) Talk(ctx context.Context, s *Stream, text string) error {
	body := map[string]any{
		"script":     map[string]any{"type": "text", "input": text},
		"session_id": s.SessionID,
	}
	if err := c.do(ctx, http.MethodPost, c.streamsURL(s.ID), body, nil); err != nil {
		return fmt.Errorf("talk: %w", err)
	}
	return nil
}

// DeleteStream closes the stream.
func (c *Client) DeleteStream(ctx context.Context, s *Stream) error {
	return c.do(ctx, http.MethodDelete, c.streamsURL(s.ID), map[string]any{"session_id": s.SessionID}, nil)
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	req, err := httpc.NewJSONRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Client-Key "+c.clientKey)
	return httpc.DoJSON(c.http, req, out)
}
