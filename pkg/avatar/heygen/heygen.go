// Package heygen is the primary avatar: a HeyGen streaming session whose
// audio and video arrive over WebRTC.
package heygen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-interview/internal/httpc"
	"github.com/teslashibe/go-interview/internal/timer"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/media"
)

// Data channel messages sent by the avatar.
const (
	msgStartTalking = "avatar_start_talking"
	msgStopTalking  = "avatar_stop_talking"
)

// Config configures the HeyGen adapter.
type Config struct {
	BaseURL            string `validate:"omitempty,url"`
	AvatarName         string `validate:"required"`
	Quality            string `validate:"oneof=low medium high"`
	VoiceID            string
	VoiceRate          float64 `validate:"gt=0,lte=2"`
	VoiceEmotion       string
	Language           string `validate:"required"`
	DisableIdleTimeout bool

	TokenRefresh  time.Duration `validate:"gt=0"`
	KeepAlive     time.Duration `validate:"gt=0"`
	SpeakDelay    time.Duration `validate:"gte=0"`
	QueueCapacity int           `validate:"gte=0"`

	// WordsPerMinute estimates utterance length when the task reports
	// no duration.
	WordsPerMinute int           `validate:"gt=0"`
	TalkMargin     time.Duration `validate:"gte=0"`

	Logger *slog.Logger `validate:"-"`
}

// DefaultConfig returns the interviewer avatar settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:            DefaultBaseURL,
		AvatarName:         "June_HR_public",
		Quality:            "medium",
		VoiceRate:          1.2,
		VoiceEmotion:       "friendly",
		Language:           "en",
		DisableIdleTimeout: true,
		TokenRefresh:       5 * time.Minute,
		KeepAlive:          30 * time.Second,
		SpeakDelay:         100 * time.Millisecond,
		QueueCapacity:      avatar.DefaultQueueCapacity,
		WordsPerMinute:     150,
		TalkMargin:         500 * time.Millisecond,
		Logger:             slog.Default(),
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("heygen: invalid config: %w", err)
	}
	return nil
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithConnFactory replaces the WebRTC peer factory.
func WithConnFactory(f media.Factory) Option {
	return func(a *Adapter) { a.newConn = f }
}

// Adapter is the HeyGen avatar.Adapter.
type Adapter struct {
	*avatar.Speaker

	cfg     Config
	logger  *slog.Logger
	client  *Client
	newConn media.Factory
	talk    chan string

	mu        sync.Mutex
	sessionID string
	conn      media.Conn
	refresh   *timer.Ticker
	keepalive *timer.Ticker
	ending    bool
}

// New creates an adapter. tokens issues the access tokens.
func New(cfg Config, tokens TokenSource, opts ...Option) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "avatar.heygen"),
		client:  NewClient(cfg.BaseURL, tokens, httpc.Client),
		newConn: media.NewFactory(),
		talk:    make(chan string, 8),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Speaker = avatar.NewSpeaker(avatar.SpeakerConfig{
		Kind:          avatar.KindHeyGen,
		QueueCapacity: cfg.QueueCapacity,
		Gap:           cfg.SpeakDelay,
		Logger:        cfg.Logger,
	}, a.say)
	return a
}

// Kind implements avatar.Adapter.
func (a *Adapter) Kind() avatar.Kind { return avatar.KindHeyGen }

// Speak implements avatar.Adapter.
func (a *Adapter) Speak(text string) error { return a.Enqueue(text) }

// SessionID returns the streaming session, empty before Connect.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Connect creates the streaming session and answers its offer. Ready is
// reported once the peer connection is up.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		a.Fail("connect", avatar.ErrProviderInit, err)
		return err
	}
	if a.client.tokens == nil {
		a.Fail("connect", avatar.ErrProviderInit, avatar.ErrMissingCredentials)
		return avatar.ErrMissingCredentials
	}
	a.SetState(avatar.StateConnecting)

	if err := a.open(ctx); err != nil {
		a.Fail("connect", avatar.ErrProviderInit, err)
		a.teardown(context.Background())
		return err
	}
	a.startTimers()
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	if err := a.client.Refresh(ctx); err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	sess, err := a.client.NewSession(ctx, NewSessionRequest{
		Quality:    a.cfg.Quality,
		AvatarName: a.cfg.AvatarName,
		Voice: Voice{
			VoiceID: a.cfg.VoiceID,
			Rate:    a.cfg.VoiceRate,
			Emotion: a.cfg.VoiceEmotion,
		},
		Language:           a.cfg.Language,
		DisableIdleTimeout: a.cfg.DisableIdleTimeout,
	})
	if err != nil {
		return err
	}
	a.logger.Info("session created, billing started", "session_id", sess.ID)

	mcfg := media.DefaultConfig()
	mcfg.ICEServers = sess.ICEServers
	mcfg.Logger = a.cfg.Logger
	conn, err := a.newConn(mcfg)
	if err != nil {
		a.setSession(sess.ID, nil)
		return err
	}
	a.setSession(sess.ID, conn)

	conn.OnConnectionStateChange(a.onPeerState)
	conn.OnMessage(a.onMessage)

	answer, err := conn.Answer(ctx, sess.Offer)
	if err != nil {
		return err
	}
	return a.client.Start(ctx, sess.ID, answer)
}

func (a *Adapter) setSession(id string, conn media.Conn) {
	a.mu.Lock()
	a.sessionID = id
	a.conn = conn
	a.mu.Unlock()
}

func (a *Adapter) startTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ending {
		return
	}
	a.refresh = timer.Every("heygen-token-refresh", a.cfg.TokenRefresh, a.refreshToken)
	a.keepalive = timer.Every("heygen-keepalive", a.cfg.KeepAlive, a.sendKeepAlive)
}

func (a *Adapter) refreshToken() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Refresh(ctx); err != nil {
		a.logger.Warn("token refresh failed", "error", err)
		return
	}
	a.logger.Debug("token refreshed")
}

func (a *Adapter) sendKeepAlive() {
	id := a.SessionID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.KeepAlive(ctx, id); err != nil {
		a.logger.Warn("keepalive failed", "error", err)
	}
}

func (a *Adapter) onPeerState(st webrtc.PeerConnectionState) {
	a.mu.Lock()
	ending := a.ending
	a.mu.Unlock()
	if ending {
		return
	}

	switch st {
	case webrtc.PeerConnectionStateConnected:
		a.MarkReady()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		class := avatar.ErrProviderRuntime
		if a.State() == avatar.StateConnecting {
			class = avatar.ErrProviderInit
		}
		err := avatar.Transport(fmt.Errorf("stream %s unexpectedly", st))
		go a.Fail("stream", class, err)
	}
}

func (a *Adapter) onMessage(_ string, data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &msg) != nil {
		return
	}
	switch msg.Type {
	case msgStartTalking, msgStopTalking:
		select {
		case a.talk <- msg.Type:
		default:
		}
	}
}

// say runs one repeat task and returns when the avatar stops talking or
// the expected duration has passed.
func (a *Adapter) say(ctx context.Context, text string) error {
	for drained := false; !drained; {
		select {
		case <-a.talk:
		default:
			drained = true
		}
	}

	res, err := a.client.Task(ctx, a.SessionID(), text)
	if err != nil {
		return avatar.ClassifyHTTP(err)
	}

	wait := a.estimate(text)
	if res.DurationMs > 0 {
		wait = time.Duration(res.DurationMs) * time.Millisecond
	}
	deadline := time.NewTimer(wait + a.cfg.TalkMargin)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case m := <-a.talk:
			if m == msgStopTalking {
				return nil
			}
		}
	}
}

func (a *Adapter) estimate(text string) time.Duration {
	words := len(strings.Fields(text))
	wpm := float64(a.cfg.WordsPerMinute) * a.cfg.VoiceRate
	if wpm <= 0 {
		wpm = 150
	}
	d := time.Duration(float64(words) / wpm * float64(time.Minute))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Disconnect stops the session. Queued text stays available to Drain.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.ending {
		a.mu.Unlock()
		return nil
	}
	a.ending = true
	a.mu.Unlock()

	a.Stop()
	return a.teardown(ctx)
}

func (a *Adapter) teardown(ctx context.Context) error {
	a.mu.Lock()
	refresh, keepalive := a.refresh, a.keepalive
	a.refresh, a.keepalive = nil, nil
	id, conn := a.sessionID, a.conn
	a.sessionID, a.conn = "", nil
	a.mu.Unlock()

	if refresh != nil {
		refresh.Stop()
	}
	if keepalive != nil {
		keepalive.Stop()
	}

	var err error
	if id != "" {
		if err = a.client.Stop(ctx, id); err != nil {
			a.logger.Warn("stop session failed", "session_id", id, "error", err)
		} else {
			a.logger.Info("session stopped", "session_id", id)
		}
	}
	if conn != nil {
		conn.Close()
	}
	return err
}

var _ avatar.Adapter = (*Adapter)(nil)
