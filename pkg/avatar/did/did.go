// Package did is the secondary avatar: a D-ID agent stream.
package did

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-interview/internal/httpc"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/media"
)

// Stream events sent over the data channel, as "event:payload".
const (
	eventStarted = "stream/started"
	eventDone    = "stream/done"
	eventError   = "stream/error"
	eventReady   = "stream/ready"
)

// minTextLen is the shortest text worth a talk request.
const minTextLen = 3

// Config configures the D-ID adapter.
type Config struct {
	BaseURL   string `validate:"omitempty,url"`
	AgentID   string `validate:"required"`
	ClientKey string `validate:"required,ne=undefined"`

	Stream StreamOptions

	// Gap is the pause after an utterance finishes.
	Gap           time.Duration `validate:"gte=0"`
	QueueCapacity int           `validate:"gte=0"`

	// WordsPerMinute bounds the wait for stream/done.
	WordsPerMinute int           `validate:"gt=0"`
	TalkMargin     time.Duration `validate:"gte=0"`

	Logger *slog.Logger `validate:"-"`
}

// DefaultConfig returns the defaults; AgentID and ClientKey come from the
// credentials collaborator.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Stream: StreamOptions{
			CompatibilityMode: "on",
			StreamWarmup:      true,
		},
		Gap:            250 * time.Millisecond,
		QueueCapacity:  avatar.DefaultQueueCapacity,
		WordsPerMinute: 140,
		TalkMargin:     3 * time.Second,
		Logger:         slog.Default(),
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("did: invalid config: %w: %w", avatar.ErrMissingCredentials, err)
	}
	return nil
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithConnFactory replaces the WebRTC peer factory.
func WithConnFactory(f media.Factory) Option {
	return func(a *Adapter) { a.newConn = f }
}

// Adapter is the D-ID avatar.Adapter.
type Adapter struct {
	*avatar.Speaker

	cfg     Config
	logger  *slog.Logger
	client  *Client
	newConn media.Factory
	video   chan string

	mu     sync.Mutex
	stream *Stream
	conn   media.Conn
	ending bool
}

// New creates an adapter.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "avatar.did"),
		client:  NewClient(cfg.BaseURL, cfg.AgentID, cfg.ClientKey, httpc.Client),
		newConn: media.NewFactory(),
		video:   make(chan string, 8),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Speaker = avatar.NewSpeaker(avatar.SpeakerConfig{
		Kind:          avatar.KindDID,
		QueueCapacity: cfg.QueueCapacity,
		Gap:           cfg.Gap,
		Logger:        cfg.Logger,
	}, a.say)
	return a
}

// Kind implements avatar.Adapter.
func (a *Adapter) Kind() avatar.Kind { return avatar.KindDID }

// Speak implements avatar.Adapter. Texts of two characters or fewer are
// dropped.
func (a *Adapter) Speak(text string) error {
	if len(strings.TrimSpace(text)) < minTextLen {
		a.logger.Debug("dropping short text", "text", text)
		return nil
	}
	return a.Enqueue(text)
}

// Connect creates the agent stream and answers its offer.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		a.Fail("connect", avatar.ErrProviderInit, err)
		return err
	}

	if err := a.open(ctx); err != nil {
		a.Fail("connect", avatar.ErrProviderInit, err)
		a.teardown(context.Background())
		return err
	}
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	s, err := a.client.CreateStream(ctx, a.cfg.Stream)
	if err != nil {
		return err
	}
	a.logger.Info("stream created", "stream_id", s.ID)

	mcfg := media.DefaultConfig()
	mcfg.ICEServers = s.ICEServers
	mcfg.Trickle = true
	mcfg.Logger = a.cfg.Logger
	conn, err := a.newConn(mcfg)
	a.mu.Lock()
	a.stream = s
	a.conn = conn
	a.mu.Unlock()
	if err != nil {
		return err
	}

	conn.OnConnectionStateChange(a.onPeerState)
	conn.OnMessage(a.onMessage)
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.client.SendCandidate(ctx, s, c); err != nil {
			a.logger.Warn("ice candidate not delivered", "error", err)
		}
	})

	answer, err := conn.Answer(ctx, s.Offer)
	if err != nil {
		return err
	}
	return a.client.SendAnswer(ctx, s, answer)
}

func (a *Adapter) current() *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

func (a *Adapter) onPeerState(st webrtc.PeerConnectionState) {
	a.mu.Lock()
	ending := a.ending
	a.mu.Unlock()
	if ending {
		return
	}

	switch st {
	case webrtc.PeerConnectionStateConnecting:
		a.SetState(avatar.StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		a.MarkReady()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		class := avatar.ErrProviderRuntime
		if a.State() == avatar.StateConnecting {
			class = avatar.ErrProviderInit
		}
		go a.Fail("stream", class, avatar.Transport(fmt.Errorf("connection %s", st)))
	}
}

func (a *Adapter) onMessage(_ string, data []byte) {
	event, _, _ := strings.Cut(string(data), ":")
	switch event {
	case eventStarted, eventDone, eventError:
		select {
		case a.video <- event:
		default:
		}
	case eventReady:
		a.logger.Debug("stream warmed up")
	}
}

func (a *Adapter) say(ctx context.Context, text string) error {
	for drained := false; !drained; {
		select {
		case <-a.video:
		default:
			drained = true
		}
	}

	s := a.current()
	if s == nil {
		return avatar.Transport(fmt.Errorf("no stream"))
	}
	if err := a.client.Talk(ctx, s, text); err != nil {
		return avatar.ClassifyHTTP(err)
	}

	deadline := time.NewTimer(a.estimate(text) + a.cfg.TalkMargin)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			a.logger.Warn("no stream/done before deadline, moving on")
			return nil
		case ev := <-a.video:
			switch ev {
			case eventDone:
				return nil
			case eventError:
				return avatar.Transport(fmt.Errorf("stream reported an error"))
			}
		}
	}
}

func (a *Adapter) estimate(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(float64(words) / float64(a.cfg.WordsPerMinute) * float64(time.Minute))
}

// Disconnect deletes the stream. Queued text stays available to Drain.
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
	s, conn := a.stream, a.conn
	a.stream, a.conn = nil, nil
	a.mu.Unlock()

	var err error
	if s != nil {
		if err = a.client.DeleteStream(ctx, s); err != nil {
			a.logger.Warn("delete stream failed", "stream_id", s.ID, "error", err)
		}
	}
	if conn != nil {
		conn.Close()
	}
	return err
}

var _ avatar.Adapter = (*Adapter)(nil)
