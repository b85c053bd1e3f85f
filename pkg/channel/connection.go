// Package channel implements the persistent websocket session between an
// interview and the transcription backend.
//
// Audio travels as raw PCM16 binary messages; control events and backend
// answers are JSON text messages. An abnormal close while the session is
// active triggers exactly one reconnect after a short delay. A normal close
// never reconnects.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-interview/internal/timer"
)

// State of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TranscribePath is the backend endpoint.
const TranscribePath = "/ws/transcribe"

// Config configures a Connection.
type Config struct {
	// BackendURL is the backend base URL. http and ws map to ws, https and
	// wss map to wss.
	BackendURL string

	AgentID    string
	UserID     string
	SampleRate int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration

	// CloseFlush is how long Close waits after end_of_speech before
	// sending the close frame.
	CloseFlush time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		BackendURL:        "ws://localhost:8000",
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		ReconnectDelay:    1 * time.Second,
		WriteTimeout:      5 * time.Second,
		CloseFlush:        100 * time.Millisecond,
		Logger:            slog.Default(),
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return ErrMissingAgentID
	}
	_, err := c.URL()
	return err
}

// URL builds the transcription endpoint URL including the identifying
// query parameters.
func (c Config) URL() (string, error) {
	raw := strings.TrimSpace(c.BackendURL)
	if raw == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + TranscribePath

	q := url.Values{}
	q.Set("agent_id", c.AgentID)
	q.Set("user_id", c.UserID)
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Option configures a Connection.
type Option func(*Connection)

// WithConversationID sets the source of the conversation id stamped on
// control messages.
func WithConversationID(fn func() string) Option {
	return func(c *Connection) { c.conversationID = fn }
}

// Stats counts traffic on a Connection.
type Stats struct {
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	AudioBytesSent   int64 `json:"audio_bytes_sent"`
	InvalidMessages  int64 `json:"invalid_messages"`
	Reconnects       int64 `json:"reconnects"`
}

// Connection is the AudioChannelConnection. It owns exactly one websocket
// at a time.
type Connection struct {
	cfg            Config
	logger         *slog.Logger
	conversationID func() string

	mu        sync.RWMutex
	state     State
	conn      *websocket.Conn
	closing   bool
	heartbeat *timer.Ticker
	retry     *timer.Handle
	lastClose int

	writeMu sync.Mutex
	readers sync.WaitGroup

	onMessage func(Inbound)
	onState   func(State)
	onClose   func(code int, reason string)
	onError   func(error)

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	audioBytesSent   atomic.Int64
	invalidMessages  atomic.Int64
	reconnects       atomic.Int64
}

// New creates a Connection. Call the On* setters before Connect.
func New(cfg Config, opts ...Option) *Connection {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseFlush <= 0 {
		cfg.CloseFlush = def.CloseFlush
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Connection{
		cfg:            cfg,
		logger:         cfg.Logger.With("component", "channel", "agent_id", cfg.AgentID),
		conversationID: func() string { return "" },
		retry:          timer.New("channel.reconnect"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage sets the handler for decoded backend messages.
func (c *Connection) OnMessage(fn func(Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange sets the handler for state transitions.
func (c *Connection) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnClose is called every time the underlying websocket closes, with the
// close code (1006 when the peer vanished without a close frame).
func (c *Connection) OnClose(fn func(code int, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// OnError receives fatal *ChannelError values.
func (c *Connection) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether messages can be sent.
func (c *Connection) IsOpen() bool {
	return c.State() == StateConnected
}

// Connect opens the websocket. It fails after ConnectTimeout.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.closing:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateConnected || c.state == StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return &ChannelError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	if c.heartbeat == nil && !c.closing {
		c.heartbeat = timer.Every("channel.heartbeat", c.cfg.HeartbeatInterval, c.sendHeartbeat)
	}
	c.mu.Unlock()
	return nil
}

func (c *Connection) dial(ctx context.Context) error {
	target, err := c.cfg.URL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", redact(target), err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", redact(target), err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	onState := c.onState
	c.readers.Add(1)
	c.mu.Unlock()

	if onState != nil {
		onState(StateConnected)
	}
	go c.readLoop(conn)
	c.logger.Info("channel connected", "url", redact(target))
	return nil
}

// redact drops the query string from a URL for logging.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.messagesReceived.Add(1)

		msg, err := DecodeInbound(data)
		if err != nil {
			c.invalidMessages.Add(1)
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}

		c.mu.RLock()
		closing := c.closing
		handler := c.onMessage
		c.mu.RUnlock()
		if closing {
			continue
		}
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Connection) handleDrop(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	reason := ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Text
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.lastClose = code
	closing := c.closing
	onClose := c.onClose
	reconnect := !closing && code != websocket.CloseNormalClosure
	c.mu.Unlock()

	_ = conn.Close()

	switch {
	case closing:
		c.logger.Debug("channel closed", "code", code)
	case reconnect:
		c.logger.Warn("channel dropped, reconnecting", "code", code, "reason", reason, "delay", c.cfg.ReconnectDelay)
		c.setState(StateReconnecting)
		c.retry.Reset(c.cfg.ReconnectDelay, c.reconnect)
	default:
		c.logger.Info("channel closed by backend", "code", code, "reason", reason)
		c.setState(StateDisconnected)
	}

	if onClose != nil {
		onClose(code, reason)
	}
}

// reconnect is the single attempt made after an abnormal close.
func (c *Connection) reconnect() {
	c.mu.RLock()
	closing := c.closing
	code := c.lastClose
	c.mu.RUnlock()
	if closing {
		return
	}

	c.reconnects.Add(1)
	err := c.dial(context.Background())
	if err == nil {
		return
	}
	if errors.Is(err, ErrClosed) {
		return
	}

	cerr := &ChannelError{Op: "reconnect", Code: code, Err: err}
	c.logger.Error("channel reconnect failed", "error", err)
	c.setState(StateDisconnected)

	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()
	if onError != nil {
		onError(cerr)
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

func (c *Connection) write(typ int, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(typ, data); err != nil {
		return &ChannelError{Op: "write", Err: err}
	}
	c.messagesSent.Add(1)
	return nil
}

// SendAudio sends one PCM16 frame as a binary message.
func (c *Connection) SendAudio(pcm []byte) error {
	if err := c.write(websocket.BinaryMessage, pcm); err != nil {
		return err
	}
	c.audioBytesSent.Add(int64(len(pcm)))
	return nil
}

// Send sends a control event stamped with the session identifiers.
func (c *Connection) Send(ev Event) error {
	msg := NewControl(ev, c.cfg.AgentID, c.cfg.UserID, c.conversationID())
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel: marshal failed: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Connection) sendHeartbeat() {
	if !c.IsOpen() {
		return
	}
	if err := c.Send(EventHeartbeat); err != nil {
		c.logger.Debug("heartbeat failed", "error", err)
	}
}

// PumpAudio forwards frames until the channel closes or ctx ends. Frames
// that arrive while the connection is down are discarded.
func (c *Connection) PumpAudio(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := c.SendAudio(f); err != nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Debug("audio frame not sent", "error", err)
			}
		}
	}
}

// Close ends the session gracefully: end_of_speech is sent, given
// CloseFlush to reach the backend, and the socket is closed with 1000.
// Close is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	open := c.state == StateConnected
	hb := c.heartbeat
	c.heartbeat = nil
	c.mu.Unlock()

	hb.Stop()
	c.retry.Stop()

	var err error
	if conn != nil && open {
		if serr := c.Send(EventEndOfSpeech); serr != nil {
			c.logger.Warn("end_of_speech not sent", "error", serr)
		} else {
			select {
			case <-time.After(c.cfg.CloseFlush):
			case <-ctx.Done():
			}
		}
	}

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.retry.Stop()

	if conn != nil {
		reason := "Session ended for agent " + c.cfg.AgentID
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.writeMu.Lock()
		err = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()

		// Give the backend a moment to echo the close frame.
		done := make(chan struct{})
		go func() {
			c.readers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		_ = conn.Close()
	}
	c.readers.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.setState(StateClosed)

	c.logger.Info("channel closed",
		"messages_sent", c.messagesSent.Load(),
		"messages_received", c.messagesReceived.Load(),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("channel: close: %w", err)
	}
	return nil
}

// Stats returns traffic counters.
func (c *Connection) Stats() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		AudioBytesSent:   c.audioBytesSent.Load(),
		InvalidMessages:  c.invalidMessages.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
