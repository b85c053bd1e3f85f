// Package backendsim simulates the transcription backend for local
// development. It speaks the same websocket protocol as the real service:
// it greets on connect, turns voiced audio into interim transcripts,
// answers end_of_speech with a final transcript and the next question, and
// ends the interview after the last one.
package backendsim

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-interview/internal/timer"
	"github.com/teslashibe/go-interview/pkg/channel"
)

// paramInterviewEnd is the session parameter marking the closing response.
const paramInterviewEnd = "interviewEnd"

// Config configures a Sim.
type Config struct {
	Script Script

	// ResponseDelay is the interviewer's think time before each response.
	ResponseDelay time.Duration

	// WordRate is how much voiced audio reveals one more interim word.
	WordRate time.Duration

	// VoiceThreshold is the absolute 16-bit sample level counted as voice.
	VoiceThreshold int16

	Logger *slog.Logger
}

// DefaultConfig returns the simulator defaults.
func DefaultConfig() Config {
	return Config{
		Script:         DefaultScript(),
		ResponseDelay:  400 * time.Millisecond,
		WordRate:       300 * time.Millisecond,
		VoiceThreshold: 500,
		Logger:         slog.Default(),
	}
}

// Session is one connected client.
type Session struct {
	ID         string
	AgentID    string
	UserID     string
	SampleRate int
	Conn       *websocket.Conn
	Connected  time.Time

	respond *timer.Handle

	mu         sync.Mutex
	lastSeen   time.Time
	paused     bool
	ended      bool
	turn       int
	voiced     int64
	lastWords  string
	audioBytes int64
}

// Send writes one message to the client.
func (s *Session) Send(m channel.Inbound) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conn.WriteMessage(websocket.TextMessage, data)
}

// Sim is the simulated backend.
type Sim struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	audioBytes       atomic.Uint64
	ignoredFrames    atomic.Uint64
}

// New creates a Sim.
func New(cfg Config) *Sim {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WordRate <= 0 {
		cfg.WordRate = DefaultConfig().WordRate
	}
	return &Sim{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "backendsim"),
		sessions: make(map[string]*Session),
	}
}

// RegisterRoutes registers the transcription websocket on app.
func (s *Sim) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(channel.TranscribePath, websocket.New(s.handleSession))
}

func (s *Sim) handleSession(c *websocket.Conn) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "agent_id required"))
		return
	}
	rate, _ := strconv.Atoi(c.Query("sample_rate", "48000"))
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		UserID:     c.Query("user_id"),
		SampleRate: rate,
		Conn:       c,
		Connected:  now,
		lastSeen:   now,
	}
	sess.respond = timer.New("backendsim.respond." + sess.ID)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.logger.Info("session connected", "conversation_id", sess.ID, "agent_id", agentID, "sample_rate", rate, "sessions", count)

	defer func() {
		sess.respond.Stop()
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		count := len(s.sessions)
		s.mu.Unlock()
		s.logger.Info("session disconnected", "conversation_id", sess.ID, "sessions", count)
	}()

	s.send(sess, channel.Inbound{
		ConversationID:     sess.ID,
		IsInitialGreeting:  true,
		DialogflowResponse: channel.Responses{s.cfg.Script.Greeting},
	})

	for {
		typ, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		s.messagesReceived.Add(1)
		sess.mu.Lock()
		sess.lastSeen = time.Now()
		sess.mu.Unlock()

		switch typ {
		case websocket.BinaryMessage:
			s.handleAudio(sess, data)
		case websocket.TextMessage:
			s.handleControl(sess, data)
		}
	}
}

func (s *Sim) send(sess *Session, m channel.Inbound) {
	if err := sess.Send(m); err != nil {
		s.logger.Debug("send failed", "conversation_id", sess.ID, "error", err)
		return
	}
	s.messagesSent.Add(1)
}

// handleAudio turns voiced audio into interim transcripts of the current
// answer.
func (s *Sim) handleAudio(sess *Session, pcm []byte) {
	s.audioBytes.Add(uint64(len(pcm)))
	voiced := voicedSamples(pcm, s.cfg.VoiceThreshold)

	sess.mu.Lock()
	sess.audioBytes += int64(len(pcm))
	if sess.paused || sess.ended {
		sess.mu.Unlock()
		s.ignoredFrames.Add(1)
		return
	}
	sess.voiced += int64(voiced)
	var text string
	if voiced > 0 && sess.SampleRate > 0 {
		dur := time.Duration(sess.voiced) * time.Second / time.Duration(sess.SampleRate)
		if words := partial(s.cfg.Script.answer(sess.turn), dur, s.cfg.WordRate); words != sess.lastWords {
			sess.lastWords = words
			text = words
		}
	}
	sess.mu.Unlock()

	if text != "" {
		s.send(sess, channel.Inbound{UserTranscript: text, IsInterim: true, ConversationID: sess.ID})
	}
}

func (s *Sim) handleControl(sess *Session, data []byte) {
	var ctl channel.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		s.logger.Warn("invalid control message", "conversation_id", sess.ID, "error", err)
		return
	}
	switch ctl.Event {
	case channel.EventHeartbeat:
	case channel.EventPauseRecognition:
		sess.mu.Lock()
		sess.paused = true
		sess.mu.Unlock()
	case channel.EventResumeRecognition:
		sess.mu.Lock()
		sess.paused = false
		sess.mu.Unlock()
	case channel.EventEndOfSpeech:
		s.endOfSpeech(sess)
	default:
		s.logger.Debug("unknown control event", "event", ctl.Event)
	}
}

// endOfSpeech finalizes the current answer and schedules the next
// question. Without voiced audio since the last turn it does nothing.
func (s *Sim) endOfSpeech(sess *Session) {
	sess.mu.Lock()
	if sess.ended || sess.voiced == 0 {
		sess.mu.Unlock()
		return
	}
	answer := s.cfg.Script.answer(sess.turn)
	next, closing := s.cfg.Script.question(sess.turn)
	sess.turn++
	sess.voiced = 0
	sess.lastWords = ""
	sess.ended = closing
	sess.mu.Unlock()

	s.send(sess, channel.Inbound{UserTranscript: answer, ConversationID: sess.ID})

	reply := channel.Inbound{DialogflowResponse: channel.Responses{next}, ConversationID: sess.ID}
	if closing {
		reply.SessionParams = map[string]any{paramInterviewEnd: true}
	}
	sess.respond.Reset(s.cfg.ResponseDelay, func() { s.send(sess, reply) })
}

// Say pushes an interviewer response to a session.
func (s *Sim) Say(sessionID, text string, end bool) error {
	sess := s.session(sessionID)
	if sess == nil {
		return fiber.NewError(fiber.StatusNotFound, "session not connected")
	}
	m := channel.Inbound{DialogflowResponse: channel.Responses{text}, ConversationID: sess.ID}
	if end {
		m.SessionParams = map[string]any{paramInterviewEnd: true}
		sess.mu.Lock()
		sess.ended = true
		sess.mu.Unlock()
	}
	s.messagesSent.Add(1)
	return sess.Send(m)
}

// Transcript pushes a recognized transcript to a session.
func (s *Sim) Transcript(sessionID, text string, interim bool) error {
	sess := s.session(sessionID)
	if sess == nil {
		return fiber.NewError(fiber.StatusNotFound, "session not connected")
	}
	s.messagesSent.Add(1)
	return sess.Send(channel.Inbound{UserTranscript: text, IsInterim: interim, ConversationID: sess.ID})
}

func (s *Sim) session(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// SessionCount returns the number of connected sessions.
func (s *Sim) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats contains simulator statistics.
type Stats struct {
	Sessions         int    `json:"sessions"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	AudioBytes       uint64 `json:"audio_bytes"`
	IgnoredFrames    uint64 `json:"ignored_frames"`
}

// Stats returns simulator statistics.
func (s *Sim) Stats() Stats {
	return Stats{
		Sessions:         s.SessionCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		AudioBytes:       s.audioBytes.Load(),
		IgnoredFrames:    s.ignoredFrames.Load(),
	}
}

// SessionInfo describes a connected session.
type SessionInfo struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	UserID     string    `json:"user_id"`
	SampleRate int       `json:"sample_rate"`
	Connected  time.Time `json:"connected"`
	LastSeen   time.Time `json:"last_seen"`
	Paused     bool      `json:"paused"`
	Turn       int       `json:"turn"`
	Ended      bool      `json:"ended"`
	AudioBytes int64     `json:"audio_bytes"`
}

// Sessions returns info about every connected session.
func (s *Sim) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		infos = append(infos, SessionInfo{
			ID:         sess.ID,
			AgentID:    sess.AgentID,
			UserID:     sess.UserID,
			SampleRate: sess.SampleRate,
			Connected:  sess.Connected,
			LastSeen:   sess.lastSeen,
			Paused:     sess.paused,
			Turn:       sess.turn,
			Ended:      sess.ended,
			AudioBytes: sess.audioBytes,
		})
		sess.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers the session inspection and scripting API.
func (s *Sim) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")

	sessions.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": s.Sessions(),
			"count":    s.SessionCount(),
		})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})

	sessions.Post("/:id/say", func(c *fiber.Ctx) error {
		var req struct {
			Text string `json:"text"`
			End  bool   `json:"end"`
		}
		if err := c.BodyParser(&req); err != nil || req.Text == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text required"})
		}
		if err := s.Say(c.Params("id"), req.Text, req.End); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"sent": true})
	})

	sessions.Post("/:id/transcript", func(c *fiber.Ctx) error {
		var req struct {
			Text    string `json:"text"`
			Interim bool   `json:"interim"`
		}
		if err := c.BodyParser(&req); err != nil || req.Text == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text required"})
		}
		if err := s.Transcript(c.Params("id"), req.Text, req.Interim); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"sent": true})
	})
}

// voicedSamples counts 16-bit little-endian samples at or above threshold.
func voicedSamples(pcm []byte, threshold int16) int {
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if v >= threshold || v <= -threshold {
			n++
		}
	}
	return n
}
