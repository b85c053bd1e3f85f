// Package interview runs one live interview session.
//
// A Controller is the composition root of the audio pipeline: it owns the
// capture engine, the transcription channel, the transcript controller and
// the avatar orchestrator, routes backend messages between them and pushes
// every user-visible change to an Observer.
//
// Example usage:
//
//	cfg := interview.DefaultConfig()
//	cfg.InterviewID = "iv-42"
//	cfg.Channel.AgentID = "agent-7"
//	cfg.Avatars = interview.DefaultAvatars(resolver)
//
//	c, err := interview.New(cfg, interview.WithObserver(ui))
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	<-c.Done()
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-interview/internal/timer"
	"github.com/teslashibe/go-interview/pkg/archive"
	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/capture"
	"github.com/teslashibe/go-interview/pkg/channel"
	"github.com/teslashibe/go-interview/pkg/credentials"
	"github.com/teslashibe/go-interview/pkg/media"
	"github.com/teslashibe/go-interview/pkg/orchestrator"
	"github.com/teslashibe/go-interview/pkg/session"
	"github.com/teslashibe/go-interview/pkg/transcript"
	"github.com/teslashibe/go-interview/pkg/vad"
)

// ParamInterviewEnd is the session parameter the backend sets on its closing
// response.
const ParamInterviewEnd = "interviewEnd"

// Config configures a Controller.
type Config struct {
	InterviewID string

	Channel     channel.Config
	Capture     capture.Config
	Constraints capture.Constraints
	Transcript  transcript.Config

	// Orchestrator timings. When Providers is empty the tiers are built
	// from Avatars.
	Orchestrator orchestrator.Config
	Avatars      Avatars

	// BotName and InterviewType label the archived transcript. Empty values
	// are taken from the interview's avatar metadata.
	BotName       string
	InterviewType string

	// EndDelay is the pause between the closing response and teardown, so
	// the avatar can start saying goodbye.
	EndDelay time.Duration

	// StopTimeout bounds a teardown the controller starts itself.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production defaults. InterviewID, the agent and the
// avatar resolver must still be set.
func DefaultConfig() Config {
	return Config{
		Channel:      channel.DefaultConfig(),
		Capture:      capture.DefaultConfig(),
		Transcript:   transcript.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		EndDelay:     2 * time.Second,
		StopTimeout:  10 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.InterviewID == "" {
		return fmt.Errorf("interview: interview id required")
	}
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if len(c.Orchestrator.Providers) == 0 && c.Avatars.Resolver == nil {
		return ErrNoAvatars
	}
	return nil
}

// Archiver stores the finished transcript. *archive.Store satisfies it.
type Archiver interface {
	Put(ctx context.Context, t archive.Transcript) (string, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver sets the UI observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithArchive uploads the transcript when the interview stops.
func WithArchive(a Archiver) Option {
	return func(c *Controller) { c.archiver = a }
}

// WithSourceFactory overrides how the microphone is opened.
func WithSourceFactory(f capture.SourceFactory) Option {
	return func(c *Controller) { c.newSource = f }
}

// WithSinkFactory overrides how avatar playback outputs are opened.
func WithSinkFactory(f SinkFactory) Option {
	return func(c *Controller) { c.newSink = f }
}

// Status is a snapshot of a running interview.
type Status struct {
	InterviewID    string             `json:"interview_id"`
	SessionID      string             `json:"session_id,omitempty"`
	UserID         string             `json:"user_id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Running        bool               `json:"running"`
	Ended          bool               `json:"ended"`
	EndReason      string             `json:"end_reason,omitempty"`
	Gated          bool               `json:"gated"`
	Channel        string             `json:"channel"`
	Avatar         orchestrator.State `json:"avatar"`
	Capture        capture.Stats      `json:"capture"`
	Transcript     transcript.Stats   `json:"transcript"`
	Lines          int                `json:"lines"`
	ArchiveKey     string             `json:"archive_key,omitempty"`
}

// Controller runs one interview. It can be started once.
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	observer  Observer
	status    StatusObserver
	archiver  Archiver
	newSource capture.SourceFactory
	newSink   SinkFactory
	log       *archive.Log
	endTimer  *timer.Handle
	done      chan struct{}

	// runMu serializes Start and Stop. Callbacks never take it.
	runMu sync.Mutex
	pump  sync.WaitGroup

	mu          sync.Mutex
	started     bool
	ended       bool
	endReason   string
	archiveKey  string
	cancel      context.CancelFunc
	sess        *session.Session
	engine      *capture.Engine
	conn        *channel.Connection
	transcripts *transcript.Controller
	avatars     *orchestrator.Orchestrator
	playback    audioio.Sink
	turns       turns
}

// New creates a Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	def := DefaultConfig()
	if cfg.EndDelay <= 0 {
		cfg.EndDelay = def.EndDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "interview", "interview_id", cfg.InterviewID),
		observer: NopObserver{},
		newSink:  audioio.NewSink,
		log:      archive.NewLog(),
		endTimer: timer.New("interview.end"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if s, ok := c.observer.(StatusObserver); ok {
		c.status = s
	}
	return c, nil
}

// Done is closed once the interview has stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start opens the microphone, connects the transcription channel and brings
// up the first avatar provider. A device or channel failure is returned and
// leaves nothing running.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	ended, started := c.ended, c.started
	c.mu.Unlock()
	switch {
	case ended:
		return ErrEnded
	case started:
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := c.start(ctx, runCtx); err != nil {
		_ = c.teardown(context.Background())
		cancel()
		return err
	}

	c.mu.Lock()
	c.cancel = cancel
	c.started = true
	snap := c.sess.Snapshot()
	c.mu.Unlock()

	c.logger.Info("interview started",
		"session_id", snap.SessionID,
		"user_id", snap.UserID,
		"sample_rate", snap.SampleRate,
	)
	return nil
}

// start wires the pipeline. Components are published as they come up so
// teardown can release them on failure.
func (c *Controller) start(ctx, runCtx context.Context) error {
	c.resolveLabels(ctx)

	sess := session.New(c.cfg.Channel.AgentID, c.cfg.Channel.UserID, c.cfg.Constraints.SampleRate)
	capOpts := []capture.Option{capture.WithVoiceActivity(c.onVoice)}
	if c.newSource != nil {
		capOpts = append(capOpts, capture.WithSourceFactory(c.newSource))
	}
	capCfg := c.cfg.Capture
	capCfg.Logger = c.logger
	engine := capture.New(sess, capCfg, capOpts...)

	c.mu.Lock()
	c.sess, c.engine = sess, engine
	c.mu.Unlock()

	if err := engine.Start(runCtx, c.cfg.Constraints); err != nil {
		return err
	}

	snap := sess.Snapshot()
	chCfg := c.cfg.Channel
	chCfg.UserID = snap.UserID
	chCfg.SampleRate = snap.SampleRate
	chCfg.Logger = c.logger
	conn := channel.New(chCfg, channel.WithConversationID(func() string {
		return sess.Snapshot().ConversationID
	}))

	trCfg := c.cfg.Transcript
	trCfg.Logger = c.logger
	transcripts := transcript.New(sess, conn, trCfg)
	transcripts.SetHandlers(transcript.Handlers{
		OnTranscriptChange: c.onTranscript,
		OnProcessingStart:  c.observer.OnProcessingStart,
	})

	avatars, err := c.newOrchestrator(runCtx)
	if err != nil {
		return err
	}
	avatars.SetHandlers(orchestrator.Handlers{
		OnAvatarReady:          c.observer.OnAvatarReady,
		OnAvatarSpeakingChange: c.onAvatarSpeaking,
		OnProviderChange:       c.onProviderChange,
		OnFailed:               c.onAvatarFailed,
	})

	conn.OnMessage(c.onMessage)
	conn.OnClose(func(code int, reason string) {
		transcripts.Reset()
	})
	conn.OnError(c.onChannelError)
	if c.status != nil {
		conn.OnStateChange(c.status.OnChannelStateChange)
	}

	c.mu.Lock()
	c.conn, c.transcripts, c.avatars = conn, transcripts, avatars
	c.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	c.pump.Add(1)
	go func() {
		defer c.pump.Done()
		conn.PumpAudio(runCtx, engine.Frames())
	}()

	return avatars.Start(runCtx)
}

// resolveLabels fills BotName and InterviewType from the avatar metadata.
func (c *Controller) resolveLabels(ctx context.Context) {
	if c.cfg.BotName != "" && c.cfg.InterviewType != "" {
		return
	}
	meta := credentials.DefaultAvatarConfig().Metadata
	if r := c.cfg.Avatars.Resolver; r != nil {
		if ac, err := r.AvatarConfig(ctx, c.cfg.InterviewID); err == nil {
			meta = ac.Metadata
		} else {
			c.logger.Debug("avatar metadata unavailable", "error", err)
		}
	}
	if c.cfg.BotName == "" {
		c.cfg.BotName = meta.BotName
	}
	if c.cfg.InterviewType == "" {
		c.cfg.InterviewType = meta.InterviewType
	}
}

func (c *Controller) newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := c.cfg.Orchestrator
	cfg.Logger = c.logger
	if len(cfg.Providers) == 0 {
		b := &builder{
			ctx:         ctx,
			interviewID: c.cfg.InterviewID,
			avatars:     c.cfg.Avatars,
			logger:      c.logger,
			newSink:     c.newSink,
		}
		if sink, err := c.newSink(c.cfg.Avatars.Playback, c.logger); err != nil {
			c.logger.Warn("avatar playback unavailable, streaming audio is muted", "error", err)
		} else if err := sink.Start(ctx); err != nil {
			c.logger.Warn("avatar playback did not start, streaming audio is muted", "error", err)
			_ = sink.Close()
		} else {
			c.mu.Lock()
			c.playback = sink
			c.mu.Unlock()
			b.media = media.NewFactory(media.WithSink(sink))
		}
		providers, err := b.providers()
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	}
	return orchestrator.New(cfg)
}

// RetryAvatar restarts the avatar from the primary provider.
func (c *Controller) RetryAvatar(ctx context.Context) error {
	c.mu.Lock()
	avatars, running := c.avatars, c.started && !c.ended
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return avatars.Reset(ctx)
}

// Stop ends the interview: capture stops, the channel closes gracefully, the
// avatar is torn down and the transcript archived. Stop is idempotent. It
// must not be called from an Observer method.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, "stopped")
}

func (c *Controller) stop(ctx context.Context, reason string) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	c.endReason = reason
	started, cancel := c.started, c.cancel
	c.mu.Unlock()
	c.endTimer.Stop()

	var err error
	if started {
		err = c.teardown(ctx)
		cancel()
		if aerr := c.archive(ctx); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}
	c.logger.Info("interview ended", "reason", reason, "lines", c.log.Len())
	if c.status != nil {
		c.status.OnEnded(reason)
	}
	close(c.done)
	return err
}

// teardown stops whatever start brought up, in reverse order.
func (c *Controller) teardown(ctx context.Context) error {
	c.mu.Lock()
	sess, engine, conn := c.sess, c.engine, c.conn
	transcripts, avatars, playback := c.transcripts, c.avatars, c.playback
	c.playback = nil
	c.mu.Unlock()

	var errs []error
	if transcripts != nil {
		transcripts.Close()
	}
	if engine != nil {
		if err := engine.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.pump.Wait()
	if avatars != nil {
		if err := avatars.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if playback != nil {
		_ = playback.Stop()
		_ = playback.Close()
	}
	if sess != nil {
		sess.Close()
	}
	return errors.Join(errs...)
}

func (c *Controller) archive(ctx context.Context) error {
	if c.archiver == nil || c.log.Len() == 0 {
		return nil
	}
	t := c.log.Transcript(c.cfg.InterviewID, c.cfg.BotName, c.cfg.InterviewType)
	key, err := c.archiver.Put(ctx, t)
	if err != nil {
		if errors.Is(err, archive.ErrEmptyTranscript) {
			return nil
		}
		c.logger.Error("transcript not archived", "error", err)
		return err
	}
	c.mu.Lock()
	c.archiveKey = key
	c.mu.Unlock()
	return nil
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		InterviewID: c.cfg.InterviewID,
		Running:     c.started && !c.ended,
		Ended:       c.ended,
		EndReason:   c.endReason,
		ArchiveKey:  c.archiveKey,
		Channel:     channel.StateDisconnected.String(),
	}
	sess, engine, conn, transcripts, avatars := c.sess, c.engine, c.conn, c.transcripts, c.avatars
	c.mu.Unlock()

	st.Lines = c.log.Len()
	if sess != nil {
		snap := sess.Snapshot()
		st.SessionID = snap.SessionID
		st.UserID = snap.UserID
		st.ConversationID = snap.ConversationID
		st.Gated = snap.Gated()
	}
	if conn != nil {
		st.Channel = conn.State().String()
	}
	if engine != nil {
		st.Capture = engine.Stats()
	}
	if transcripts != nil {
		st.Transcript = transcripts.Stats()
	}
	if avatars != nil {
		st.Avatar = avatars.State()
	}
	return st
}

func (c *Controller) onMessage(m channel.Inbound) {
	if c.engine.AdoptConversationID(m.ConversationID) {
		c.logger.Info("conversation started", "conversation_id", m.ConversationID)
	}
	if m.HasTranscript() {
		c.transcripts.Handle(transcript.Fragment{
			Text:       m.UserTranscript,
			IsInterim:  m.IsInterim,
			ReceivedAt: time.Now(),
		})
	}
	if m.HasResponses() {
		c.onResponses(m.DialogflowResponse, m.Params())
	}
}

func (c *Controller) onTranscript(text string, isInterim bool) {
	c.observer.OnTranscriptChange(text, isInterim)
	if isInterim {
		return
	}
	c.mu.Lock()
	answer := c.turns.add(text)
	c.mu.Unlock()
	if answer != "" {
		c.log.Add(archive.RoleCandidate, answer)
	}
}

// onResponses shows the responses, then speaks them cleaned and joined as
// one utterance.
func (c *Controller) onResponses(responses []string, params map[string]any) {
	c.observer.OnDialogflowResponseChange(responses, params)

	var cleaned []string
	for _, r := range responses {
		if strings.TrimSpace(r) == "" {
			continue
		}
		text := avatar.CleanResponse(r)
		cleaned = append(cleaned, text)
		c.log.Add(archive.RoleInterviewer, text)
	}
	if len(cleaned) > 0 {
		err := c.avatars.Speak(strings.Join(cleaned, " "))
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrNoProvider):
			c.logger.Debug("no avatar available, response shown as text only")
		default:
			c.logger.Warn("response not queued for the avatar", "error", err)
		}
	}

	if ended, _ := params[ParamInterviewEnd].(bool); ended {
		c.logger.Info("backend ended the interview", "delay", c.cfg.EndDelay)
		c.endTimer.Reset(c.cfg.EndDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
			defer cancel()
			if err := c.stop(ctx, "interview complete"); err != nil {
				c.logger.Warn("teardown after interview end failed", "error", err)
			}
		})
	}
}

// onAvatarSpeaking gates capture and pauses recognition while the avatar
// talks.
func (c *Controller) onAvatarSpeaking(speaking bool) {
	if c.engine.SetAvatarSpeaking(speaking) && c.conn.IsOpen() {
		ev := channel.EventResumeRecognition
		if speaking {
			ev = channel.EventPauseRecognition
		}
		if err := c.conn.Send(ev); err != nil {
			c.logger.Warn("recognition control not sent", "event", ev, "error", err)
		}
	}
	c.observer.OnAvatarSpeakingChange(speaking)
}

func (c *Controller) onProviderChange(kind avatar.Kind) {
	if c.status != nil {
		c.status.OnAvatarProviderChange(kind)
	}
}

// onAvatarFailed keeps the interview going without an avatar.
func (c *Controller) onAvatarFailed(err error) {
	c.engine.ReleaseGate()
	if c.status != nil {
		c.status.OnAvatarFailed(err)
	}
}

// onChannelError ends the interview once the channel gave up reconnecting.
// It runs on the channel's goroutine, so teardown happens on its own.
func (c *Controller) onChannelError(err error) {
	c.logger.Error("transcription channel failed", "error", err)
	if c.status != nil {
		c.status.OnError(err)
	}
	if !channel.IsFatal(err) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()
		if err := c.stop(ctx, "channel failed"); err != nil {
			c.logger.Warn("teardown after channel failure failed", "error", err)
		}
	}()
}

func (c *Controller) onVoice(s vad.Sample) {
	c.observer.OnVoiceActivityChange(s.Active, s.Volume)
}
