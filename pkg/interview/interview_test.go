package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/archive"
	"github.com/teslashibe/go-interview/pkg/audioio"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/capture"
	"github.com/teslashibe/go-interview/pkg/channel"
	"github.com/teslashibe/go-interview/pkg/orchestrator"
)

// backend is a scripted transcription backend.
type backend struct {
	srv      *httptest.Server
	controls chan channel.Control
	out      chan string

	refuse   atomic.Bool
	kill     chan struct{}
	killOnce sync.Once
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		controls: make(chan channel.Control, 64),
		out:      make(chan string, 16),
		kill:     make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != channel.TranscribePath {
			http.NotFound(w, r)
			return
		}
		if b.refuse.Load() {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				typ, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if typ != websocket.TextMessage {
					continue
				}
				var c channel.Control
				if json.Unmarshal(data, &c) == nil && c.Event != channel.EventHeartbeat {
					b.controls <- c
				}
			}
		}()
		for {
			select {
			case <-done:
				return
			case <-b.kill:
				return
			case msg := <-b.out:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) send(msg string) { b.out <- msg }

// die drops every open connection without a close frame and refuses new ones.
func (b *backend) die() {
	b.refuse.Store(true)
	b.killOnce.Do(func() { close(b.kill) })
}

func (b *backend) next(t *testing.T) channel.Control {
	t.Helper()
	select {
	case c := <-b.controls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
	return channel.Control{}
}

// tiers builds avatar mocks and remembers every one it made.
type tiers struct {
	mu   sync.Mutex
	made []*avatar.Mock
}

func (ts *tiers) provider(kind avatar.Kind, opts ...avatar.MockOption) orchestrator.Provider {
	return orchestrator.Provider{Kind: kind, InitTimeout: 100 * time.Millisecond, New: func() (avatar.Adapter, error) {
		m := avatar.NewMock(kind, log.Discard(), opts...)
		ts.mu.Lock()
		ts.made = append(ts.made, m)
		ts.mu.Unlock()
		return m, nil
	}}
}

func (ts *tiers) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.made)
}

func (ts *tiers) last() *avatar.Mock {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.made[len(ts.made)-1]
}

// recorder is an Observer and StatusObserver logging events as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) has(ev string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == ev {
			return i
		}
	}
	return -1
}

func (r *recorder) OnTranscriptChange(text string, isInterim bool) {
	if isInterim {
		r.add("interim:%s", text)
		return
	}
	r.add("final:%s", text)
}

func (r *recorder) OnDialogflowResponseChange(responses []string, params map[string]any) {
	r.add("responses:%s", strings.Join(responses, "|"))
}

func (r *recorder) OnVoiceActivityChange(bool, float64)      {}
func (r *recorder) OnAvatarSpeakingChange(on bool)           { r.add("speaking:%t", on) }
func (r *recorder) OnAvatarReady(ready bool)                 { r.add("ready:%t", ready) }
func (r *recorder) OnProcessingStart()                       { r.add("processing") }
func (r *recorder) OnAvatarProviderChange(kind avatar.Kind)  { r.add("provider:%s", kind) }
func (r *recorder) OnAvatarFailed(error)                     { r.add("failed") }
func (r *recorder) OnChannelStateChange(state channel.State) { r.add("channel:%s", state) }
func (r *recorder) OnError(error)                            { r.add("error") }
func (r *recorder) OnEnded(reason string)                    { r.add("ended:%s", reason) }

type fakeArchive struct {
	mu  sync.Mutex
	got []archive.Transcript
	err error
}

func (f *fakeArchive) Put(_ context.Context, t archive.Transcript) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.got = append(f.got, t)
	return "transcripts/" + t.InterviewID + "/key.json", nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(b *backend, providers ...orchestrator.Provider) Config {
	cfg := DefaultConfig()
	cfg.InterviewID = "iv-1"
	cfg.BotName = "Ava"
	cfg.InterviewType = "Technical"
	cfg.Channel = channel.Config{
		BackendURL:        b.srv.URL,
		AgentID:           "agent-1",
		UserID:            "user-1",
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
		CloseFlush:        5 * time.Millisecond,
	}
	cfg.Orchestrator.Providers = providers
	cfg.Orchestrator.SwitchDelay = time.Millisecond
	cfg.Orchestrator.SettleDelay = time.Millisecond
	cfg.EndDelay = 20 * time.Millisecond
	cfg.Logger = log.Discard()
	return cfg
}

func mockSource() (*audioio.MockSource, Option) {
	src := audioio.NewMockSource(audioio.Config{SampleRate: 16000, Channels: 1, FrameSize: 160}, log.Discard(), audioio.WithManualFrames())
	return src, WithSourceFactory(func(audioio.Config, *slog.Logger) (audioio.Source, error) {
		return src, nil
	})
}

func startController(t *testing.T, cfg Config, opts ...Option) *Controller {
	t.Helper()
	_, withSource := mockSource()
	c, err := New(cfg, append([]Option{withSource}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

const greeting = "Welcome to your interview today."

func TestController_SpeaksResponsesAndPausesRecognition(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	c := startController(t, testConfig(b, ts.provider(avatar.KindHeyGen)), WithObserver(rec))

	waitFor(t, "avatar ready", func() bool { return rec.has("ready:true") })
	if !c.Status().Gated {
		t.Error("audio must be gated before the avatar speaks")
	}

	b.send(`{"conversation_id":"conv-1","isInitialGreeting":true,"dialogflowResponse":"` + greeting + `"}`)

	pause := b.next(t)
	if pause.Event != channel.EventPauseRecognition || pause.ConversationID != "conv-1" {
		t.Fatalf("first control = %+v, want pause_recognition for conv-1", pause)
	}
	if resume := b.next(t); resume.Event != channel.EventResumeRecognition {
		t.Fatalf("second control = %+v, want resume_recognition", resume)
	}

	if got := ts.last().Spoken(); len(got) != 1 || got[0] != greeting {
		t.Errorf("spoken = %q", got)
	}
	if !rec.has("responses:" + greeting) {
		t.Error("responses not shown")
	}
	on, off := rec.index("speaking:true"), rec.index("speaking:false")
	if on < 0 || off < on {
		t.Errorf("speaking events out of order: true@%d false@%d", on, off)
	}

	st := c.Status()
	if st.ConversationID != "conv-1" || st.Gated || st.Avatar.Provider != avatar.KindHeyGen {
		t.Errorf("status = %+v", st)
	}
}

func TestController_JoinsAndCleansResponses(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	startController(t, testConfig(b, ts.provider(avatar.KindHeyGen)), WithObserver(rec))
	waitFor(t, "avatar ready", func() bool { return rec.has("ready:true") })

	b.send(`{"dialogflowResponse":["Great answer, thank you. Technical_Flow()", " ", "Let us talk about testing."]}`)
	waitFor(t, "utterance", func() bool { return len(ts.last().Spoken()) == 1 })

	want := "Great answer, thank you. Let us talk about testing."
	if got := ts.last().Spoken()[0]; got != want {
		t.Errorf("spoken = %q, want %q", got, want)
	}
}

func TestController_TranscriptsAndArchive(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	store := &fakeArchive{}
	cfg := testConfig(b, ts.provider(avatar.KindHeyGen))
	_, withSource := mockSource()
	c, err := New(cfg, withSource, WithObserver(rec), WithArchive(store))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Speech before the avatar's first utterance is ignored.
	b.send(`{"userTranscript":"too early","isInterim":false}`)
	waitFor(t, "early transcript counted", func() bool { return c.Status().Transcript.BeforeAvatar == 1 })

	b.send(`{"dialogflowResponse":"` + greeting + `"}`)
	b.next(t)
	b.next(t)

	b.send(`{"userTranscript":"I build","isInterim":true}`)
	b.send(`{"userTranscript":"I build audio pipelines.","isInterim":false}`)
	b.send(`{"userTranscript":"I build audio pipelines.","isInterim":false}`)
	waitFor(t, "duplicate final dropped", func() bool { return c.Status().Transcript.Duplicates == 1 })

	if !rec.has("interim:I build") || !rec.has("final:I build audio pipelines.") || !rec.has("processing") {
		t.Errorf("events = %v", rec.snapshot())
	}
	if rec.has("final:too early") {
		t.Error("transcript before the avatar spoke reached the UI")
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(store.got) != 1 {
		t.Fatalf("archived %d transcripts, want 1", len(store.got))
	}
	tr := store.got[0]
	want := "Interviewer: " + greeting + "\nCandidate: I build audio pipelines."
	if tr.Transcript != want || tr.BotName != "Ava" || tr.InterviewType != "Technical" {
		t.Errorf("archived %+v", tr)
	}
	if st := c.Status(); st.ArchiveKey != "transcripts/iv-1/key.json" || st.Running || !st.Ended {
		t.Errorf("status = %+v", st)
	}

	for {
		if b.next(t).Event == channel.EventEndOfSpeech {
			break
		}
	}
}

func TestController_BackendEndsInterview(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	c := startController(t, testConfig(b, ts.provider(avatar.KindHeyGen)), WithObserver(rec))
	waitFor(t, "avatar ready", func() bool { return rec.has("ready:true") })

	b.send(`{"dialogflowResponse":"Thank you for your time today.","sessionParams":{"interviewEnd":true}}`)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interview did not end")
	}
	if !rec.has("ended:interview complete") {
		t.Errorf("events = %v", rec.snapshot())
	}
	if st := c.Status(); st.EndReason != "interview complete" {
		t.Errorf("EndReason = %q", st.EndReason)
	}
}

func TestController_ChannelFailureEndsInterview(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	c := startController(t, testConfig(b, ts.provider(avatar.KindHeyGen)), WithObserver(rec))
	waitFor(t, "avatar ready", func() bool { return rec.has("ready:true") })

	b.die()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interview still running after the channel failed")
	}

	if st := c.Status(); st.EndReason != "channel failed" {
		t.Errorf("EndReason = %q", st.EndReason)
	}
	if !rec.has("error") || !rec.has("ended:channel failed") {
		t.Errorf("events = %v", rec.snapshot())
	}
	if n := ts.last().DisconnectCalls(); n != 1 {
		t.Errorf("avatar DisconnectCalls = %d, want 1", n)
	}
}

func TestController_ContinuesWithoutAvatar(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	broken := avatar.WithMockConnect(func(context.Context) error { return errors.New("no stream") })
	c := startController(t, testConfig(b, ts.provider(avatar.KindHeyGen, broken), ts.provider(avatar.KindLocal, broken)), WithObserver(rec))

	waitFor(t, "avatar failed", func() bool { return rec.has("failed") })
	st := c.Status()
	if st.Avatar.Stage != orchestrator.StageFailed || len(st.Avatar.Errors) != 2 {
		t.Errorf("avatar = %+v", st.Avatar)
	}
	if st.Gated {
		t.Error("audio must flow once no avatar is left")
	}
	if !rec.has("provider:heygen") || !rec.has("provider:local") {
		t.Errorf("events = %v", rec.snapshot())
	}

	b.send(`{"dialogflowResponse":"` + greeting + `"}`)
	waitFor(t, "response shown", func() bool { return rec.has("responses:" + greeting) })
	b.send(`{"userTranscript":"Hello, I am here.","isInterim":false}`)
	waitFor(t, "transcript shown", func() bool { return rec.has("final:Hello, I am here.") })
}

func TestController_RetryAvatar(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	rec := &recorder{}
	c := startController(t, testConfig(b, ts.provider(avatar.KindHeyGen)), WithObserver(rec))
	waitFor(t, "avatar ready", func() bool { return rec.has("ready:true") })

	if err := c.RetryAvatar(context.Background()); err != nil {
		t.Fatalf("RetryAvatar() error = %v", err)
	}
	waitFor(t, "second adapter", func() bool { return ts.count() == 2 })
	waitFor(t, "ready again", func() bool { return c.Status().Avatar.Ready })
	if st := c.Status().Avatar; st.Stage != orchestrator.StagePrimary {
		t.Errorf("stage = %s", st.Stage)
	}
}

func TestController_Lifecycle(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	_, withSource := mockSource()
	c, err := New(testConfig(b, ts.provider(avatar.KindHeyGen)), withSource)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RetryAvatar(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("RetryAvatar() before Start = %v, want ErrNotRunning", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrEnded) {
		t.Errorf("Start() after Stop = %v, want ErrEnded", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestController_StartFailures(t *testing.T) {
	b := newBackend(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	tests := []struct {
		name  string
		setup func(cfg *Config) Option
		check func(err error) bool
	}{
		{
			name: "microphone",
			setup: func(cfg *Config) Option {
				return WithSourceFactory(func(audioio.Config, *slog.Logger) (audioio.Source, error) {
					return nil, audioio.ErrPermissionDenied
				})
			},
			check: func(err error) bool {
				var de *capture.DeviceError
				return errors.As(err, &de) && de.PermissionDenied()
			},
		},
		{
			name: "channel",
			setup: func(cfg *Config) Option {
				cfg.Channel.BackendURL = dead.URL
				cfg.Channel.ConnectTimeout = 200 * time.Millisecond
				_, opt := mockSource()
				return opt
			},
			check: func(err error) bool {
				var ce *channel.ChannelError
				return errors.As(err, &ce)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &tiers{}
			cfg := testConfig(b, ts.provider(avatar.KindHeyGen))
			opt := tt.setup(&cfg)
			c, err := New(cfg, opt)
			if err != nil {
				t.Fatal(err)
			}
			err = c.Start(context.Background())
			if err == nil || !tt.check(err) {
				t.Fatalf("Start() error = %v", err)
			}
			if c.Status().Running {
				t.Error("controller running after failed start")
			}
			if ts.count() != 0 {
				t.Error("avatar started despite failed start")
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	b := newBackend(t)
	ts := &tiers{}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"no interview", func(c *Config) { c.InterviewID = "" }, nil},
		{"no agent", func(c *Config) { c.Channel.AgentID = "" }, channel.ErrMissingAgentID},
		{"no avatars", func(c *Config) { c.Orchestrator.Providers = nil }, ErrNoAvatars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(b, ts.provider(avatar.KindHeyGen))
			tt.mutate(&cfg)
			err := cfg.Validate()
			switch {
			case tt.name == "valid" && err != nil:
				t.Errorf("Validate() = %v", err)
			case tt.name != "valid" && err == nil:
				t.Error("Validate() = nil, want error")
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
