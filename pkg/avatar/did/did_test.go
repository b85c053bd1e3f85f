package did

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/avatar"
	"github.com/teslashibe/go-interview/pkg/media"
)

type fakeDID struct {
	srv *httptest.Server

	mu         sync.Mutex
	talks      []string
	answers    int
	candidates int
	deletes    int
	talkStatus int
}

func newFakeDID(t *testing.T) *fakeDID {
	f := &fakeDID{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/agent-1/streams", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "strm-1",
			"session_id":  "sess-1",
			"offer":       map[string]any{"type": "offer", "sdp": "v=0 offer"},
			"ice_servers": []any{map[string]any{"urls": []string{"stun:stun.example.com:3478"}}},
		})
	})
	mux.HandleFunc("POST /agents/agent-1/streams/strm-1/sdp", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.answers++
		f.mu.Unlock()
		w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("POST /agents/agent-1/streams/strm-1/ice", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.candidates++
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /agents/agent-1/streams/strm-1", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Script struct {
				Input string `json:"input"`
			} `json:"script"`
			SessionID string `json:"session_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.talks = append(f.talks, body.Script.Input)
		if f.talkStatus != 0 {
			w.WriteHeader(f.talkStatus)
			return
		}
		w.Write([]byte(`{"status":"started"}`))
	})
	mux.HandleFunc("DELETE /agents/agent-1/streams/strm-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deletes++
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Client-Key ck" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDID) counts() (talks []string, answers, candidates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.talks...), f.answers, f.candidates, f.deletes
}

func newTestAdapter(t *testing.T, f *fakeDID, mutate func(*Config)) (*Adapter, *media.MockConn) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = f.srv.URL
	cfg.AgentID = "agent-1"
	cfg.ClientKey = "ck"
	cfg.Gap = 0
	cfg.Logger = log.Discard()
	if mutate != nil {
		mutate(&cfg)
	}
	conn := media.NewMockConn()
	a := New(cfg, WithConnFactory(media.MockFactory(conn)))
	t.Cleanup(func() { a.Disconnect(context.Background()) })
	return a, conn
}

type recorder struct {
	mu   sync.Mutex
	evs  []avatar.Event
	done chan struct{}
}

func record(ch <-chan avatar.Event) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range ch {
			r.mu.Lock()
			r.evs = append(r.evs, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) err() *avatar.AvatarError {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if e, ok := ev.(avatar.Error); ok {
			var ae *avatar.AvatarError
			if errors.As(e.Err, &ae) {
				return ae
			}
		}
	}
	return nil
}

func (r *recorder) ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if _, ok := ev.(avatar.Ready); ok {
			return true
		}
	}
	return false
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAdapter_ConnectAndSpeak(t *testing.T) {
	f := newFakeDID(t)
	a, conn := newTestAdapter(t, f, nil)
	evs := record(a.Events())

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, answers, _, _ := f.counts()
	if answers != 1 || len(conn.Offers()) != 1 {
		t.Fatalf("answers = %d, offers = %d", answers, len(conn.Offers()))
	}

	mid := "0"
	conn.EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMid: &mid})
	waitUntil(t, "candidate delivered", func() bool { _, _, c, _ := f.counts(); return c == 1 })

	conn.SetState(webrtc.PeerConnectionStateConnected)
	waitUntil(t, "ready", evs.ready)

	_ = a.Speak("ok")
	if a.Pending() != 0 {
		t.Error("two-character text was queued")
	}
	_ = a.Speak("Tell me about a hard bug.")
	waitUntil(t, "talk", func() bool { talks, _, _, _ := f.counts(); return len(talks) == 1 })
	waitUntil(t, "speaking", a.Speaking)
	conn.Deliver("JanusDataChannel", []byte(`stream/done:{"videoId":"v1"}`))
	waitUntil(t, "spoken", func() bool { return a.Stats().Spoken == 1 })

	if err := a.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	<-evs.done
	talks, _, _, deletes := f.counts()
	if !reflect.DeepEqual(talks, []string{"Tell me about a hard bug."}) || deletes != 1 {
		t.Errorf("talks = %v, deletes = %d", talks, deletes)
	}
}

func TestAdapter_MissingCredentials(t *testing.T) {
	f := newFakeDID(t)
	a, _ := newTestAdapter(t, f, func(c *Config) { c.ClientKey = "" })

	err := a.Connect(context.Background())
	if !errors.Is(err, avatar.ErrMissingCredentials) {
		t.Fatalf("Connect() error = %v, want ErrMissingCredentials", err)
	}
	if ae := a.Err(); ae == nil || !ae.IsInit() {
		t.Errorf("Err() = %v, want init error", ae)
	}
}

func TestAdapter_StreamErrorRequeues(t *testing.T) {
	f := newFakeDID(t)
	a, conn := newTestAdapter(t, f, nil)
	evs := record(a.Events())

	_ = a.Connect(context.Background())
	conn.SetState(webrtc.PeerConnectionStateConnected)
	_ = a.Speak("What motivates you?")
	waitUntil(t, "talk", func() bool { talks, _, _, _ := f.counts(); return len(talks) == 1 })
	waitUntil(t, "speaking", a.Speaking)
	conn.Deliver("JanusDataChannel", []byte("stream/error:{}"))

	waitUntil(t, "error", func() bool { return evs.err() != nil })
	if got := a.Drain(); !reflect.DeepEqual(got, []string{"What motivates you?"}) {
		t.Errorf("Drain() = %v", got)
	}
	if ae := evs.err(); ae.IsInit() || !errors.Is(ae, avatar.ErrTransport) {
		t.Errorf("error = %v", ae)
	}
}

func TestAdapter_DisconnectBeforeReadyIsInitError(t *testing.T) {
	f := newFakeDID(t)
	a, conn := newTestAdapter(t, f, nil)
	evs := record(a.Events())

	_ = a.Connect(context.Background())
	conn.SetState(webrtc.PeerConnectionStateConnecting)
	conn.SetState(webrtc.PeerConnectionStateDisconnected)

	waitUntil(t, "error", func() bool { return evs.err() != nil })
	if !evs.err().IsInit() {
		t.Error("drop before ready should be an init error")
	}
}

func TestAdapter_MissingDoneFallsBackToDeadline(t *testing.T) {
	f := newFakeDID(t)
	a, conn := newTestAdapter(t, f, func(c *Config) {
		c.WordsPerMinute = 60000
		c.TalkMargin = 10 * time.Millisecond
	})

	_ = a.Connect(context.Background())
	conn.SetState(webrtc.PeerConnectionStateConnected)
	_ = a.Speak("Thanks for your time today.")
	waitUntil(t, "spoken", func() bool { return a.Stats().Spoken == 1 })
}
