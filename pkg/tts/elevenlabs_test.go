package tts_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/tts"
)

type countingKeys struct {
	key         string
	invalidated atomic.Int32
}

func (k *countingKeys) Key(context.Context) (string, error) { return k.key, nil }
func (k *countingKeys) Invalidate()                         { k.invalidated.Add(1) }

func newTestElevenLabs(t *testing.T, srv *httptest.Server, keys tts.KeySource) *tts.ElevenLabs {
	t.Helper()
	p, err := tts.NewElevenLabs(
		tts.WithKeySource(keys),
		tts.WithBaseURL(srv.URL),
		tts.WithRetry(1, time.Millisecond),
		tts.WithLogger(log.Discard()),
	)
	if err != nil {
		t.Fatalf("NewElevenLabs() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestElevenLabs_Synthesize(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if want := "/text-to-speech/" + tts.DefaultVoiceID; r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_24000" {
			t.Errorf("output_format = %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "secret" {
			t.Errorf("xi-api-key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Write(make([]byte, 48000))
	}))
	defer srv.Close()

	p := newTestElevenLabs(t, srv, tts.StaticKey("secret"))
	result, err := p.Synthesize(context.Background(), "  Hello there.How are you?  ")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if result.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", result.Duration)
	}
	if result.Provider != "elevenlabs" {
		t.Errorf("Provider = %q", result.Provider)
	}
	if payload["text"] != "Hello there. How are you?" {
		t.Errorf("text = %q", payload["text"])
	}
	if payload["model_id"] != tts.ModelFlashV2_5 {
		t.Errorf("model_id = %v", payload["model_id"])
	}
	if payload["language_code"] != "en" || payload["apply_text_normalization"] != "auto" {
		t.Errorf("payload = %v", payload)
	}
	vs, _ := payload["voice_settings"].(map[string]any)
	if vs["stability"] != 0.6 || vs["speed"] != 1.0 {
		t.Errorf("voice_settings = %v", vs)
	}
}

func TestElevenLabs_TruncatesLongText(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		got = payload.Text
		w.Write([]byte{0, 0})
	}))
	defer srv.Close()

	p := newTestElevenLabs(t, srv, tts.StaticKey("secret"))
	if _, err := p.Synthesize(context.Background(), strings.Repeat("a", tts.MaxFlashChars+10)); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(got) != tts.MaxFlashChars || !strings.HasSuffix(got, "...") {
		t.Errorf("sent %d chars, want %d ending in ...", len(got), tts.MaxFlashChars)
	}
}

func TestElevenLabs_UnauthorizedInvalidatesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer srv.Close()

	keys := &countingKeys{key: "stale"}
	p := newTestElevenLabs(t, srv, keys)
	_, err := p.Synthesize(context.Background(), "Hello")

	var apiErr *tts.APIError
	if !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		t.Fatalf("error = %v, want 401 APIError", err)
	}
	if apiErr.Code != "invalid_api_key" {
		t.Errorf("Code = %q", apiErr.Code)
	}
	if keys.invalidated.Load() != 1 {
		t.Errorf("Invalidate called %d times, want 1", keys.invalidated.Load())
	}
}

func TestElevenLabs_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte{0, 0, 0, 0})
	}))
	defer srv.Close()

	p := newTestElevenLabs(t, srv, tts.StaticKey("secret"))
	if _, err := p.Synthesize(context.Background(), "Hello"); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestElevenLabs_EmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called")
	}))
	defer srv.Close()

	p := newTestElevenLabs(t, srv, tts.StaticKey("secret"))
	if _, err := p.Synthesize(context.Background(), "   "); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("error = %v, want ErrEmptyText", err)
	}
}

func TestElevenLabs_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("path = %s, want /user", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := newTestElevenLabs(t, srv, tts.StaticKey("secret"))
	if err := p.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
