package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/teslashibe/go-interview/internal/log"
)

type fakePortal struct {
	*httptest.Server

	mu          sync.Mutex
	tokenCalls  int
	authHeaders []string
	interviews  []string
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	f := &fakePortal{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"portal-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /api/get-elevenlabs-key", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, "")
		_, _ = w.Write([]byte("xi-secret\n"))
	})
	mux.HandleFunc("POST /api/get-access-token", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, "")
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/avatar-config", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, decodeInterview(r))
		_, _ = w.Write([]byte(`{"avatarName":"Wayne_public","voice":{"rate":1.1}}`))
	})
	mux.HandleFunc("POST /api/did-agent-config", func(w http.ResponseWriter, r *http.Request) {
		id := decodeInterview(r)
		f.record(r, id)
		switch id {
		case "ok":
			_, _ = w.Write([]byte(`{"agentId":"agt_9","clientKey":"ck_9","metadata":{"botName":"Ava"}}`))
		case "bad":
			_, _ = w.Write([]byte(`{"agentId":"agt_9","clientKey":"undefined"}`))
		default:
			http.Error(w, `{"error":"Interview not found"}`, http.StatusNotFound)
		}
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func decodeInterview(r *http.Request) string {
	var body interviewRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.InterviewID
}

func (f *fakePortal) record(r *http.Request, interview string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	if interview != "" {
		f.interviews = append(f.interviews, interview)
	}
}

func newTestPortal(t *testing.T, f *fakePortal, oauth bool) *Portal {
	t.Helper()
	cfg := PortalConfig{BaseURL: f.URL + "/", HTTP: f.Client(), Logger: log.Discard()}
	if oauth {
		cfg.ClientID = "interview-agent"
		cfg.ClientSecret = "s3cret"
		cfg.TokenURL = f.URL + "/oauth/token"
	}
	p, err := NewPortal(cfg)
	if err != nil {
		t.Fatalf("NewPortal() error = %v", err)
	}
	return p
}

func TestPortal_ElevenLabsKeyWithClientCredentials(t *testing.T) {
	f := newFakePortal(t)
	p := newTestPortal(t, f, true)

	key, err := p.ElevenLabsKey(context.Background())
	if err != nil || key != "xi-secret" {
		t.Fatalf("ElevenLabsKey() = %q, %v", key, err)
	}
	_, _ = p.ElevenLabsKey(context.Background())

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenCalls != 1 {
		t.Errorf("token endpoint called %d times, want 1", f.tokenCalls)
	}
	for _, h := range f.authHeaders {
		if h != "Bearer portal-token" {
			t.Errorf("Authorization = %q", h)
		}
	}
}

func TestPortal_MissingTokenIsNotFound(t *testing.T) {
	p := newTestPortal(t, newFakePortal(t), false)
	if _, err := p.HeyGenToken(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("HeyGenToken() error = %v, want ErrNotFound", err)
	}
}

func TestPortal_AvatarConfigKeepsDefaults(t *testing.T) {
	f := newFakePortal(t)
	p := newTestPortal(t, f, false)

	cfg, err := p.AvatarConfig(context.Background(), "interview-1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AvatarName != "Wayne_public" || cfg.Voice.Rate != 1.1 {
		t.Errorf("portal values not applied: %+v", cfg)
	}
	if cfg.Language != "en" || cfg.Voice.Emotion != "friendly" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.interviews) != 1 || f.interviews[0] != "interview-1" {
		t.Errorf("interview ids sent = %v", f.interviews)
	}
}

func TestPortal_DIDConfig(t *testing.T) {
	p := newTestPortal(t, newFakePortal(t), false)

	tests := []struct {
		interview string
		wantErr   error
		wantAgent string
	}{
		{"ok", nil, "agt_9"},
		{"bad", ErrInvalid, ""},
		{"missing", ErrNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.interview, func(t *testing.T) {
			cfg, err := p.DIDConfig(context.Background(), tt.interview)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DIDConfig() error = %v, want %v", err, tt.wantErr)
			}
			if cfg.AgentID != tt.wantAgent {
				t.Errorf("AgentID = %q, want %q", cfg.AgentID, tt.wantAgent)
			}
		})
	}
}

func TestNewPortal_Validation(t *testing.T) {
	if _, err := NewPortal(PortalConfig{}); err == nil {
		t.Error("NewPortal without base url should fail")
	}
	if _, err := NewPortal(PortalConfig{BaseURL: "http://portal", ClientID: "id"}); err == nil {
		t.Error("NewPortal with partial oauth config should fail")
	}
}
