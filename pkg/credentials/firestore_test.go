package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/option"

	"github.com/teslashibe/go-interview/internal/config"
	"github.com/teslashibe/go-interview/internal/log"
)

const docRoot = "/v1/projects/interviews-test/databases/(default)/documents/"

var firestoreDocs = map[string]string{
	"InterviewBots/i-ok": `{"name":"x","fields":{
		"DID-avatarConfig":{"stringValue":"agt_1"},
		"botName":{"stringValue":"Ava"}}}`,
	"InterviewBots/i-noagent": `{"name":"x","fields":{"botName":{"stringValue":"Ava"}}}`,
	"InterviewBots/i-nokey":   `{"name":"x","fields":{"DID-avatarConfig":{"stringValue":"agt_2"}}}`,
	"DID-Avatars/agt_1":       `{"name":"x","fields":{"clientKey":{"stringValue":"ck_1"}}}`,
	"DID-Avatars/agt_2":       `{"name":"x","fields":{}}`,
}

func newTestFirestore(t *testing.T) *Firestore {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body, ok := firestoreDocs[strings.TrimPrefix(r.URL.Path, docRoot)]
		if r.Method != http.MethodGet || !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Document not found","status":"NOT_FOUND"}}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	f, err := NewFirestore(context.Background(), FirestoreConfig{
		Project:  "interviews-test",
		Fallback: NewEnv(config.Providers{ElevenLabsAPIKey: "xi"}),
		Options:  []option.ClientOption{option.WithEndpoint(srv.URL + "/"), option.WithHTTPClient(srv.Client())},
		Logger:   log.Discard(),
	})
	if err != nil {
		t.Fatalf("NewFirestore() error = %v", err)
	}
	return f
}

func TestFirestore_DIDConfig(t *testing.T) {
	f := newTestFirestore(t)

	tests := []struct {
		interview string
		wantErr   error
	}{
		{"i-ok", nil},
		{"i-missing", ErrNotFound},
		{"i-noagent", ErrNotFound},
		{"i-nokey", ErrInvalid},
		{"", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.interview, func(t *testing.T) {
			cfg, err := f.DIDConfig(context.Background(), tt.interview)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DIDConfig() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if cfg.AgentID != "agt_1" || cfg.ClientKey != "ck_1" {
				t.Errorf("DIDConfig() = %+v", cfg)
			}
			if cfg.Metadata.BotName != "Ava" || cfg.Metadata.InterviewType != "General" {
				t.Errorf("Metadata = %+v", cfg.Metadata)
			}
		})
	}
}

func TestFirestore_FallsBackForKeys(t *testing.T) {
	f := newTestFirestore(t)
	if key, err := f.ElevenLabsKey(context.Background()); err != nil || key != "xi" {
		t.Errorf("ElevenLabsKey() = %q, %v", key, err)
	}
}

func TestNewFirestore_RequiresProject(t *testing.T) {
	if _, err := NewFirestore(context.Background(), FirestoreConfig{}); err == nil {
		t.Error("NewFirestore without project should fail")
	}
}
