// Package config loads go-interview settings from the environment.
//
// Values come from process environment variables, optionally seeded from a
// .env file. Every field carries the name of its variable in the env tag so
// validation messages point at what the operator has to set.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Default values.
const (
	DefaultBackendURL     = "ws://localhost:8080"
	DefaultSampleRate     = 48000
	DefaultWebPort        = "8090"
	DefaultVoiceID        = "aEO01A4wXwd1O8GPgGlF"
	DefaultHeyGenAvatar   = "June_HR_public"
	DefaultSilenceTimeout = 3 * time.Second
)

// Credential sources understood by Credentials.Source.
const (
	SourceEnv       = "env"
	SourceHTTP      = "http"
	SourceFirestore = "firestore"
)

// Config is the full process configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	InterviewID string `env:"INTERVIEW_ID" validate:"required"`

	Channel     Channel
	Audio       Audio
	Providers   Providers
	Credentials Credentials
	Archive     Archive
	Web         Web
}

// Channel configures the transcription backend connection.
type Channel struct {
	BackendURL     string        `env:"BACKEND_URL" validate:"required,url"`
	AgentID        string        `env:"AGENT_ID" validate:"required"`
	UserID         string        `env:"USER_ID"`
	SilenceTimeout time.Duration `env:"SILENCE_TIMEOUT" validate:"gt=0"`
}

// Audio configures the capture device.
type Audio struct {
	Backend    string `env:"AUDIO_BACKEND" validate:"oneof=auto mock portaudio"`
	SampleRate int    `env:"AUDIO_SAMPLE_RATE" validate:"gte=8000,lte=96000"`
	Device     string `env:"AUDIO_DEVICE"`
}

// Providers holds static avatar provider settings. Secrets may also come from
// the credentials collaborator.
type Providers struct {
	HeyGenAPIKey     string `env:"HEYGEN_API_KEY"`
	HeyGenAvatarID   string `env:"HEYGEN_AVATAR_ID"`
	DIDAgentID       string `env:"DID_AGENT_ID"`
	DIDClientKey     string `env:"DID_CLIENT_KEY"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoice  string `env:"ELEVENLABS_VOICE_ID" validate:"required"`
}

// Credentials selects the configuration collaborator.
type Credentials struct {
	Source           string `env:"CREDENTIALS_SOURCE" validate:"oneof=env http firestore"`
	URL              string `env:"CREDENTIALS_URL" validate:"required_if=Source http,omitempty,url"`
	ClientID         string `env:"CREDENTIALS_CLIENT_ID"`
	ClientSecret     string `env:"CREDENTIALS_CLIENT_SECRET"`
	TokenURL         string `env:"CREDENTIALS_TOKEN_URL" validate:"omitempty,url"`
	FirestoreProject string `env:"FIRESTORE_PROJECT" validate:"required_if=Source firestore"`
	GoogleCredsFile  string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// Archive configures transcript upload to S3 compatible storage.
type Archive struct {
	Bucket          string `env:"ARCHIVE_S3_BUCKET"`
	Endpoint        string `env:"ARCHIVE_S3_ENDPOINT" validate:"omitempty,url"`
	Region          string `env:"ARCHIVE_S3_REGION"`
	AccessKeyID     string `env:"ARCHIVE_S3_ACCESS_KEY" validate:"required_with=Bucket"`
	SecretAccessKey string `env:"ARCHIVE_S3_SECRET_KEY" validate:"required_with=Bucket"`
	Prefix          string `env:"ARCHIVE_S3_PREFIX"`
}

// Enabled reports whether archiving is configured.
func (a Archive) Enabled() bool { return a.Bucket != "" }

// Web configures the UI event server.
type Web struct {
	Port string `env:"WEB_PORT" validate:"required,numeric"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		return fld.Name
	})
}

// Load reads an optional .env file (a missing file is not an error), then
// the environment, and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables without validating it.
func FromEnv() *Config {
	return &Config{
		LogLevel:    env("LOG_LEVEL", "info"),
		InterviewID: os.Getenv("INTERVIEW_ID"),
		Channel: Channel{
			BackendURL:     env("BACKEND_URL", DefaultBackendURL),
			AgentID:        os.Getenv("AGENT_ID"),
			UserID:         os.Getenv("USER_ID"),
			SilenceTimeout: envDuration("SILENCE_TIMEOUT", DefaultSilenceTimeout),
		},
		Audio: Audio{
			Backend:    env("AUDIO_BACKEND", "auto"),
			SampleRate: envInt("AUDIO_SAMPLE_RATE", DefaultSampleRate),
			Device:     os.Getenv("AUDIO_DEVICE"),
		},
		Providers: Providers{
			HeyGenAPIKey:     os.Getenv("HEYGEN_API_KEY"),
			HeyGenAvatarID:   env("HEYGEN_AVATAR_ID", DefaultHeyGenAvatar),
			DIDAgentID:       os.Getenv("DID_AGENT_ID"),
			DIDClientKey:     os.Getenv("DID_CLIENT_KEY"),
			ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
			ElevenLabsVoice:  env("ELEVENLABS_VOICE_ID", DefaultVoiceID),
		},
		Credentials: Credentials{
			Source:           env("CREDENTIALS_SOURCE", SourceEnv),
			URL:              os.Getenv("CREDENTIALS_URL"),
			ClientID:         os.Getenv("CREDENTIALS_CLIENT_ID"),
			ClientSecret:     os.Getenv("CREDENTIALS_CLIENT_SECRET"),
			TokenURL:         os.Getenv("CREDENTIALS_TOKEN_URL"),
			FirestoreProject: os.Getenv("FIRESTORE_PROJECT"),
			GoogleCredsFile:  os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		},
		Archive: Archive{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Region:          env("ARCHIVE_S3_REGION", "auto"),
			AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_KEY"),
			Prefix:          env("ARCHIVE_S3_PREFIX", "transcripts"),
		},
		Web: Web{
			Port: env("WEB_PORT", DefaultWebPort),
		},
	}
}

// Validate checks the struct tags and returns a readable aggregate error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, e.Field()+" "+describe(e))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if", "required_with":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "numeric":
		return "must be numeric"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
