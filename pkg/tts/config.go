package tts

import (
	"context"
	"log/slog"
	"time"
)

// KeySource supplies an API key on demand. Invalidate is called when the
// provider rejects the key so the next call fetches a fresh one.
type KeySource interface {
	Key(ctx context.Context) (string, error)
	Invalidate()
}

// StaticKey is a KeySource for a fixed key.
type StaticKey string

// Key returns the key.
func (k StaticKey) Key(context.Context) (string, error) {
	if k == "" {
		return "", ErrNoAPIKey
	}
	return string(k), nil
}

// Invalidate is a no-op.
func (StaticKey) Invalidate() {}

// Config holds TTS provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Provider credentials
	APIKey  string
	Keys    KeySource
	BaseURL string

	// Voice configuration
	VoiceID       string
	ModelID       string
	LanguageCode  string
	VoiceSettings VoiceSettings

	// Audio output
	OutputFormat Encoding

	// MaxChars truncates longer texts.
	MaxChars int

	Timeout time.Duration

	// Retry configuration
	MaxRetries int
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Option is a functional option for configuring TTS providers.
type Option func(*Config)

// WithAPIKey sets a fixed API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithKeySource sets where the API key is fetched from.
func WithKeySource(keys KeySource) Option {
	return func(c *Config) {
		c.Keys = keys
	}
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithVoice sets the voice ID or preset name.
func WithVoice(voiceID string) Option {
	return func(c *Config) {
		c.VoiceID = ResolveVoice(voiceID)
	}
}

// WithModel sets the model ID.
func WithModel(modelID string) Option {
	return func(c *Config) {
		c.ModelID = modelID
	}
}

// WithOutputFormat sets the audio output format.
func WithOutputFormat(format Encoding) Option {
	return func(c *Config) {
		c.OutputFormat = format
	}
}

// WithVoiceSettings sets voice characteristics.
func WithVoiceSettings(settings VoiceSettings) Option {
	return func(c *Config) {
		c.VoiceSettings = settings
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRetry configures retry behavior for failed requests.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the interview voice configuration.
func DefaultConfig() *Config {
	return &Config{
		VoiceID:       DefaultVoiceID,
		ModelID:       ModelFlashV2_5,
		LanguageCode:  "en",
		OutputFormat:  EncodingPCM24,
		VoiceSettings: DefaultVoiceSettings(),
		MaxChars:      MaxFlashChars,
		Timeout:       30 * time.Second,
		MaxRetries:    2,
		RetryDelay:    100 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that a key or key source is present.
func (c *Config) Validate() error {
	if c.APIKey == "" && c.Keys == nil {
		return ErrNoAPIKey
	}
	return nil
}

// ValidateWithVoice checks that both credentials and voice ID are present.
func (c *Config) ValidateWithVoice() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.VoiceID == "" {
		return ErrNoVoiceID
	}
	return nil
}

// keySource returns Keys, or a StaticKey for APIKey.
func (c *Config) keySource() KeySource {
	if c.Keys != nil {
		return c.Keys
	}
	return StaticKey(c.APIKey)
}
