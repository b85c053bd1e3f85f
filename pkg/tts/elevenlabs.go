package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/teslashibe/go-interview/internal/httpc"
)

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io/v1"
	providerElevenLabs = "elevenlabs"
)

// ElevenLabs model IDs
const (
	// ModelFlashV2_5 is the lowest latency model (~75ms).
	ModelFlashV2_5 = "eleven_flash_v2_5"

	// ModelTurboV2_5 balances speed and quality (~250ms).
	ModelTurboV2_5 = "eleven_turbo_v2_5"

	// ModelMultilingualV2 is the highest quality model (~500ms).
	ModelMultilingualV2 = "eleven_multilingual_v2"
)

// ElevenLabs implements Provider for ElevenLabs TTS.
type ElevenLabs struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	keys    KeySource
}

// NewElevenLabs creates a new ElevenLabs TTS provider.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}

	return &ElevenLabs{
		config:  cfg,
		client:  httpc.NewClient(cfg.Timeout),
		logger:  cfg.Logger.With("component", "tts.elevenlabs"),
		baseURL: baseURL,
		keys:    cfg.keySource(),
	}, nil
}

// Name implements Named.
func (e *ElevenLabs) Name() string { return providerElevenLabs }

// Synthesize converts text to PCM audio.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	if n := len(text); e.config.MaxChars > 0 && n > e.config.MaxChars {
		e.logger.Warn("text too long, truncating", "chars", n, "max", e.config.MaxChars)
	}
	text = Truncate(NormalizeText(text), e.config.MaxChars)
	if text == "" {
		return nil, WrapError(providerElevenLabs, ErrEmptyText)
	}

	key, err := e.keys.Key(ctx)
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("api key: %w", err))
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?%s", e.baseURL, url.PathEscape(e.config.VoiceID),
		url.Values{"output_format": {string(e.config.OutputFormat)}}.Encode())

	body, err := json.Marshal(e.buildPayload(text))
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := e.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		e.setHeaders(req, key)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		apiErr := e.parseError(resp)
		if apiErr.Unauthorized() {
			e.logger.Warn("api key rejected, invalidating")
			e.keys.Invalidate()
		}
		return nil, apiErr
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("read response: %w", err))
	}

	format := e.outputFormat()
	e.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"model", e.config.ModelID,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    format,
		CharCount: len(text),
		LatencyMs: latency,
		Duration:  PCMDuration(len(audio), format.SampleRate),
		Provider:  providerElevenLabs,
	}, nil
}

// Health checks API connectivity and API key validity.
func (e *ElevenLabs) Health(ctx context.Context) error {
	key, err := e.keys.Key(ctx)
	if err != nil {
		return WrapError(providerElevenLabs, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/user", nil)
	if err != nil {
		return WrapError(providerElevenLabs, err)
	}
	req.Header.Set("xi-api-key", key)

	resp, err := e.client.Do(req)
	if err != nil {
		return WrapError(providerElevenLabs, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := e.parseError(resp)
		if apiErr.Unauthorized() {
			e.keys.Invalidate()
		}
		return apiErr
	}
	return nil
}

// Close releases resources held by the provider.
func (e *ElevenLabs) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// VoiceID returns the configured voice ID.
func (e *ElevenLabs) VoiceID() string {
	return e.config.VoiceID
}

// ModelID returns the configured model ID.
func (e *ElevenLabs) ModelID() string {
	return e.config.ModelID
}

// buildPayload constructs the API request payload.
func (e *ElevenLabs) buildPayload(text string) map[string]interface{} {
	return map[string]interface{}{
		"text":     text,
		"model_id": e.config.ModelID,
		"voice_settings": map[string]interface{}{
			"stability":         e.config.VoiceSettings.Stability,
			"similarity_boost":  e.config.VoiceSettings.SimilarityBoost,
			"style":             e.config.VoiceSettings.Style,
			"use_speaker_boost": e.config.VoiceSettings.SpeakerBoost,
			"speed":             e.config.VoiceSettings.Speed,
		},
		"language_code":                     e.config.LanguageCode,
		"apply_text_normalization":          "auto",
		"pronunciation_dictionary_locators": []string{},
	}
}

// setHeaders sets required HTTP headers.
func (e *ElevenLabs) setHeaders(req *http.Request, key string) {
	req.Header.Set("xi-api-key", key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
}

// doWithRetry performs the request, retrying rate limits and server errors.
func (e *ElevenLabs) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := build()
		if err != nil {
			return nil, WrapError(providerElevenLabs, fmt.Errorf("create request: %w", err))
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = WrapError(providerElevenLabs, err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = e.parseError(resp)
			resp.Body.Close()
			e.logger.Warn("retrying request",
				"attempt", attempt+1,
				"status", resp.StatusCode,
			)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// parseError reads and parses an error response.
func (e *ElevenLabs) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Detail struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"detail"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
		code = errResp.Detail.Status
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerElevenLabs,
	}
}

// outputFormat returns the audio format configuration.
func (e *ElevenLabs) outputFormat() AudioFormat {
	return AudioFormat{
		Encoding:   e.config.OutputFormat,
		SampleRate: SampleRateFromEncoding(e.config.OutputFormat),
		Channels:   1,
		BitDepth:   16,
	}
}

// Verify ElevenLabs implements Provider at compile time.
var _ Provider = (*ElevenLabs)(nil)
