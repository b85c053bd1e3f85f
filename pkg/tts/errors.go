package tts

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoAPIKey            = errors.New("tts: API key required")
	ErrNoVoiceID           = errors.New("tts: voice ID required")
	ErrEmptyText           = errors.New("tts: empty text")
	ErrLocalUnavailable    = errors.New("tts: local speech engine not found")
	ErrProviderUnavailable = errors.New("tts: no providers available")
)

// APIError is a non-200 answer from a speech API.
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	status := fmt.Sprint(e.StatusCode)
	if e.Code != "" {
		status += " (" + e.Code + ")"
	}
	return fmt.Sprintf("tts [%s]: API error %s: %s", e.Provider, status, e.Message)
}

// Unauthorized reports a rejected API key.
func (e *APIError) Unauthorized() bool { return e.StatusCode == http.StatusUnauthorized }

// Retryable reports rate limiting or a server-side failure.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 && e.StatusCode < 600
}

// ProviderError tags an error with the provider that produced it.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("tts [%s]: %v", e.Provider, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// WrapError tags err with provider. A nil err stays nil.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}
