package avatar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/teslashibe/go-interview/internal/httpc"
)

// Sentinel errors for the avatar package.
var (
	// ErrQueueFull indicates the speech queue reached its capacity.
	ErrQueueFull = errors.New("avatar: speech queue full")

	// ErrProviderInit classifies failures while establishing a session.
	ErrProviderInit = errors.New("avatar: provider initialization failed")

	// ErrProviderRuntime classifies failures of an established session.
	ErrProviderRuntime = errors.New("avatar: provider runtime failure")

	// ErrTransport marks a speak failure caused by the provider transport.
	// The item is requeued and the adapter fails.
	ErrTransport = errors.New("avatar: transport failure")

	// ErrInitTimeout indicates the provider never became ready.
	ErrInitTimeout = errors.New("avatar: initialization timed out")

	// ErrMissingCredentials indicates the provider configuration is incomplete.
	ErrMissingCredentials = errors.New("avatar: missing credentials")
)

// AvatarError is the one error an adapter reports before going silent.
type AvatarError struct {
	Provider Kind

	// Op is the failing operation, e.g. "connect" or "speak".
	Op string

	// Class is ErrProviderInit or ErrProviderRuntime.
	Class error

	Err error
}

func (e *AvatarError) Error() string {
	return fmt.Sprintf("avatar [%s]: %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *AvatarError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// IsInit reports whether the failure happened before the session was ready.
func (e *AvatarError) IsInit() bool {
	return errors.Is(e.Class, ErrProviderInit)
}

// NewInitError builds a ProviderInitError.
func NewInitError(provider Kind, op string, err error) *AvatarError {
	return &AvatarError{Provider: provider, Op: op, Class: ErrProviderInit, Err: err}
}

// NewRuntimeError builds a ProviderRuntimeError.
func NewRuntimeError(provider Kind, op string, err error) *AvatarError {
	return &AvatarError{Provider: provider, Op: op, Class: ErrProviderRuntime, Err: err}
}

// Transport marks err as a transport failure.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// ClassifyHTTP marks provider API failures that mean the session is gone:
// network errors, server errors, rejected credentials and unknown sessions.
// Other responses, such as a rejected text, are returned unchanged.
func ClassifyHTTP(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *httpc.StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 500 || se.Unauthorized() || se.StatusCode == http.StatusNotFound {
			return Transport(err)
		}
		return err
	}
	return Transport(err)
}
