package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/go-interview/pkg/avatar"
)

// Sentinel errors for the orchestrator package.
var (
	// ErrNoProvider is returned by Speak once every provider has failed.
	ErrNoProvider = errors.New("orchestrator: no avatar provider available")

	// ErrNotStarted is returned by Reset before Start.
	ErrNotStarted = errors.New("orchestrator: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("orchestrator: already started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")

	// ErrNoProviders indicates an empty provider list.
	ErrNoProviders = errors.New("orchestrator: no providers configured")
)

// FailedError aggregates the first error of every provider once all of them
// have failed.
type FailedError struct {
	// Kinds lists the providers in the order they failed.
	Kinds  []avatar.Kind
	Errors map[avatar.Kind]error
}

func (e *FailedError) Error() string {
	parts := make([]string, 0, len(e.Kinds))
	for _, k := range e.Kinds {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Errors[k]))
	}
	return fmt.Sprintf("orchestrator: all %d providers failed: %s", len(e.Kinds), strings.Join(parts, "; "))
}

// Unwrap exposes every provider error to errors.Is and errors.As.
func (e *FailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Kinds))
	for _, k := range e.Kinds {
		errs = append(errs, e.Errors[k])
	}
	return errs
}
