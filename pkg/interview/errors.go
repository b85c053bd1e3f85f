package interview

import "errors"

// Sentinel errors for the interview package.
var (
	ErrAlreadyStarted = errors.New("interview: already started")
	ErrNotRunning     = errors.New("interview: not running")
	ErrEnded          = errors.New("interview: ended")
	ErrNoAvatars      = errors.New("interview: no avatar providers or credentials resolver configured")
)
