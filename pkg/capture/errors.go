package capture

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-interview/pkg/audioio"
)

// ErrNotRunning is returned by operations that need a started engine.
var ErrNotRunning = errors.New("capture: engine not running")

// DeviceError reports that the microphone could not be acquired. It is fatal
// to the session and should be surfaced to the user.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// PermissionDenied reports whether the user or OS refused device access.
func (e *DeviceError) PermissionDenied() bool {
	return errors.Is(e.Err, audioio.ErrPermissionDenied)
}

// NoDevice reports whether no capture device exists.
func (e *DeviceError) NoDevice() bool {
	return errors.Is(e.Err, audioio.ErrNoDevice)
}

// IsDeviceError reports whether err is, or wraps, a *DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
