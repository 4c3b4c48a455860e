package serial

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a channel or device that has been closed.
	ErrClosed = errors.New("serial: closed")

	// ErrCancelled is returned by Device.Read once Cancel has been called.
	ErrCancelled = errors.New("serial: read cancelled")

	// ErrDeviceGone reports a condition the read loop cannot recover from
	// (hangup, device removed, bad descriptor).
	ErrDeviceGone = errors.New("serial: device gone")

	ErrUnsupportedBaudRate = errors.New("serial: unsupported baud rate")
	ErrInvalidOption       = errors.New("serial: invalid option")
	ErrNoInterpreter       = errors.New("serial: nil interpreter")
	ErrUnsupportedPlatform = errors.New("serial: platform not supported")
)

// OpenError describes a failed Open. Op names the step that failed.
type OpenError struct {
	Path string
	Op   string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// IsTerminal reports whether a read error should stop the read loop
// instead of being retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDeviceGone) || errors.Is(err, ErrClosed)
}
