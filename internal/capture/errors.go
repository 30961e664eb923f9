package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the user or platform refused microphone access.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceUnavailable means no usable input device could be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrUnsupportedCapability means the platform cannot capture audio at all.
	ErrUnsupportedCapability = errors.New("unsupported capability")
	// ErrAssemblyFailure means stopping produced an empty or corrupt asset.
	ErrAssemblyFailure = errors.New("assembly failure")
	// ErrSubmissionFailure means the upload collaborator rejected or failed the submission.
	ErrSubmissionFailure = errors.New("submission failure")
	// ErrInvalidTransition means the requested action is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAbandoned means the session was abandoned while the request was pending.
	ErrAbandoned = errors.New("session abandoned")
	// ErrClosed means the recorder has been shut down.
	ErrClosed = errors.New("recorder closed")
)

// Platform failures returned by a DeviceProvider.
var (
	ErrNotAllowed  = errors.New("capture not allowed")
	ErrNotFound    = errors.New("capture device not found")
	ErrUnsupported = errors.New("capture unsupported")
	ErrInUse       = errors.New("capture device in use")
)

// Recoverable reports whether err leaves the recorder ready for an immediate retry of Start.
func Recoverable(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrUnsupportedCapability)
}

// classifyDeviceError maps a platform failure onto the engine taxonomy.
func classifyDeviceError(err error) error {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, ErrUnsupported):
		return fmt.Errorf("%w: %v", ErrUnsupportedCapability, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInUse):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: no response from capture device", ErrDeviceUnavailable)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrAbandoned, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}
