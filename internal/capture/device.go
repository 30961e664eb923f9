package capture

import "context"

// Constraints is the device request derived from capability negotiation.
type Constraints struct {
	Audio            bool   `json:"audio"`
	DeviceID         string `json:"device_id,omitempty"`
	Transport        string `json:"transport,omitempty"`
	MimeType         string `json:"mime_type"`
	EchoCancellation bool   `json:"echo_cancellation"`
	NoiseSuppression bool   `json:"noise_suppression"`
	AutoGainControl  bool   `json:"auto_gain_control"`
}

// Device is an exclusively held live audio input.
type Device interface {
	ID() string
	// Capture starts delivering encoded segments to sink until the device is closed.
	// It must return promptly; sink may be called from any goroutine.
	Capture(sink func(segment []byte))
	// Close releases the device. Calling it more than once is a no-op.
	Close() error
}

// DeviceProvider is the platform capture API. Acquire blocks until the platform
// grants a device or fails with ErrNotAllowed, ErrNotFound, ErrUnsupported or ErrInUse.
type DeviceProvider interface {
	Acquire(ctx context.Context, c Constraints) (Device, error)
}

// Listener observes a recorder. Calls happen on the recorder's event loop and must not block.
type Listener interface {
	StateChanged(s Snapshot)
	Tick(elapsed string, seconds int64)
}
