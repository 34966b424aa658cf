package twin

import "errors"

var (
	// ErrNotConnected is returned when publishing on a channel without a session.
	ErrNotConnected = errors.New("twin: channel not connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("twin: channel closed")

	// ErrInvalidPayload is returned when a hub message cannot be decoded.
	ErrInvalidPayload = errors.New("twin: invalid payload")

	// ErrInvalidOptions is returned by NewHubChannel for incomplete options.
	ErrInvalidOptions = errors.New("twin: invalid channel options")

	// ErrProvisioningFailed is returned when the provisioning service
	// rejects or cannot assign a device.
	ErrProvisioningFailed = errors.New("twin: provisioning failed")
)
