package gateway

import "errors"

// Domain errors for the gateway package.
var (
	// ErrUnknownRegister is returned when a write names a register the
	// poller does not own.
	ErrUnknownRegister = errors.New("gateway: unknown register")

	// ErrConfigParse is returned when the configuration document is not
	// valid JSON or lacks a required field.
	ErrConfigParse = errors.New("gateway: configuration parse failed")

	// ErrConfigValidation is returned when a well-formed document breaks a
	// uniqueness or range rule.
	ErrConfigValidation = errors.New("gateway: configuration invalid")

	// ErrPollerConstruction is returned when a poller cannot be built from
	// an otherwise valid document.
	ErrPollerConstruction = errors.New("gateway: poller construction failed")

	// ErrInvalidValue is returned when a desired value cannot be written to
	// a 16-bit register.
	ErrInvalidValue = errors.New("gateway: invalid register value")

	// ErrAlreadyRunning is returned by Start on a running device.
	ErrAlreadyRunning = errors.New("gateway: already running")

	// ErrStopped is returned by Start on a poller that has been stopped.
	ErrStopped = errors.New("gateway: stopped")

	// ErrInvalidOptions is returned when required options are missing.
	ErrInvalidOptions = errors.New("gateway: invalid options")
)
