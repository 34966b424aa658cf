package modbus

import "errors"

// Domain-specific errors for register access.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidRegisterType is returned for an unrecognised register type tag.
	// The request never reaches the transport.
	ErrInvalidRegisterType = errors.New("modbus: invalid register type")

	// ErrReadOnlyRegister is returned when writing a discrete input or input register.
	ErrReadOnlyRegister = errors.New("modbus: register is read-only")

	// ErrInvalidValue is returned when a value does not fit the register type,
	// for example writing 2 to a coil.
	ErrInvalidValue = errors.New("modbus: invalid value for register type")

	// ErrBusCommunication is returned when the transport failed and the retry
	// policy gave up (or the fault was not retryable).
	ErrBusCommunication = errors.New("modbus: bus communication failed")

	// ErrTransportClosed is returned by a transport after Close.
	ErrTransportClosed = errors.New("modbus: transport closed")

	// ErrShortResponse is returned when a response carries fewer bytes than requested.
	ErrShortResponse = errors.New("modbus: short response")
)
