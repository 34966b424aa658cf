package twin

import (
	"context"
	"encoding/json"
)

// Channel is one logical device's session with the hub.
//
// Handlers registered with OnDesiredPropertyPatch and OnDirectMethod may be
// called from the channel's receive goroutine and must not block for long.
type Channel interface {
	// Connect opens the session. Connecting an already connected channel is a no-op.
	Connect(ctx context.Context) error

	IsConnected() bool

	// DeviceID returns the hub identity this channel authenticates as.
	DeviceID() string

	// SendTelemetry publishes payload as JSON telemetry of deviceID.
	SendTelemetry(deviceID string, payload any) error

	OnDesiredPropertyPatch(handler PropertyHandler)
	OnDirectMethod(handler MethodHandler)

	// SendAck reports the outcome of handling a desired property.
	SendAck(ack Ack) error

	// RequestTwin asks the hub for the full twin document. Its desired
	// properties are delivered to the property handler with FromTwin set.
	RequestTwin() error

	Close() error
}

// Property is one desired property from a patch or the full twin.
type Property struct {
	Key string

	// Value is the unwrapped property value: {"value": v} arrives as v.
	Value json.RawMessage

	// Version is the desired-properties version the value belongs to.
	Version int

	// FromTwin is true when the property came from a full twin read rather
	// than a patch.
	FromTwin bool
}

// Ack is the reported-property answer to a desired property.
type Ack struct {
	Key            string
	Value          json.RawMessage
	StatusCode     int
	Status         string
	DesiredVersion int
}

// PropertyHandler receives desired properties.
type PropertyHandler func(Property)

// MethodHandler handles a direct method and returns the HTTP-style status
// and an optional JSON response body.
type MethodHandler func(name string, payload []byte) (int, []byte)

// Logger is the optional logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
