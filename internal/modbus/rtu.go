package modbus

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
)

// RTUConfig describes a serial line shared by every unit on the bus.
type RTUConfig struct {
	// Device is the serial port path, e.g. "/dev/ttyUSB0" or "COM3".
	Device string

	BaudRate int
	DataBits int

	// Parity is "N", "E" or "O".
	Parity   string
	StopBits int

	// Timeout bounds a single request/response exchange.
	Timeout time.Duration

	// RS485 enables RTS toggling for half-duplex RS-485 adapters.
	RS485 bool
}

// RTUTransport serialises every request on one serial line.
//
// The unit id lives on the shared handler, so it is set while holding the
// line lock and never observed by another caller.
type RTUTransport struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
	lock    busLock
	closed  atomic.Bool
}

// NewRTUTransport creates a serial transport. The port is opened lazily on
// the first request.
func NewRTUTransport(cfg RTUConfig) *RTUTransport {
	handler := modbus.NewRTUClientHandler(cfg.Device)
	if cfg.BaudRate > 0 {
		handler.BaudRate = cfg.BaudRate
	}
	if cfg.DataBits > 0 {
		handler.DataBits = cfg.DataBits
	}
	if cfg.Parity != "" {
		handler.Parity = strings.ToUpper(cfg.Parity)
	}
	if cfg.StopBits > 0 {
		handler.StopBits = cfg.StopBits
	}
	if cfg.Timeout > 0 {
		handler.Timeout = cfg.Timeout
	}
	handler.RS485.Enabled = cfg.RS485

	return &RTUTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
		lock:    newBusLock(),
	}
}

// Exec implements Transport.
func (t *RTUTransport) Exec(ctx context.Context, unit uint8, fn func(Bus) error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if err := t.lock.acquire(ctx); err != nil {
		return err
	}
	defer t.lock.release()

	t.handler.SlaveId = unit
	return fn(t.client)
}

// Close waits for any in-flight request and closes the serial port.
func (t *RTUTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	//nolint:errcheck // Background context cannot be cancelled
	t.lock.acquire(context.Background())
	defer t.lock.release()

	if err := t.handler.Close(); err != nil {
		return fmt.Errorf("closing serial port %s: %w", t.handler.Address, err)
	}
	return nil
}
