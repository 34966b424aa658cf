package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"
)

// Coil states as encoded by function code 0x05.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// RetryPolicy is the fault tolerance applied to every bus operation.
type RetryPolicy struct {
	// Wait is the fixed delay between attempts.
	Wait time.Duration

	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int
}

// backOff builds the constant backoff for one operation.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Wait), uint64(attempts-1)) //nolint:gosec // attempts >= 1
	return backoff.WithContext(b, ctx)
}

// Logger is the optional logging interface used by Client.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Stats is a snapshot of the client's operation counters.
type Stats struct {
	Reads    uint64
	Writes   uint64
	Failures uint64
	Retries  uint64
}

// Client performs typed register reads and writes over a Transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use; bus exclusivity is enforced
//     by the transport.
type Client struct {
	transport Transport
	policy    RetryPolicy

	reads    atomic.Uint64
	writes   atomic.Uint64
	failures atomic.Uint64
	retries  atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewClient creates a register client. The client takes ownership of the
// transport; Close closes it.
func NewClient(transport Transport, policy RetryPolicy) *Client {
	return &Client{
		transport: transport,
		policy:    policy,
	}
}

// SetLogger sets a logger for retry and failure messages.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Read returns the value of one register. Bit-valued types return 0 or 1.
// Failed exchanges are retried per the client's RetryPolicy.
//
// Parameters:
//   - ctx: cancels the exchange and any retry wait
//   - t: the register table to read
//   - unit: the slave unit id
//   - address: the zero-based register address
//
// Returns:
//   - uint16: the register value
//   - error: ErrInvalidRegisterType, ErrBusCommunication after the last
//     attempt, ErrTransportClosed, or the context error
func (c *Client) Read(ctx context.Context, t RegisterType, unit uint8, address uint16) (uint16, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRegisterType, string(t))
	}
	c.reads.Add(1)

	var value uint16
	err := c.do(ctx, "read", t, unit, address, func(bus Bus) error {
		v, err := readRegister(bus, t, address)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Write sets one coil or holding register.
//
// Discrete inputs and input registers fail with ErrReadOnlyRegister and
// coils accept only 0 or 1; neither case touches the transport.
//
// Parameters:
//   - ctx: cancels the exchange and any retry wait
//   - t: Coil or HoldingRegister
//   - unit: the slave unit id
//   - address: the zero-based register address
//   - value: 0 or 1 for a coil, any value for a holding register
//
// Returns:
//   - error: ErrReadOnlyRegister, ErrInvalidValue, ErrInvalidRegisterType,
//     ErrBusCommunication after the last attempt, ErrTransportClosed, or
//     the context error
func (c *Client) Write(ctx context.Context, t RegisterType, unit uint8, address, value uint16) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRegisterType, string(t))
	}
	if t.IsReadOnly() {
		return fmt.Errorf("%w: %s at address %d", ErrReadOnlyRegister, t, address)
	}
	if t.IsBit() && value > 1 {
		return fmt.Errorf("%w: %d (coil accepts 0 or 1)", ErrInvalidValue, value)
	}
	c.writes.Add(1)

	return c.do(ctx, "write", t, unit, address, func(bus Bus) error {
		return writeRegister(bus, t, address, value)
	})
}

// Stats returns a snapshot of the operation counters.
func (c *Client) Stats() Stats {
	return Stats{
		Reads:    c.reads.Load(),
		Writes:   c.writes.Load(),
		Failures: c.failures.Load(),
		Retries:  c.retries.Load(),
	}
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// do runs fn on the transport under the retry policy.
func (c *Client) do(ctx context.Context, op string, t RegisterType, unit uint8, address uint16, fn func(Bus) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := c.transport.Exec(ctx, unit, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.retries.Add(1)
		c.logDebug("retrying bus operation",
			"op", op,
			"type", t.String(),
			"unit", unit,
			"address", address,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, c.policy.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s %s unit %d address %d: %w", op, t, unit, address, err)
	}

	c.failures.Add(1)
	c.logWarn("bus operation failed",
		"op", op,
		"type", t.String(),
		"unit", unit,
		"address", address,
		"attempts", attempts,
		"error", err,
	)
	return fmt.Errorf("%w: %s %s unit %d address %d after %d attempt(s): %w",
		ErrBusCommunication, op, t, unit, address, attempts, err)
}

// isTransient reports whether a transport error is worth retrying.
// I/O errors, timeouts and malformed frames are; Modbus exceptions are not,
// except the ones a unit sends when it is temporarily unable to answer.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransportClosed) {
		return false
	}
	var exc *modbus.ModbusError
	if errors.As(err, &exc) {
		switch exc.ExceptionCode {
		case modbus.ExceptionCodeAcknowledge,
			modbus.ExceptionCodeServerDeviceBusy,
			modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
			return true
		default:
			return false
		}
	}
	return true
}

func readRegister(bus Bus, t RegisterType, address uint16) (uint16, error) {
	var (
		results []byte
		err     error
	)
	switch t {
	case Coil:
		results, err = bus.ReadCoils(address, 1)
	case DiscreteInput:
		results, err = bus.ReadDiscreteInputs(address, 1)
	case InputRegister:
		results, err = bus.ReadInputRegisters(address, 1)
	case HoldingRegister:
		results, err = bus.ReadHoldingRegisters(address, 1)
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRegisterType, string(t))
	}
	if err != nil {
		return 0, err
	}

	if t.IsBit() {
		if len(results) < 1 {
			return 0, fmt.Errorf("%w: got %d bytes, want 1", ErrShortResponse, len(results))
		}
		return uint16(results[0] & 0x01), nil
	}
	if len(results) < 2 {
		return 0, fmt.Errorf("%w: got %d bytes, want 2", ErrShortResponse, len(results))
	}
	return binary.BigEndian.Uint16(results), nil
}

func writeRegister(bus Bus, t RegisterType, address, value uint16) error {
	switch t {
	case Coil:
		wire := coilOff
		if value == 1 {
			wire = coilOn
		}
		_, err := bus.WriteSingleCoil(address, wire)
		return err
	case HoldingRegister:
		_, err := bus.WriteSingleRegister(address, value)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrReadOnlyRegister, t)
	}
}

func (c *Client) logDebug(msg string, args ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, args...)
	}
}
