package modbus

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
)

// simulatedMaxValue is the upper bound for simulated register readings.
const simulatedMaxValue = 100

// SimulatedTransport is an in-memory bus for running without hardware.
// Reads return pseudo-random values; writes are accepted and discarded.
type SimulatedTransport struct {
	lock   busLock
	closed atomic.Bool
}

// NewSimulatedTransport creates a simulated transport.
func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{lock: newBusLock()}
}

// Exec implements Transport.
func (t *SimulatedTransport) Exec(ctx context.Context, _ uint8, fn func(Bus) error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if err := t.lock.acquire(ctx); err != nil {
		return err
	}
	defer t.lock.release()
	return fn(simulatedBus{})
}

// Close implements Transport.
func (t *SimulatedTransport) Close() error {
	t.closed.Store(true)
	return nil
}

type simulatedBus struct{}

func (simulatedBus) ReadCoils(_, quantity uint16) ([]byte, error) {
	return randomBits(quantity), nil
}

func (simulatedBus) ReadDiscreteInputs(_, quantity uint16) ([]byte, error) {
	return randomBits(quantity), nil
}

func (simulatedBus) ReadInputRegisters(_, quantity uint16) ([]byte, error) {
	return randomRegisters(quantity), nil
}

func (simulatedBus) ReadHoldingRegisters(_, quantity uint16) ([]byte, error) {
	return randomRegisters(quantity), nil
}

func (simulatedBus) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return echo(address, value), nil
}

func (simulatedBus) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return echo(address, value), nil
}

func randomBits(quantity uint16) []byte {
	out := make([]byte, (int(quantity)+7)/8)
	for i := range out {
		out[i] = byte(rand.Intn(256)) //nolint:gosec // Simulated readings
	}
	return out
}

func randomRegisters(quantity uint16) []byte {
	out := make([]byte, 2*int(quantity))
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(out[2*i:], uint16(rand.Intn(simulatedMaxValue+1))) //nolint:gosec // Simulated readings
	}
	return out
}

// echo mirrors the response body a real unit sends for single writes.
func echo(address, value uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:], address)
	binary.BigEndian.PutUint16(out[2:], value)
	return out
}
