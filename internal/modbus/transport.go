package modbus

import "context"

// Bus is the subset of a Modbus master used for single-register access.
// github.com/goburrow/modbus.Client satisfies it.
type Bus interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// Transport owns the physical bus and its mutual-exclusion discipline.
//
// Exec runs fn with exclusive access to the bus for the given unit. Waiting
// for access honours ctx; once fn is running it is bounded only by the
// transport's own I/O timeout.
type Transport interface {
	Exec(ctx context.Context, unit uint8, fn func(Bus) error) error
	Close() error
}

// busLock is a one-slot semaphore that can be acquired with a context.
type busLock chan struct{}

func newBusLock() busLock {
	return make(busLock, 1)
}

func (l busLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l busLock) release() {
	<-l
}
