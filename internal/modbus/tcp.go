package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// defaultTCPPort is the IANA-registered Modbus/TCP port.
const defaultTCPPort = 502

// TCPConfig describes Modbus/TCP endpoints.
type TCPConfig struct {
	// Host and Port are the default endpoint for every unit.
	Host string
	Port int

	// Units overrides the endpoint for specific unit ids ("host" or "host:port").
	Units map[uint8]string

	// Timeout bounds connect and each request/response exchange.
	Timeout time.Duration
}

// TCPTransport keeps one lazily opened connection per unit.
// Requests to the same unit are serialised; different units run concurrently.
type TCPTransport struct {
	cfg TCPConfig

	mu     sync.Mutex
	conns  map[uint8]*tcpConn
	closed bool
}

// tcpConn is the cached connection state for one unit.
// handler and client are guarded by lock, not by TCPTransport.mu.
type tcpConn struct {
	lock    busLock
	address string
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPTransport creates a network transport. No connection is made until
// a unit is first used.
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	if cfg.Port == 0 {
		cfg.Port = defaultTCPPort
	}
	return &TCPTransport{
		cfg:   cfg,
		conns: make(map[uint8]*tcpConn),
	}
}

// Exec implements Transport.
func (t *TCPTransport) Exec(ctx context.Context, unit uint8, fn func(Bus) error) error {
	conn, err := t.conn(unit)
	if err != nil {
		return err
	}
	if err := conn.lock.acquire(ctx); err != nil {
		return err
	}
	defer conn.lock.release()

	if conn.client == nil {
		if err := t.open(conn, unit); err != nil {
			return err
		}
	}

	err = fn(conn.client)
	if err != nil && !isException(err) {
		// Drop the connection; the next call to this unit reconnects.
		conn.handler.Close() //nolint:errcheck // Connection is being discarded
		conn.handler = nil
		conn.client = nil
	}
	return err
}

// Address returns the endpoint used for unit.
func (t *TCPTransport) Address(unit uint8) string {
	if override, ok := t.cfg.Units[unit]; ok && override != "" {
		if _, _, err := net.SplitHostPort(override); err == nil {
			return override
		}
		return net.JoinHostPort(override, strconv.Itoa(t.cfg.Port))
	}
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Close closes every cached connection, waiting for in-flight requests.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var errs []error
	for _, c := range conns {
		//nolint:errcheck // Background context cannot be cancelled
		c.lock.acquire(context.Background())
		if c.handler != nil {
			if err := c.handler.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", c.address, err))
			}
			c.handler = nil
			c.client = nil
		}
		c.lock.release()
	}
	return errors.Join(errs...)
}

// conn returns the cache entry for unit, creating it on first use.
func (t *TCPTransport) conn(unit uint8) (*tcpConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	c, ok := t.conns[unit]
	if !ok {
		c = &tcpConn{
			lock:    newBusLock(),
			address: t.Address(unit),
		}
		t.conns[unit] = c
	}
	return c, nil
}

// open dials the unit's endpoint. Caller holds conn.lock.
func (t *TCPTransport) open(conn *tcpConn, unit uint8) error {
	handler := modbus.NewTCPClientHandler(conn.address)
	handler.SlaveId = unit
	if t.cfg.Timeout > 0 {
		handler.Timeout = t.cfg.Timeout
	}
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connecting to unit %d at %s: %w", unit, conn.address, err)
	}
	conn.handler = handler
	conn.client = modbus.NewClient(handler)
	return nil
}

// isException reports whether err is a Modbus exception response. The
// connection is healthy in that case and is kept.
func isException(err error) bool {
	var exc *modbus.ModbusError
	return errors.As(err, &exc)
}
