// Package modbus provides typed register access over a Modbus field bus.
//
// This package manages:
//   - Register type parsing and the read-only / bit-valued rules per type
//   - Dispatch of reads and writes to the matching Modbus function codes
//   - A fixed-wait, fixed-attempt retry policy for transient bus faults
//   - Serial (RTU), network (TCP) and simulated transports
//
// # Architecture
//
// The Client never talks to the wire directly. It hands a closure to a
// Transport, which owns the physical resource and its locking discipline:
//
//	Client.Read/Write → retry policy → Transport.Exec(unit, fn) → Bus
//
// The RTU transport serialises every call on one half-duplex line. The TCP
// transport caches one connection per unit and serialises per unit only.
//
// # Usage
//
//	transport := modbus.NewRTUTransport(modbus.RTUConfig{Device: "/dev/ttyUSB0", BaudRate: 9600})
//	client := modbus.NewClient(transport, modbus.RetryPolicy{Wait: 100 * time.Millisecond, Attempts: 3})
//	defer client.Close()
//
//	temp, err := client.Read(ctx, modbus.InputRegister, 1, 0)
package modbus
