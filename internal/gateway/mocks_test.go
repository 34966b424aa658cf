package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/modbus"
	"github.com/nerrad567/modbus-twin-gateway/internal/twin"
)

// ============================================================================
// MockChannel
// ============================================================================

type sentTelemetry struct {
	DeviceID string
	Payload  []byte
}

// MockChannel implements twin.Channel for testing.
type MockChannel struct {
	mu            sync.Mutex
	deviceID      string
	connected     bool
	connectErr    error
	connectCalls  int
	closed        bool
	closeCalls    int
	telemetry     []sentTelemetry
	acks          []twin.Ack
	twinRequests  int
	propHandler   twin.PropertyHandler
	methodHandler twin.MethodHandler

	// name and events are set by MockFactory; events may be nil.
	name   string
	events *eventLog
}

func NewMockChannel(deviceID string) *MockChannel {
	return &MockChannel{deviceID: deviceID}
}

func (m *MockChannel) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	m.events.add("connect " + m.name)
	return nil
}

func (m *MockChannel) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockChannel) DeviceID() string { return m.deviceID }

func (m *MockChannel) SendTelemetry(deviceID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return twin.ErrNotConnected
	}
	m.telemetry = append(m.telemetry, sentTelemetry{DeviceID: deviceID, Payload: data})
	return nil
}

func (m *MockChannel) OnDesiredPropertyPatch(handler twin.PropertyHandler) {
	m.mu.Lock()
	m.propHandler = handler
	m.mu.Unlock()
}

func (m *MockChannel) OnDirectMethod(handler twin.MethodHandler) {
	m.mu.Lock()
	m.methodHandler = handler
	m.mu.Unlock()
}

func (m *MockChannel) SendAck(ack twin.Ack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ack)
	return nil
}

func (m *MockChannel) RequestTwin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return twin.ErrNotConnected
	}
	m.twinRequests++
	return nil
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCalls++
	m.connected = false
	m.events.add("close " + m.name)
	return nil
}

// SetConnectError makes subsequent Connect calls fail with err.
func (m *MockChannel) SetConnectError(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

// DeliverProperty simulates a desired property from the hub.
func (m *MockChannel) DeliverProperty(prop twin.Property) {
	m.mu.Lock()
	handler := m.propHandler
	m.mu.Unlock()
	if handler != nil {
		handler(prop)
	}
}

// InvokeMethod simulates a direct method call from the hub.
func (m *MockChannel) InvokeMethod(name string, payload []byte) (int, []byte) {
	m.mu.Lock()
	handler := m.methodHandler
	m.mu.Unlock()
	if handler == nil {
		return 404, nil
	}
	return handler(name, payload)
}

func (m *MockChannel) Telemetry() []sentTelemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentTelemetry, len(m.telemetry))
	copy(out, m.telemetry)
	return out
}

func (m *MockChannel) Acks() []twin.Ack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]twin.Ack, len(m.acks))
	copy(out, m.acks)
	return out
}

func (m *MockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockChannel) TwinRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.twinRequests
}

// ============================================================================
// MockFactory
// ============================================================================

// MockFactory hands out MockChannels and remembers them by device id.
// Channel activity goes to Events, each channel named "<deviceID>#<n>" with
// n counting the channels created for that device.
type MockFactory struct {
	mu       sync.Mutex
	channels map[string][]*MockChannel
	failFor  map[string]error
	Events   *eventLog
}

func NewMockFactory() *MockFactory {
	return &MockFactory{
		channels: make(map[string][]*MockChannel),
		failFor:  make(map[string]error),
		Events:   &eventLog{},
	}
}

func (f *MockFactory) New(deviceID, _ string) (twin.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[deviceID]; err != nil {
		return nil, err
	}
	ch := NewMockChannel(deviceID)
	ch.name = fmt.Sprintf("%s#%d", deviceID, len(f.channels[deviceID])+1)
	ch.events = f.Events
	f.channels[deviceID] = append(f.channels[deviceID], ch)
	return ch, nil
}

func (f *MockFactory) FailFor(deviceID string, err error) {
	f.mu.Lock()
	f.failFor[deviceID] = err
	f.mu.Unlock()
}

// Latest returns the most recent channel created for deviceID.
func (f *MockFactory) Latest(deviceID string) *MockChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	chs := f.channels[deviceID]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

// All returns every channel ever created.
func (f *MockFactory) All() []*MockChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*MockChannel
	for _, chs := range f.channels {
		out = append(out, chs...)
	}
	return out
}

// ============================================================================
// FakeBus
// ============================================================================

type busKey struct {
	regType modbus.RegisterType
	unit    uint8
	address uint16
}

type busWrite struct {
	busKey
	value uint16
}

var errBusDown = errors.New("fake bus: no response")

// FakeBus implements RegisterIO over an in-memory register map. Unset
// registers read as zero.
type FakeBus struct {
	mu      sync.Mutex
	values  map[busKey]uint16
	failing map[busKey]bool
	reads   []busKey
	writes  []busWrite

	// readDelay slows every read, honouring ctx.
	readDelay time.Duration

	// events, when set, records each completed read as "read unit <n>".
	events *eventLog
}

func NewFakeBus() *FakeBus {
	return &FakeBus{
		values:  make(map[busKey]uint16),
		failing: make(map[busKey]bool),
	}
}

func (b *FakeBus) Set(t modbus.RegisterType, unit uint8, address, value uint16) {
	b.mu.Lock()
	b.values[busKey{t, unit, address}] = value
	b.mu.Unlock()
}

func (b *FakeBus) Fail(t modbus.RegisterType, unit uint8, address uint16) {
	b.mu.Lock()
	b.failing[busKey{t, unit, address}] = true
	b.mu.Unlock()
}

func (b *FakeBus) Read(ctx context.Context, t modbus.RegisterType, unit uint8, address uint16) (uint16, error) {
	b.mu.Lock()
	delay := b.readDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	k := busKey{t, unit, address}
	b.reads = append(b.reads, k)
	b.events.add(fmt.Sprintf("read unit %d", unit))
	if b.failing[k] {
		return 0, errBusDown
	}
	return b.values[k], nil
}

func (b *FakeBus) Write(_ context.Context, t modbus.RegisterType, unit uint8, address, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := busKey{t, unit, address}
	if b.failing[k] {
		return errBusDown
	}
	b.writes = append(b.writes, busWrite{busKey: k, value: value})
	b.values[k] = value
	return nil
}

func (b *FakeBus) Writes() []busWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]busWrite, len(b.writes))
	copy(out, b.writes)
	return out
}

func (b *FakeBus) ReadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reads)
}

// ============================================================================
// Event log
// ============================================================================

// eventLog is an ordered record shared by channels and the bus. A nil log
// drops events.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// Index returns the position of the first event equal to event at or after
// from, or -1.
func (l *eventLog) Index(event string, from int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := from; i < len(l.events); i++ {
		if l.events[i] == event {
			return i
		}
	}
	return -1
}

// ============================================================================
// Helpers
// ============================================================================

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodeTelemetry(t *testing.T, msg sentTelemetry) map[string]uint16 {
	t.Helper()
	var values map[string]uint16
	if err := json.Unmarshal(msg.Payload, &values); err != nil {
		t.Fatalf("telemetry payload %s: %v", msg.Payload, err)
	}
	return values
}

// ============================================================================
// MockMetrics
// ============================================================================

type cycleRecord struct {
	deviceID     string
	read, failed int
}

type MockMetrics struct {
	mu       sync.Mutex
	cycles   []cycleRecord
	busStats int
	reconfig []int
}

func (m *MockMetrics) WriteCycleMetric(deviceID string, _ uint8, read, failed int, _ time.Duration) {
	m.mu.Lock()
	m.cycles = append(m.cycles, cycleRecord{deviceID, read, failed})
	m.mu.Unlock()
}

func (m *MockMetrics) WriteBusStats(_, _, _, _ uint64, _ int) {
	m.mu.Lock()
	m.busStats++
	m.mu.Unlock()
}

func (m *MockMetrics) WriteReconfiguration(status, _ int, _ time.Duration) {
	m.mu.Lock()
	m.reconfig = append(m.reconfig, status)
	m.mu.Unlock()
}

func (m *MockMetrics) Reconfigurations() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.reconfig))
	copy(out, m.reconfig)
	return out
}

func (m *MockMetrics) Cycles() []cycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cycleRecord, len(m.cycles))
	copy(out, m.cycles)
	return out
}
