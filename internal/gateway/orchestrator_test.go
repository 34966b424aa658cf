package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/modbus"
	"github.com/nerrad567/modbus-twin-gateway/internal/twin"
)

// ============================================================================
// Test fixtures
// ============================================================================

// memStore is an in-memory ConfigStore.
type memStore struct {
	mu       sync.Mutex
	saved    *AppliedConfig
	saves    int
	outcomes []Outcome
}

func (s *memStore) Load(_ context.Context) (AppliedConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return AppliedConfig{}, false, nil
	}
	return *s.saved, true, nil
}

func (s *memStore) Save(_ context.Context, cfg AppliedConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = &cfg
	s.saves++
	return nil
}

func (s *memStore) RecordOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

type fakeStats struct{}

func (fakeStats) Stats() modbus.Stats {
	return modbus.Stats{Reads: 10, Writes: 2, Failures: 1, Retries: 3}
}

type orchestratorFixture struct {
	o       *Orchestrator
	master  *MockChannel
	factory *MockFactory
	bus     *FakeBus
	store   *memStore
	metrics *MockMetrics
}

func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		master:  NewMockChannel("gateway-01"),
		factory: NewMockFactory(),
		bus:     NewFakeBus(),
		store:   &memStore{},
		metrics: &MockMetrics{},
	}
	o, err := NewOrchestrator(OrchestratorOptions{
		Channel:         f.master,
		Bus:             f.bus,
		NewChannel:      f.factory.New,
		DefaultInterval: 20 * time.Millisecond,
		StopTimeout:     time.Second,
		StatusInterval:  20 * time.Millisecond,
		Store:           f.store,
		Restore:         true,
		Stats:           fakeStats{},
		Metrics:         f.metrics,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	f.o = o
	t.Cleanup(o.Stop)
	return f
}

// unitsDocument returns a document with one read-only register per slave.
func unitsDocument(units ...uint8) json.RawMessage {
	slaves := make([]string, len(units))
	for i, u := range units {
		slaves[i] = fmt.Sprintf(`{"deviceId": "slave-%02d", "slaveId": %d}`, u, u)
	}
	return json.RawMessage(`{"activeRegisters": [{"registerName": "temp", "address": 0, "type": "ir"}],
		"slaves": [` + strings.Join(slaves, ",") + `]}`)
}

func mustReconfigure(t *testing.T, o *Orchestrator, raw json.RawMessage) {
	t.Helper()
	if code, text := o.Reconfigure(context.Background(), raw); code != 200 {
		t.Fatalf("Reconfigure() = %d %q, want 200", code, text)
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		opts OrchestratorOptions
	}{
		{"no channel", OrchestratorOptions{Bus: NewFakeBus(), NewChannel: NewMockFactory().New}},
		{"no bus", OrchestratorOptions{Channel: NewMockChannel("m"), NewChannel: NewMockFactory().New}},
		{"no factory", OrchestratorOptions{Channel: NewMockChannel("m"), Bus: NewFakeBus()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOrchestrator(tt.opts); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("NewOrchestrator() error = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

// ============================================================================
// Reconfiguration
// ============================================================================

func TestReconfigure_SingleSlaveReports(t *testing.T) {
	f := newFixture(t)
	f.bus.Set(modbus.InputRegister, 1, 0, 23)

	mustReconfigure(t, f.o, unitsDocument(1))

	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{1}) {
		t.Fatalf("UnitIDs() = %v, want [1]", got)
	}
	ch := f.factory.Latest("slave-01")
	waitFor(t, time.Second, "slave telemetry", func() bool { return len(ch.Telemetry()) > 0 })

	values := decodeTelemetry(t, ch.Telemetry()[0])
	if len(values) != 1 || values["temp"] != 23 {
		t.Errorf("telemetry = %v, want {temp: 23}", values)
	}
}

func TestReconfigure_ReplacesSet(t *testing.T) {
	f := newFixture(t)

	mustReconfigure(t, f.o, unitsDocument(1, 2))
	oldOne := f.factory.Latest("slave-01")
	oldTwo := f.factory.Latest("slave-02")

	mustReconfigure(t, f.o, unitsDocument(3, 2))

	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{2, 3}) {
		t.Errorf("UnitIDs() = %v, want [2 3]", got)
	}
	if !oldOne.IsClosed() || !oldTwo.IsClosed() {
		t.Error("every old poller channel should be closed, including a reused unit")
	}
	for _, s := range f.o.Slaves() {
		if !s.Running {
			t.Errorf("slave %s not running", s.DeviceID)
		}
	}
	if newTwo := f.factory.Latest("slave-02"); newTwo == oldTwo || newTwo.IsClosed() {
		t.Error("slave-02 should be rebuilt with a fresh channel")
	}
}

func TestReconfigure_StopsOldSetBeforeStartingNew(t *testing.T) {
	f := newFixture(t)
	events := f.factory.Events
	f.bus.events = events
	f.bus.readDelay = 5 * time.Millisecond

	mustReconfigure(t, f.o, unitsDocument(1, 2))
	waitFor(t, time.Second, "old set reading", func() bool {
		return events.Index("read unit 1", 0) >= 0 && events.Index("read unit 2", 0) >= 0
	})
	swap := len(events.Snapshot())

	mustReconfigure(t, f.o, unitsDocument(2, 3))
	waitFor(t, time.Second, "new set reading", func() bool {
		return events.Index("read unit 3", swap) >= 0
	})

	lastClose := -1
	for _, name := range []string{"slave-01#1", "slave-02#1"} {
		i := events.Index("close "+name, swap)
		if i < 0 {
			t.Fatalf("%s never closed; events %v", name, events.Snapshot())
		}
		lastClose = max(lastClose, i)
	}

	log := events.Snapshot()
	for i, e := range log[swap:] {
		i += swap
		startsNew := e == "connect slave-02#2" || e == "connect slave-03#1" || e == "read unit 3"
		if startsNew && i < lastClose {
			t.Errorf("%q at %d precedes old set shutdown at %d; events %v", e, i, lastClose, log)
		}
	}
	if i := events.Index("read unit 2", lastClose); i < 0 {
		t.Error("reused unit 2 not read again by the new set")
	}
}

func TestReconfigure_CaseInsensitiveCollisionKeepsRunningSet(t *testing.T) {
	f := newFixture(t)
	mustReconfigure(t, f.o, unitsDocument(1))
	before := f.factory.Latest("slave-01")

	code, text := f.o.Reconfigure(context.Background(), json.RawMessage(`{"slaves": [
		{"deviceId": "slave-04", "slaveId": 4, "activeRegisters": [
			{"registerName": "setpoint", "address": 10, "type": "hr"},
			{"registerName": "limit", "address": 10, "type": "HR"}]}]}`))

	if code != 400 {
		t.Fatalf("Reconfigure() = %d %q, want 400", code, text)
	}
	if !strings.Contains(text, "holding-register 10") {
		t.Errorf("text = %q, want the colliding location", text)
	}
	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{1}) {
		t.Errorf("UnitIDs() = %v, want [1]", got)
	}
	if before.IsClosed() {
		t.Error("running poller was stopped by a rejected document")
	}
	if f.factory.Latest("slave-04") != nil {
		t.Error("no channel should be built for a rejected document")
	}
}

func TestReconfigure_MalformedKeepsRunningSet(t *testing.T) {
	f := newFixture(t)
	mustReconfigure(t, f.o, unitsDocument(1))
	before := f.factory.Latest("slave-01")

	code, text := f.o.Reconfigure(context.Background(), json.RawMessage(`{"slaves":`))

	if code != 400 {
		t.Errorf("code = %d, want 400", code)
	}
	if text == "" {
		t.Error("status text should describe the parse failure")
	}
	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{1}) {
		t.Errorf("UnitIDs() = %v, want [1]", got)
	}
	if before.IsClosed() {
		t.Error("running poller was stopped by a rejected document")
	}
	if p, ok := f.o.Poller("slave-01"); !ok || !p.IsRunning() {
		t.Error("slave-01 should still be running")
	}
}

func TestReconfigure_ValidationFailure(t *testing.T) {
	f := newFixture(t)

	code, text := f.o.Reconfigure(context.Background(),
		json.RawMessage(`{"slaves": [{"deviceId": "a", "slaveId": 1}, {"deviceId": "b", "slaveId": 1}]}`))

	if code != 400 || !strings.Contains(text, "slaveId 1") {
		t.Errorf("Reconfigure() = %d %q, want 400 naming the duplicate unit", code, text)
	}
	if n := len(f.factory.All()); n != 0 {
		t.Errorf("factory called %d times for a rejected document", n)
	}
}

func TestReconfigure_ConstructionFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	mustReconfigure(t, f.o, unitsDocument(1))
	running := f.factory.Latest("slave-01")

	f.factory.FailFor("slave-03", errors.New("hub refused"))
	code, text := f.o.Reconfigure(context.Background(), unitsDocument(2, 3))

	if code != 500 {
		t.Errorf("code = %d (%q), want 500", code, text)
	}
	if !strings.Contains(text, "slave-03") {
		t.Errorf("text = %q, want failing device named", text)
	}
	if built := f.factory.Latest("slave-02"); built == nil || !built.IsClosed() {
		t.Error("partially built poller channel should be closed")
	}
	if running.IsClosed() {
		t.Error("running poller should survive a construction failure")
	}
	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{1}) {
		t.Errorf("UnitIDs() = %v, want [1]", got)
	}
}

func TestReconfigure_UnknownRegisterType(t *testing.T) {
	f := newFixture(t)

	code, _ := f.o.Reconfigure(context.Background(), json.RawMessage(
		`{"slaves": [{"deviceId": "a", "slaveId": 1,
		  "activeRegisters": [{"registerName": "x", "address": 0, "type": "zz"}]}]}`))

	if code != 500 {
		t.Errorf("code = %d, want 500", code)
	}
	if ch := f.factory.Latest("a"); ch == nil || !ch.IsClosed() {
		t.Error("channel of the rejected poller should be closed")
	}
}

func TestReconfigure_EmptySlavesStopsAll(t *testing.T) {
	f := newFixture(t)
	mustReconfigure(t, f.o, unitsDocument(1, 2))

	mustReconfigure(t, f.o, json.RawMessage(`{"slaves": []}`))

	if got := f.o.UnitIDs(); len(got) != 0 {
		t.Errorf("UnitIDs() = %v, want none", got)
	}
	for _, ch := range f.factory.All() {
		if !ch.IsClosed() {
			t.Errorf("channel %s still open", ch.DeviceID())
		}
	}
}

func TestReconfigure_Serialized(t *testing.T) {
	f := newFixture(t)
	docs := []json.RawMessage{
		unitsDocument(1),
		unitsDocument(2, 3),
		unitsDocument(4, 5, 6),
		unitsDocument(7),
	}

	var wg sync.WaitGroup
	for _, doc := range docs {
		doc := doc
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.o.Reconfigure(context.Background(), doc)
		}()
	}
	wg.Wait()

	units := f.o.UnitIDs()
	slaves := f.o.Slaves()
	if len(units) == 0 {
		t.Fatal("no units after concurrent reconfiguration")
	}

	// Exactly the last applied document's channels stay open.
	open := 0
	for _, ch := range f.factory.All() {
		if !ch.IsClosed() {
			open++
		}
	}
	if open != len(slaves) {
		t.Errorf("%d channels open, want %d (one per active slave)", open, len(slaves))
	}

	applied, _ := f.o.AppliedDocument()
	doc, err := ParseDocument(applied)
	if err != nil {
		t.Fatalf("ParseDocument(applied) error = %v", err)
	}
	want := make([]uint8, 0, len(doc.Slaves))
	for _, s := range doc.Slaves {
		want = append(want, s.UnitID)
	}
	slices.Sort(want)
	if !slices.Equal(units, want) {
		t.Errorf("UnitIDs() = %v, want %v from applied document", units, want)
	}
}

func TestReconfigure_PersistsOutcome(t *testing.T) {
	f := newFixture(t)

	mustReconfigure(t, f.o, unitsDocument(1, 2))
	f.o.Reconfigure(context.Background(), json.RawMessage(`not json`))

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.saves != 1 || f.store.saved == nil {
		t.Fatalf("saves = %d, want 1", f.store.saves)
	}
	if f.store.saved.SlaveCount != 2 {
		t.Errorf("saved SlaveCount = %d, want 2", f.store.saved.SlaveCount)
	}
	if _, err := ParseDocument(f.store.saved.Document); err != nil {
		t.Errorf("saved document does not parse: %v", err)
	}
	if len(f.store.outcomes) != 1 || f.store.outcomes[0].StatusCode != 400 {
		t.Errorf("outcomes = %+v, want one 400", f.store.outcomes)
	}

	if got := f.metrics.Reconfigurations(); !slices.Equal(got, []int{200, 400}) {
		t.Errorf("reconfiguration metrics = %v, want [200 400]", got)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestOrchestrator_StartConnectsAndRequestsTwin(t *testing.T) {
	f := newFixture(t)

	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !f.master.IsConnected() {
		t.Error("master channel not connected")
	}
	if got := f.master.TwinRequests(); got != 1 {
		t.Errorf("TwinRequests() = %d, want 1", got)
	}
	if err := f.o.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestOrchestrator_StartRetriesConnection(t *testing.T) {
	f := newFixture(t)
	f.master.SetConnectError(errors.New("hub unreachable"))

	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, connection failures should not fail Start", err)
	}
	if f.master.TwinRequests() != 0 {
		t.Error("twin requested without a connection")
	}

	f.master.SetConnectError(nil)
	waitFor(t, time.Second, "twin request after reconnect", func() bool { return f.master.TwinRequests() == 1 })
}

func TestOrchestrator_RestoresStoredConfig(t *testing.T) {
	f := newFixture(t)
	f.store.saved = &AppliedConfig{Document: unitsDocument(4, 5), DesiredVersion: 12, SlaveCount: 2}

	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{4, 5}) {
		t.Errorf("UnitIDs() = %v, want [4 5]", got)
	}
	if _, version := f.o.AppliedDocument(); version != 12 {
		t.Errorf("applied version = %d, want 12", version)
	}
	f.store.mu.Lock()
	saves := f.store.saves
	f.store.mu.Unlock()
	if saves != 0 {
		t.Errorf("restore saved %d times, want 0", saves)
	}
}

func TestOrchestrator_Stop(t *testing.T) {
	f := newFixture(t)
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mustReconfigure(t, f.o, unitsDocument(1, 2))

	f.o.Stop()
	f.o.Stop()

	if !f.master.IsClosed() {
		t.Error("master channel should be closed")
	}
	for _, ch := range f.factory.All() {
		if !ch.IsClosed() {
			t.Errorf("slave channel %s still open", ch.DeviceID())
		}
	}
	if got := f.o.UnitIDs(); len(got) != 0 {
		t.Errorf("UnitIDs() after Stop = %v, want none", got)
	}
	if code, _ := f.o.Reconfigure(context.Background(), unitsDocument(3)); code != 503 {
		t.Errorf("Reconfigure() after Stop = %d, want 503", code)
	}
	if err := f.o.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

// ============================================================================
// Twin properties
// ============================================================================

func TestOrchestrator_ConfigPatchAcknowledged(t *testing.T) {
	f := newFixture(t)
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f.master.DeliverProperty(twin.Property{Key: "config", Value: unitsDocument(1), Version: 3})
	f.master.DeliverProperty(twin.Property{Key: "config", Value: json.RawMessage(`{"slaves":`), Version: 4})

	acks := f.master.Acks()
	if len(acks) != 2 {
		t.Fatalf("acks = %d, want 2", len(acks))
	}
	if acks[0].Key != "config" || acks[0].StatusCode != 200 || acks[0].DesiredVersion != 3 {
		t.Errorf("first ack = %+v, want config 200 v3", acks[0])
	}
	if acks[1].StatusCode != 400 || acks[1].Status == "" || acks[1].DesiredVersion != 4 {
		t.Errorf("second ack = %+v, want 400 with text v4", acks[1])
	}
	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{1}) {
		t.Errorf("UnitIDs() = %v, want [1]", got)
	}
}

func TestOrchestrator_TwinConfigAppliedOnlyWhenChanged(t *testing.T) {
	f := newFixture(t)
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mustReconfigure(t, f.o, unitsDocument(1))
	first := f.factory.Latest("slave-01")

	// Same document, string-encoded and differently spaced.
	same, err := json.Marshal(string(unitsDocument(1)))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	f.master.DeliverProperty(twin.Property{Key: "config", Value: same, Version: 5, FromTwin: true})

	if len(f.master.Acks()) != 0 {
		t.Error("unchanged twin config should not be acknowledged again")
	}
	if f.factory.Latest("slave-01") != first {
		t.Error("unchanged twin config rebuilt the pollers")
	}

	f.master.DeliverProperty(twin.Property{Key: "config", Value: unitsDocument(2), Version: 6, FromTwin: true})
	if got := f.o.UnitIDs(); !slices.Equal(got, []uint8{2}) {
		t.Errorf("UnitIDs() = %v, want [2]", got)
	}
	if acks := f.master.Acks(); len(acks) != 1 || acks[0].DesiredVersion != 6 {
		t.Errorf("acks = %+v, want one for v6", acks)
	}
}

func TestOrchestrator_OtherSettings(t *testing.T) {
	master := NewMockChannel("gateway-01")
	var gotKey string
	o, err := NewOrchestrator(OrchestratorOptions{
		Channel:    master,
		Bus:        NewFakeBus(),
		NewChannel: NewMockFactory().New,
		Settings: func(key string, _ json.RawMessage) (int, string) {
			gotKey = key
			return 400, "unsupported"
		},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	defer o.Stop()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	master.DeliverProperty(twin.Property{Key: "brightness", Value: json.RawMessage(`7`), Version: 2})

	if gotKey != "brightness" {
		t.Errorf("settings handler got key %q, want brightness", gotKey)
	}
	acks := master.Acks()
	if len(acks) != 1 || acks[0].StatusCode != 400 || acks[0].Status != "unsupported" {
		t.Errorf("acks = %+v, want one 400 unsupported", acks)
	}
}

func TestOrchestrator_DefaultSettingAndEcho(t *testing.T) {
	f := newFixture(t)
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f.master.DeliverProperty(twin.Property{Key: "echo", Value: json.RawMessage(`"hello"`), Version: 8})

	acks := f.master.Acks()
	if len(acks) != 1 || acks[0].StatusCode != 200 || acks[0].Status != StatusCompleted {
		t.Errorf("acks = %+v, want one 200 completed", acks)
	}
	if string(acks[0].Value) != `"hello"` {
		t.Errorf("ack value = %s, want echo", acks[0].Value)
	}
}

// ============================================================================
// Status
// ============================================================================

func TestOrchestrator_StatusMethod(t *testing.T) {
	f := newFixture(t)
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mustReconfigure(t, f.o, unitsDocument(1, 2))

	code, body := f.master.InvokeMethod(MethodStatus, nil)
	if code != 200 {
		t.Fatalf("status code = %d, body %s", code, body)
	}
	var s StatusReport
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("status body %s: %v", body, err)
	}
	if s.ActiveSlaves != 2 || s.BusReads != 10 || s.BusRetries != 3 {
		t.Errorf("status = %+v, want 2 slaves and fake bus counters", s.StatusSnapshot)
	}
	if len(s.Slaves) != 2 || s.Slaves[0].DeviceID != "slave-01" || s.Slaves[1].UnitID != 2 {
		t.Errorf("status slaves = %+v, want slave-01 and slave-02", s.Slaves)
	}
	if s.Recent != nil {
		t.Errorf("status recent = %+v, want none without a history store", s.Recent)
	}

	code, body = f.master.InvokeMethod(MethodStatus, []byte(`{"deviceId": "slave-02"}`))
	if code != 200 {
		t.Fatalf("slave status code = %d, body %s", code, body)
	}
	var one SlaveStatus
	if err := json.Unmarshal(body, &one); err != nil {
		t.Fatalf("slave status body %s: %v", body, err)
	}
	if one.DeviceID != "slave-02" || one.UnitID != 2 || len(one.Registers) != 1 || one.Registers[0] != "temp" {
		t.Errorf("slave status = %+v, want slave-02 with temp", one)
	}

	if code, _ := f.master.InvokeMethod(MethodStatus, []byte(`{"deviceId": "slave-09"}`)); code != 404 {
		t.Errorf("unknown slave code = %d, want 404", code)
	}
	if code, _ := f.master.InvokeMethod(MethodStatus, []byte(`{"deviceId": 7}`)); code != 400 {
		t.Errorf("malformed payload code = %d, want 400", code)
	}

	if code, _ := f.master.InvokeMethod("reboot", nil); code != 404 {
		t.Errorf("unknown method code = %d, want 404", code)
	}
}

func TestOrchestrator_PublishesStatusTelemetry(t *testing.T) {
	f := newFixture(t)
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, time.Second, "status telemetry", func() bool { return len(f.master.Telemetry()) >= 2 })

	msg := f.master.Telemetry()[0]
	if msg.DeviceID != "gateway-01" {
		t.Errorf("status device = %q, want gateway-01", msg.DeviceID)
	}
	if !strings.Contains(string(msg.Payload), `"activeSlaves"`) {
		t.Errorf("status payload = %s, want activeSlaves", msg.Payload)
	}
	f.metrics.mu.Lock()
	busStats := f.metrics.busStats
	f.metrics.mu.Unlock()
	if busStats == 0 {
		t.Error("bus stats metric not written")
	}
}
