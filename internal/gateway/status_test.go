package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func TestStatusReporter_PublishNow(t *testing.T) {
	ch := NewMockChannel("gateway-01")
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	metrics := &MockMetrics{}

	r := NewStatusReporter(StatusReporterConfig{
		DeviceID: "gateway-01",
		Channel:  ch,
		Metrics:  metrics,
		Snapshot: func() StatusSnapshot {
			return StatusSnapshot{ActiveSlaves: 3, BusReads: 100, BusFailures: 2}
		},
	})

	if err := r.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	sent := ch.Telemetry()
	if len(sent) != 1 {
		t.Fatalf("telemetry = %d, want 1", len(sent))
	}
	var s StatusSnapshot
	if err := json.Unmarshal(sent[0].Payload, &s); err != nil {
		t.Fatalf("payload %s: %v", sent[0].Payload, err)
	}
	if s.ActiveSlaves != 3 || s.BusReads != 100 || s.BusFailures != 2 {
		t.Errorf("status = %+v", s)
	}
	if metrics.busStats != 1 {
		t.Errorf("bus stats written %d times, want 1", metrics.busStats)
	}
}

func TestStatusReporter_NotConnected(t *testing.T) {
	r := NewStatusReporter(StatusReporterConfig{DeviceID: "gateway-01", Channel: NewMockChannel("gateway-01")})

	if err := r.PublishNow(); err == nil {
		t.Error("PublishNow() on a disconnected channel should fail")
	}
}

func TestStatusReporter_DefaultInterval(t *testing.T) {
	r := NewStatusReporter(StatusReporterConfig{})
	if r.interval != DefaultStatusInterval {
		t.Errorf("interval = %v, want %v", r.interval, DefaultStatusInterval)
	}
	if err := r.PublishNow(); err != nil {
		t.Errorf("PublishNow() without channel error = %v", err)
	}
}

func TestStatusReporter_LoopRunsOnTick(t *testing.T) {
	var ticks atomic.Int32
	r := NewStatusReporter(StatusReporterConfig{
		Interval: 10 * time.Millisecond,
		OnTick:   func(context.Context) { ticks.Add(1) },
	})

	r.Start(context.Background())
	waitFor(t, time.Second, "three ticks", func() bool { return ticks.Load() >= 3 })

	r.Stop()
	r.Stop()
	after := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("ticks continued after Stop")
	}
}

func TestStatusReporter_StopsOnContextCancel(t *testing.T) {
	r := NewStatusReporter(StatusReporterConfig{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("report loop did not exit on context cancel")
	}
}
