package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/twin"
)

// DefaultStatusInterval is how often the master publishes its status.
const DefaultStatusInterval = 60 * time.Second

// StatusSnapshot is the master's status telemetry.
type StatusSnapshot struct {
	ActiveSlaves  int    `json:"activeSlaves"`
	BusReads      uint64 `json:"busReads"`
	BusWrites     uint64 `json:"busWrites"`
	BusFailures   uint64 `json:"busFailures"`
	BusRetries    uint64 `json:"busRetries"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// BusMetrics records bus counters.
type BusMetrics interface {
	WriteBusStats(reads, writes, failures, retries uint64, activeSlaves int)
}

// StatusReporterConfig holds configuration for the status reporter.
type StatusReporterConfig struct {
	DeviceID string

	// Interval between reports. Default: DefaultStatusInterval.
	Interval time.Duration

	Channel twin.Channel

	// Snapshot supplies everything but the uptime.
	Snapshot func() StatusSnapshot

	// Metrics is optional.
	Metrics BusMetrics

	// OnTick, when set, runs before each report.
	OnTick func(ctx context.Context)
}

// StatusReporter publishes the master's status at a fixed interval.
type StatusReporter struct {
	deviceID  string
	startTime time.Time
	interval  time.Duration
	channel   twin.Channel
	snapshot  func() StatusSnapshot
	metrics   BusMetrics
	onTick    func(ctx context.Context)

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewStatusReporter creates a reporter. Call Start to begin reporting.
func NewStatusReporter(cfg StatusReporterConfig) *StatusReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultStatusInterval
	}

	return &StatusReporter{
		deviceID:  cfg.DeviceID,
		startTime: time.Now(),
		interval:  interval,
		channel:   cfg.Channel,
		snapshot:  cfg.Snapshot,
		metrics:   cfg.Metrics,
		onTick:    cfg.OnTick,
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (r *StatusReporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop ends reporting and waits for the loop. Safe to call multiple times.
func (r *StatusReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// SetLogger sets the logger for this reporter.
func (r *StatusReporter) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Snapshot returns the current status.
func (r *StatusReporter) Snapshot() StatusSnapshot {
	var s StatusSnapshot
	if r.snapshot != nil {
		s = r.snapshot()
	}
	s.UptimeSeconds = int64(time.Since(r.startTime).Seconds())
	return s
}

// PublishNow publishes the current status immediately.
func (r *StatusReporter) PublishNow() error {
	s := r.Snapshot()

	if r.metrics != nil {
		r.metrics.WriteBusStats(s.BusReads, s.BusWrites, s.BusFailures, s.BusRetries, s.ActiveSlaves)
	}
	if r.channel == nil {
		return nil
	}
	return r.channel.SendTelemetry(r.deviceID, s)
}

func (r *StatusReporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *StatusReporter) tick(ctx context.Context) {
	if r.onTick != nil {
		r.onTick(ctx)
	}
	if err := r.PublishNow(); err != nil {
		r.loggerMu.RLock()
		logger := r.logger
		r.loggerMu.RUnlock()
		if logger != nil {
			logger.Warn("status publish failed", "device_id", r.deviceID, "error", err)
		}
	}
}
