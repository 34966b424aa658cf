package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/modbus-twin-gateway/internal/modbus"
	"github.com/nerrad567/modbus-twin-gateway/internal/twin"
)

const (
	// DefaultConfigKey is the desired property carrying the slave configuration.
	DefaultConfigKey = "config"

	// MethodStatus is the master's direct method returning its status.
	MethodStatus = "status"

	echoKey = "echo"

	// statusHistoryLimit bounds the outcomes returned by the status method.
	statusHistoryLimit = 10
)

// ChannelFactory opens a hub channel for a slave device. It must not connect.
type ChannelFactory func(deviceID, modelID string) (twin.Channel, error)

// StatsProvider exposes bus counters. *modbus.Client implements it.
type StatsProvider interface {
	Stats() modbus.Stats
}

// Metrics is the optional operational metrics sink.
type Metrics interface {
	CycleMetrics
	BusMetrics
	WriteReconfiguration(status, slaves int, duration time.Duration)
}

// SettingHandler handles a master desired property other than the
// configuration key and returns the acknowledgement code and text.
type SettingHandler func(key string, value json.RawMessage) (int, string)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Channel is the master's own hub channel. Closed by Stop.
	Channel twin.Channel

	// Bus is lent to every poller. The caller closes it after Stop.
	Bus RegisterIO

	NewChannel ChannelFactory

	// ConfigKey defaults to DefaultConfigKey.
	ConfigKey string

	// DefaultInterval is the slave report interval when the document sets none.
	DefaultInterval time.Duration
	StopTimeout     time.Duration
	StatusInterval  time.Duration

	// Store persists accepted documents. Optional.
	Store ConfigStore

	// Restore re-applies the stored document on Start.
	Restore bool

	Stats    StatsProvider
	Metrics  Metrics
	Settings SettingHandler
	Logger   Logger
}

// SlaveStatus describes one active poller.
type SlaveStatus struct {
	DeviceID  string   `json:"deviceId"`
	UnitID    uint8    `json:"unitId"`
	Registers []string `json:"registers"`

	// UpdateInterval is the report interval in seconds.
	UpdateInterval float64 `json:"updateInterval"`
	Running        bool    `json:"running"`
}

// StatusReport is the body of the status direct method.
type StatusReport struct {
	StatusSnapshot
	DesiredVersion int           `json:"desiredVersion"`
	Slaves         []SlaveStatus `json:"slaves"`

	// Recent is filled when the store keeps an outcome history, newest first.
	Recent []Outcome `json:"recent,omitempty"`
}

// statusRequest is the optional payload of the status method. A device id
// narrows the answer to that slave.
type statusRequest struct {
	DeviceID string `json:"deviceId"`
}

// Orchestrator is the master device. It owns the set of slave pollers and
// replaces it whenever the hub delivers a new configuration document.
type Orchestrator struct {
	deviceID        string
	configKey       string
	channel         twin.Channel
	bus             RegisterIO
	newChannel      ChannelFactory
	defaultInterval time.Duration
	stopTimeout     time.Duration
	store           ConfigStore
	restore         bool
	stats           StatsProvider
	metrics         Metrics
	settings        SettingHandler
	status          *StatusReporter

	// reconfigMu serializes reconfiguration and shutdown.
	reconfigMu sync.Mutex

	mu             sync.RWMutex
	pollers        []*Poller
	applied        json.RawMessage
	appliedVersion int
	ctx            context.Context
	cancel         context.CancelFunc
	started        bool
	stopped        bool

	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewOrchestrator creates a stopped orchestrator.
//
// Parameters:
//   - opts: Channel, Bus and NewChannel are required; zero values of the
//     remaining fields select the package defaults
//
// Returns:
//   - *Orchestrator: ready for Start, serving no slaves
//   - error: ErrInvalidOptions if a required dependency is missing
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Channel == nil || opts.Bus == nil || opts.NewChannel == nil {
		return nil, fmt.Errorf("%w: channel, bus and channel factory are required", ErrInvalidOptions)
	}

	o := &Orchestrator{
		deviceID:        opts.Channel.DeviceID(),
		configKey:       opts.ConfigKey,
		channel:         opts.Channel,
		bus:             opts.Bus,
		newChannel:      opts.NewChannel,
		defaultInterval: opts.DefaultInterval,
		stopTimeout:     opts.StopTimeout,
		store:           opts.Store,
		restore:         opts.Restore,
		stats:           opts.Stats,
		metrics:         opts.Metrics,
		settings:        opts.Settings,
		logger:          opts.Logger,
	}
	if o.configKey == "" {
		o.configKey = DefaultConfigKey
	}
	if o.defaultInterval <= 0 {
		o.defaultInterval = DefaultInterval
	}
	if o.settings == nil {
		o.settings = func(string, json.RawMessage) (int, string) { return 200, StatusCompleted }
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.status = NewStatusReporter(StatusReporterConfig{
		DeviceID: o.deviceID,
		Interval: opts.StatusInterval,
		Channel:  o.channel,
		Snapshot: o.snapshot,
		Metrics:  o.metrics,
		OnTick:   o.ensureConnected,
	})
	o.status.SetLogger(opts.Logger)

	return o, nil
}

// DeviceID returns the master's hub identity.
func (o *Orchestrator) DeviceID() string { return o.deviceID }

// Start restores the stored configuration, connects the master channel,
// requests the full twin and starts the status loop. A failed connection is
// retried by the status loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.started = true
	o.cancel()
	o.ctx, o.cancel = context.WithCancel(ctx)
	runCtx := o.ctx
	o.mu.Unlock()

	o.channel.OnDesiredPropertyPatch(o.handleProperty)
	o.channel.OnDirectMethod(o.handleMethod)

	if o.restore && o.store != nil {
		o.restoreConfig(runCtx)
	}

	if err := o.connect(runCtx); err != nil {
		o.logWarn("hub connect failed, will retry", "device_id", o.deviceID, "error", err)
	}

	o.status.Start(runCtx)

	o.logInfo("gateway started", "device_id", o.deviceID, "slaves", len(o.UnitIDs()))
	return nil
}

// Stop stops every slave, then the master. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.reconfigMu.Lock()
		defer o.reconfigMu.Unlock()

		o.mu.Lock()
		o.stopped = true
		pollers := o.pollers
		o.pollers = nil
		cancel := o.cancel
		o.mu.Unlock()

		cancel()
		o.status.Stop()
		stopAll(pollers)

		if err := o.channel.Close(); err != nil {
			o.logWarn("closing master channel failed", "error", err)
		}
		o.logInfo("gateway stopped", "device_id", o.deviceID)
	})
}

// Reconfigure applies a configuration document. The new set is built in
// full before the old one is stopped, and every old poller is stopped before
// any new one starts. On any failure the running set is kept.
//
// Parameters:
//   - ctx: bounds persisting the outcome
//   - raw: the configuration document, as an object or a JSON string
//
// Returns:
//   - int: 200 applied, 400 parse or validation error, 500 poller
//     construction failed, 503 gateway stopping
//   - string: "completed" or the reason for the rejection
func (o *Orchestrator) Reconfigure(ctx context.Context, raw json.RawMessage) (int, string) {
	return o.reconfigure(ctx, raw, 0, true)
}

// UnitIDs returns the bus units currently served, ascending.
func (o *Orchestrator) UnitIDs() []uint8 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]uint8, len(o.pollers))
	for i, p := range o.pollers {
		ids[i] = p.UnitID()
	}
	slices.Sort(ids)
	return ids
}

// Slaves returns the active pollers in document order.
func (o *Orchestrator) Slaves() []SlaveStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]SlaveStatus, len(o.pollers))
	for i, p := range o.pollers {
		out[i] = statusOf(p)
	}
	return out
}

func statusOf(p *Poller) SlaveStatus {
	return SlaveStatus{
		DeviceID:       p.DeviceID(),
		UnitID:         p.UnitID(),
		Registers:      p.RegisterNames(),
		UpdateInterval: p.Interval().Seconds(),
		Running:        p.IsRunning(),
	}
}

// Poller returns the active poller for deviceID.
func (o *Orchestrator) Poller(deviceID string) (*Poller, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, p := range o.pollers {
		if p.DeviceID() == deviceID {
			return p, true
		}
	}
	return nil, false
}

// AppliedDocument returns the document currently applied and its desired version.
func (o *Orchestrator) AppliedDocument() (json.RawMessage, int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.applied, o.appliedVersion
}

func (o *Orchestrator) reconfigure(ctx context.Context, raw json.RawMessage, version int, persist bool) (int, string) {
	o.reconfigMu.Lock()
	defer o.reconfigMu.Unlock()

	o.mu.RLock()
	stopped := o.stopped
	o.mu.RUnlock()
	if stopped {
		return 503, "gateway is stopping"
	}

	start := time.Now()
	doc, code, text := o.apply(raw, version)
	elapsed := time.Since(start)

	slaves := 0
	if doc != nil {
		slaves = len(doc.Slaves)
	}
	if o.metrics != nil {
		o.metrics.WriteReconfiguration(code, slaves, elapsed)
	}

	if code != 200 {
		o.logWarn("reconfiguration rejected", "status", code, "reason", text, "desired_version", version)
		if persist && o.store != nil {
			err := o.store.RecordOutcome(ctx, Outcome{
				DesiredVersion: version,
				StatusCode:     code,
				Status:         text,
				SlaveCount:     slaves,
			})
			if err != nil {
				o.logError("recording reconfiguration outcome failed", err)
			}
		}
		return code, text
	}

	o.logInfo("reconfiguration applied",
		"slaves", slaves,
		"units", o.UnitIDs(),
		"desired_version", version,
		"duration", elapsed)

	if persist && o.store != nil {
		err := o.store.Save(ctx, AppliedConfig{
			Document:       doc.Source,
			DesiredVersion: version,
			SlaveCount:     slaves,
		})
		if err != nil {
			o.logError("persisting configuration failed", err)
		}
	}
	return 200, StatusCompleted
}

// apply parses raw, builds the complete new set and only then swaps it in.
// Caller holds reconfigMu.
func (o *Orchestrator) apply(raw json.RawMessage, version int) (*Document, int, string) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, 400, err.Error()
	}

	next, err := o.buildPollers(doc)
	if err != nil {
		return doc, 500, err.Error()
	}

	o.mu.RLock()
	old := o.pollers
	runCtx := o.ctx
	o.mu.RUnlock()

	stopAll(old)

	o.mu.Lock()
	o.pollers = next
	o.applied = doc.Source
	o.appliedVersion = version
	o.mu.Unlock()

	for _, p := range next {
		if err := p.Start(runCtx); err != nil {
			o.logError("starting poller failed", err)
		}
	}
	return doc, 200, StatusCompleted
}

// buildPollers constructs one stopped poller per slave. Nothing is left
// open when it fails.
func (o *Orchestrator) buildPollers(doc *Document) ([]*Poller, error) {
	built := make([]*Poller, 0, len(doc.Slaves))
	fail := func(err error) ([]*Poller, error) {
		stopAll(built)
		return nil, err
	}

	for _, slave := range doc.Slaves {
		ch, err := o.newChannel(slave.DeviceID, slave.ModelID)
		if err != nil {
			return fail(fmt.Errorf("%w: channel for %s: %w", ErrPollerConstruction, slave.DeviceID, err))
		}

		p, err := NewPoller(PollerOptions{
			Slave:       slave,
			Bus:         o.bus,
			Channel:     ch,
			Interval:    o.defaultInterval,
			StopTimeout: o.stopTimeout,
			Metrics:     o.metrics,
			Logger:      o.getLogger(),
		})
		if err != nil {
			ch.Close() //nolint:errcheck // Never connected
			return fail(err)
		}
		built = append(built, p)
	}
	return built, nil
}

// stopAll stops pollers concurrently and waits for all of them.
func stopAll(pollers []*Poller) {
	var g errgroup.Group
	for _, p := range pollers {
		p := p
		g.Go(func() error {
			p.Stop()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Stop reports nothing
}

func (o *Orchestrator) restoreConfig(ctx context.Context) {
	stored, ok, err := o.store.Load(ctx)
	if err != nil {
		o.logError("loading stored configuration failed", err)
		return
	}
	if !ok {
		return
	}

	code, text := o.reconfigure(ctx, stored.Document, stored.DesiredVersion, false)
	if code != 200 {
		o.logWarn("stored configuration not restored", "status", code, "reason", text)
		return
	}
	o.logInfo("stored configuration restored",
		"slaves", stored.SlaveCount,
		"desired_version", stored.DesiredVersion,
		"applied_at", stored.AppliedAt)
}

// connect opens the master channel and asks for the full twin.
func (o *Orchestrator) connect(ctx context.Context) error {
	if err := o.channel.Connect(ctx); err != nil {
		return err
	}
	if !o.channel.IsConnected() {
		return nil
	}
	if err := o.channel.RequestTwin(); err != nil {
		return fmt.Errorf("requesting twin: %w", err)
	}
	return nil
}

// ensureConnected retries the master connection from the status loop.
func (o *Orchestrator) ensureConnected(ctx context.Context) {
	if o.channel.IsConnected() {
		return
	}
	if err := o.connect(ctx); err != nil && ctx.Err() == nil {
		o.logWarn("hub reconnect failed", "device_id", o.deviceID, "error", err)
	}
}

func (o *Orchestrator) handleProperty(prop twin.Property) {
	if prop.Key == o.configKey {
		if prop.FromTwin && o.isApplied(prop.Value) {
			o.logDebug("twin configuration already applied", "desired_version", prop.Version)
			return
		}
		o.mu.RLock()
		ctx := o.ctx
		o.mu.RUnlock()

		code, text := o.reconfigure(ctx, prop.Value, prop.Version, true)
		o.sendAck(prop, code, text)
		return
	}

	if prop.Key == echoKey {
		o.logInfo("echo", "value", string(prop.Value), "desired_version", prop.Version)
	}
	code, text := o.settings(prop.Key, prop.Value)
	o.sendAck(prop, code, text)
}

// isApplied reports whether raw is the document already running.
func (o *Orchestrator) isApplied(raw json.RawMessage) bool {
	source, err := documentSource(raw)
	if err != nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.applied != nil && bytes.Equal(source, o.applied)
}

func (o *Orchestrator) sendAck(prop twin.Property, code int, text string) {
	err := o.channel.SendAck(twin.Ack{
		Key:            prop.Key,
		Value:          prop.Value,
		StatusCode:     code,
		Status:         text,
		DesiredVersion: prop.Version,
	})
	if err != nil {
		o.logWarn("ack publish failed", "key", prop.Key, "error", err)
	}
}

func (o *Orchestrator) handleMethod(name string, payload []byte) (int, []byte) {
	if name != MethodStatus {
		return 404, errorBody(fmt.Sprintf("unknown method %q", name))
	}

	var req statusRequest
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return 400, errorBody(err.Error())
		}
	}

	var result any
	if req.DeviceID != "" {
		p, ok := o.Poller(req.DeviceID)
		if !ok {
			return 404, errorBody(fmt.Sprintf("unknown slave %q", req.DeviceID))
		}
		result = statusOf(p)
	} else {
		o.mu.RLock()
		ctx := o.ctx
		o.mu.RUnlock()
		result = o.report(ctx)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return 500, errorBody(err.Error())
	}
	return 200, body
}

// report assembles the status method's answer.
func (o *Orchestrator) report(ctx context.Context) StatusReport {
	_, version := o.AppliedDocument()
	r := StatusReport{
		StatusSnapshot: o.status.Snapshot(),
		DesiredVersion: version,
		Slaves:         o.Slaves(),
	}
	if history, ok := o.store.(OutcomeHistory); ok {
		recent, err := history.Recent(ctx, statusHistoryLimit)
		if err != nil {
			o.logWarn("reading reconfiguration history failed", "error", err)
		} else {
			r.Recent = recent
		}
	}
	return r
}

func (o *Orchestrator) snapshot() StatusSnapshot {
	o.mu.RLock()
	active := 0
	for _, p := range o.pollers {
		if p.IsRunning() {
			active++
		}
	}
	o.mu.RUnlock()

	s := StatusSnapshot{ActiveSlaves: active}
	if o.stats != nil {
		st := o.stats.Stats()
		s.BusReads = st.Reads
		s.BusWrites = st.Writes
		s.BusFailures = st.Failures
		s.BusRetries = st.Retries
	}
	return s
}

// SetLogger sets the logger for the orchestrator and its status reporter.
// Pollers built afterwards inherit it.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.loggerMu.Lock()
	o.logger = logger
	o.loggerMu.Unlock()
	o.status.SetLogger(logger)
}

func (o *Orchestrator) getLogger() Logger {
	o.loggerMu.RLock()
	defer o.loggerMu.RUnlock()
	return o.logger
}

func (o *Orchestrator) logInfo(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logDebug(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logWarn(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logError(msg string, err error) {
	if logger := o.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
