package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/modbus"
	"github.com/nerrad567/modbus-twin-gateway/internal/twin"
)

const (
	// DefaultInterval is the report interval when neither the document nor
	// the gateway configuration sets one.
	DefaultInterval = 2 * time.Second

	// DefaultStopTimeout bounds how long Stop waits for an in-flight cycle.
	DefaultStopTimeout = 5 * time.Second

	// settingTimeout bounds a single desired-property write.
	settingTimeout = 10 * time.Second

	// MethodReportAll is the direct method that reads and publishes every register.
	MethodReportAll = "reportAll"
)

// Status texts used in desired-property acknowledgements.
const (
	StatusCompleted = "completed"
)

// RegisterIO is the bus access a poller needs. *modbus.Client implements it.
type RegisterIO interface {
	Read(ctx context.Context, t modbus.RegisterType, unit uint8, address uint16) (uint16, error)
	Write(ctx context.Context, t modbus.RegisterType, unit uint8, address, value uint16) error
}

// CycleMetrics records the outcome of a report cycle.
type CycleMetrics interface {
	WriteCycleMetric(deviceID string, unit uint8, read, failed int, duration time.Duration)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Device is the lifecycle shared by the master and its slaves.
type Device interface {
	DeviceID() string
	Start(ctx context.Context) error
	Stop()
}

type register struct {
	name    string
	address uint16
	regType modbus.RegisterType
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Slave SlaveConfig

	// Bus is shared with the other pollers and never closed by them.
	Bus RegisterIO

	// Channel is owned by the poller and closed by Stop.
	Channel twin.Channel

	// Interval applies when Slave.Interval is zero. Default: DefaultInterval.
	Interval time.Duration

	// StopTimeout bounds Stop. Default: DefaultStopTimeout.
	StopTimeout time.Duration

	Metrics CycleMetrics
	Logger  Logger
}

// Poller is a slave device: it reports one bus unit's registers to the hub
// and writes desired values back to the bus.
type Poller struct {
	deviceID string
	unit     uint8
	modelID  string

	registers map[string]register
	all       []register // document order
	readOnly  []register

	interval    time.Duration
	stopTimeout time.Duration

	bus     RegisterIO
	channel twin.Channel
	metrics CycleMetrics

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// cycleMu orders telemetry: a reportAll never interleaves with a cycle.
	cycleMu sync.Mutex

	closeOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewPoller builds a stopped poller. It registers the channel handlers but
// neither connects the channel nor touches the bus.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Bus == nil || opts.Channel == nil {
		return nil, fmt.Errorf("%w: bus and channel are required", ErrInvalidOptions)
	}

	p := &Poller{
		deviceID:    opts.Slave.DeviceID,
		unit:        opts.Slave.UnitID,
		modelID:     opts.Slave.ModelID,
		registers:   make(map[string]register, len(opts.Slave.Registers)),
		interval:    opts.Slave.Interval,
		stopTimeout: opts.StopTimeout,
		bus:         opts.Bus,
		channel:     opts.Channel,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	if p.interval <= 0 {
		p.interval = opts.Interval
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.stopTimeout <= 0 {
		p.stopTimeout = DefaultStopTimeout
	}

	for _, rs := range opts.Slave.Registers {
		t, err := modbus.ParseRegisterType(rs.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s register %q: %w", ErrPollerConstruction, p.deviceID, rs.Name, err)
		}
		if _, dup := p.registers[rs.Name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate register %q", ErrPollerConstruction, p.deviceID, rs.Name)
		}
		r := register{name: rs.Name, address: rs.Address, regType: t}
		p.registers[rs.Name] = r
		p.all = append(p.all, r)
		if t.IsReadOnly() {
			p.readOnly = append(p.readOnly, r)
		}
	}

	p.channel.OnDesiredPropertyPatch(p.handleProperty)
	p.channel.OnDirectMethod(p.handleMethod)

	return p, nil
}

// DeviceID returns the slave's hub identity.
func (p *Poller) DeviceID() string { return p.deviceID }

// UnitID returns the bus unit the poller serves.
func (p *Poller) UnitID() uint8 { return p.unit }

// Interval returns the report interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// IsRunning reports whether the report loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// RegisterNames returns the owned register names in document order.
func (p *Poller) RegisterNames() []string {
	names := make([]string, len(p.all))
	for i, r := range p.all {
		names[i] = r.name
	}
	return names
}

// Start launches the report loop. The loop ends when ctx is cancelled or
// Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(loopCtx, p.done)

	p.logInfo("poller started",
		"device_id", p.deviceID,
		"unit", p.unit,
		"registers", len(p.all),
		"interval", p.interval)
	return nil
}

// Stop cancels the loop, waits up to the stop timeout for the in-flight
// cycle and closes the channel. Safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		timer := time.NewTimer(p.stopTimeout)
		select {
		case <-done:
		case <-timer.C:
			p.logWarn("poller stop timed out", "device_id", p.deviceID, "timeout", p.stopTimeout)
		}
		timer.Stop()
	}

	p.closeOnce.Do(func() {
		if err := p.channel.Close(); err != nil {
			p.logWarn("closing channel failed", "device_id", p.deviceID, "error", err)
		}
		p.logInfo("poller stopped", "device_id", p.deviceID, "unit", p.unit)
	})
}

// run is the report loop: connect, report at once, then every interval.
func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle reads the read-only registers and publishes what succeeded.
func (p *Poller) cycle(ctx context.Context) {
	if !p.channel.IsConnected() {
		if err := p.channel.Connect(ctx); err != nil {
			if ctx.Err() == nil {
				p.logWarn("hub connect failed, retrying next cycle", "device_id", p.deviceID, "error", err)
			}
			return
		}
	}

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	values, failed := p.readAll(ctx, p.readOnly)

	if p.metrics != nil {
		p.metrics.WriteCycleMetric(p.deviceID, p.unit, len(values), failed, time.Since(start))
	}

	if ctx.Err() != nil {
		return
	}
	if len(values) == 0 {
		if failed > 0 {
			p.logWarn("every register read failed", "device_id", p.deviceID, "unit", p.unit)
		}
		return
	}
	if err := p.channel.SendTelemetry(p.deviceID, values); err != nil {
		p.logWarn("telemetry publish failed", "device_id", p.deviceID, "error", err)
	}
}

// readAll reads regs in order, omitting failures.
func (p *Poller) readAll(ctx context.Context, regs []register) (map[string]uint16, int) {
	values := make(map[string]uint16, len(regs))
	failed := 0
	for _, r := range regs {
		if ctx.Err() != nil {
			break
		}
		v, err := p.bus.Read(ctx, r.regType, p.unit, r.address)
		if err != nil {
			failed++
			if ctx.Err() == nil {
				p.logWarn("register read failed",
					"device_id", p.deviceID,
					"register", r.name,
					"type", r.regType,
					"address", r.address,
					"error", err)
			}
			continue
		}
		values[r.name] = v
	}
	return values, failed
}

// WriteRegister writes value to the named register.
func (p *Poller) WriteRegister(ctx context.Context, name string, value uint16) error {
	r, ok := p.registers[name]
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownRegister, name, p.deviceID)
	}
	if r.regType.IsReadOnly() {
		return fmt.Errorf("%w: %q is %s", modbus.ErrReadOnlyRegister, name, r.regType)
	}
	return p.bus.Write(ctx, r.regType, p.unit, r.address, value)
}

// HandleSetting applies a desired property and returns the acknowledgement
// status code and text.
func (p *Poller) HandleSetting(key string, raw json.RawMessage) (int, string) {
	r, ok := p.registers[key]
	if !ok {
		return 404, fmt.Sprintf("unknown register %q", key)
	}
	if r.regType.IsReadOnly() {
		return 400, fmt.Sprintf("register %q is read-only", key)
	}

	value, err := parseRegisterValue(raw)
	if err != nil {
		return 400, err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), settingTimeout)
	defer cancel()

	if err := p.WriteRegister(ctx, key, value); err != nil {
		return settingStatus(err)
	}
	p.logInfo("register written", "device_id", p.deviceID, "register", key, "value", value)
	return 200, StatusCompleted
}

// settingStatus maps a write error to an acknowledgement status.
func settingStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownRegister):
		return 404, err.Error()
	case errors.Is(err, modbus.ErrReadOnlyRegister),
		errors.Is(err, modbus.ErrInvalidValue),
		errors.Is(err, modbus.ErrInvalidRegisterType):
		return 400, err.Error()
	default:
		return 500, err.Error()
	}
}

// parseRegisterValue accepts a JSON number, boolean or numeric string.
func parseRegisterValue(raw json.RawMessage) (uint16, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	var f float64
	switch val := v.(type) {
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case float64:
		f = val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, val)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: unsupported value %s", ErrInvalidValue, string(raw))
	}

	if f != math.Trunc(f) || f < 0 || f > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %v does not fit a 16-bit register", ErrInvalidValue, f)
	}
	return uint16(f), nil
}

func (p *Poller) handleProperty(prop twin.Property) {
	code, text := p.HandleSetting(prop.Key, prop.Value)
	if code != 200 {
		p.logWarn("desired property rejected", "device_id", p.deviceID, "key", prop.Key, "status", code, "reason", text)
	}

	ack := twin.Ack{
		Key:            prop.Key,
		Value:          prop.Value,
		StatusCode:     code,
		Status:         text,
		DesiredVersion: prop.Version,
	}
	if err := p.channel.SendAck(ack); err != nil {
		p.logWarn("ack publish failed", "device_id", p.deviceID, "key", prop.Key, "error", err)
	}
}

func (p *Poller) handleMethod(name string, _ []byte) (int, []byte) {
	if name != MethodReportAll {
		return 404, errorBody(fmt.Sprintf("unknown method %q", name))
	}
	return p.reportAll()
}

// reportAll reads and publishes every register, returning the values as the
// method response.
func (p *Poller) reportAll() (int, []byte) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return 503, errorBody("poller is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), settingTimeout)
	defer cancel()

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	values, failed := p.readAll(ctx, p.all)
	if len(values) == 0 && failed > 0 {
		return 500, errorBody("every register read failed")
	}
	if err := p.channel.SendTelemetry(p.deviceID, values); err != nil {
		p.logWarn("telemetry publish failed", "device_id", p.deviceID, "error", err)
	}

	body, err := json.Marshal(values)
	if err != nil {
		return 500, errorBody(err.Error())
	}
	return 200, body
}

func errorBody(msg string) []byte {
	body, _ := json.Marshal(map[string]string{"error": msg}) //nolint:errcheck // Map of strings always marshals
	return body
}

// SetLogger sets the logger for this poller.
func (p *Poller) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Poller) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Poller) logInfo(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (p *Poller) logWarn(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
