package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nerrad567/modbus-twin-gateway/internal/devicekey"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/mqtt"
)

// Hub channel defaults.
const (
	defaultTokenTTL     = time.Hour
	defaultInitialDelay = time.Second
	defaultMaxDelay     = time.Minute

	// pendingLimit caps outstanding request ids so lost responses cannot grow
	// the map without bound.
	pendingLimit = 64
)

// Broker is the MQTT session a HubChannel runs over.
// *mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	Close() error
}

// Dialer opens a Broker session to host with the given credentials.
type Dialer func(ctx context.Context, host string, creds mqtt.Credentials) (Broker, error)

// HubOptions configures a HubChannel.
type HubOptions struct {
	DeviceID string
	ModelID  string

	// HubHost is the hub's host name, e.g. "myhub.azure-devices.net".
	// When empty, Resolve supplies it on the first Connect.
	HubHost    string
	Resolve    HostResolver
	APIVersion string

	// DeviceKey is the base64 key derived for DeviceID.
	DeviceKey string

	// TokenTTL is the validity of each SAS token. Default: 1 hour.
	TokenTTL time.Duration

	QoS byte

	// InitialDelay, MaxDelay and MaxAttempts bound Connect's retries.
	// MaxAttempts 0 means a single attempt.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	Dial   Dialer
	Logger Logger
}

// HubChannel is a Channel over the hub's MQTT device API.
//
// Thread Safety: All methods are safe for concurrent use.
type HubChannel struct {
	opts HubOptions
	now  func() time.Time

	// host is the hub in use, fixed once resolved.
	host   string
	hostMu sync.RWMutex

	broker   Broker
	closed   bool
	brokerMu sync.RWMutex

	onProperty PropertyHandler
	onMethod   MethodHandler
	handlerMu  sync.RWMutex

	// pending maps request ids of twin GETs to true and of reported patches
	// to false.
	pending       map[string]bool
	twinRequested bool
	pendingMu     sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHubChannel creates a channel. Call Connect to open the session.
//
// Parameters:
//   - opts: DeviceID, DeviceKey, Dial and one of HubHost or Resolve are
//     required; zero durations select the package defaults
//
// Returns:
//   - *HubChannel: not yet connected
//   - error: ErrInvalidOptions for missing options or a malformed key
func NewHubChannel(opts HubOptions) (*HubChannel, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidOptions)
	}
	if opts.HubHost == "" && opts.Resolve == nil {
		return nil, fmt.Errorf("%w: hub host or resolver is required", ErrInvalidOptions)
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidOptions)
	}
	if _, err := devicekey.SASToken(devicekey.ResourceURI(opts.HubHost, opts.DeviceID), opts.DeviceKey, time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}

	return &HubChannel{
		opts:    opts,
		now:     time.Now,
		host:    opts.HubHost,
		pending: make(map[string]bool),
		logger:  opts.Logger,
	}, nil
}

// DeviceID returns the device this channel authenticates as.
func (c *HubChannel) DeviceID() string {
	return c.opts.DeviceID
}

// Connect dials the hub with exponential backoff and subscribes to the
// device's inbound topics.
func (c *HubChannel) Connect(ctx context.Context) error {
	c.brokerMu.Lock()
	defer c.brokerMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	// A broker that lost its session reconnects on its own; a fresh one is
	// only dialled when the first connect never succeeded.
	if c.broker != nil {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialDelay
	b.MaxInterval = c.opts.MaxDelay
	b.MaxElapsedTime = 0

	var broker Broker
	attempt := func() error {
		host, err := c.resolveHost(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		creds := mqtt.Credentials{
			ClientID: c.opts.DeviceID,
			Username: Username(host, c.opts.DeviceID, c.opts.APIVersion, c.opts.ModelID),
			Password: c.password,
		}

		conn, err := c.opts.Dial(ctx, host, creds)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := c.subscribe(conn); err != nil {
			conn.Close()
			return err
		}
		broker = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logWarn("hub connect failed, retrying", "device_id", c.opts.DeviceID, "error", err, "retry_in", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.opts.MaxAttempts-1, 0))), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return fmt.Errorf("connecting %s to hub: %w", c.opts.DeviceID, err)
	}

	if n, ok := broker.(interface{ SetOnConnect(func()) }); ok {
		n.SetOnConnect(c.handleReconnect)
	}

	c.broker = broker
	c.logInfo("connected to hub", "device_id", c.opts.DeviceID, "hub", c.Host())
	return nil
}

// Host returns the hub in use, or "" before a resolver has supplied one.
func (c *HubChannel) Host() string {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.host
}

// resolveHost returns the configured hub or asks the resolver once it
// succeeds.
func (c *HubChannel) resolveHost(ctx context.Context) (string, error) {
	if host := c.Host(); host != "" {
		return host, nil
	}
	host, err := c.opts.Resolve(ctx, c.opts.DeviceID, c.opts.ModelID, c.opts.DeviceKey)
	if err != nil {
		return "", fmt.Errorf("resolving hub for %s: %w", c.opts.DeviceID, err)
	}
	c.hostMu.Lock()
	c.host = host
	c.hostMu.Unlock()
	return host, nil
}

func (c *HubChannel) subscribe(b Broker) error {
	subs := []struct {
		filter  string
		handler mqtt.MessageHandler
	}{
		{DesiredPatchFilter, c.handleDesiredPatch},
		{TwinResponseFilter, c.handleTwinResponse},
		{DirectMethodsFilter, c.handleDirectMethod},
		{CloudToDeviceFilter(c.opts.DeviceID), c.handleCloudToDevice},
	}
	for _, s := range subs {
		if err := b.Subscribe(s.filter, c.opts.QoS, s.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", s.filter, err)
		}
	}
	return nil
}

// password mints a fresh SAS token; called by the broker on every (re)connect.
func (c *HubChannel) password() string {
	token, err := devicekey.SASToken(
		devicekey.ResourceURI(c.Host(), c.opts.DeviceID),
		c.opts.DeviceKey,
		c.now().Add(c.opts.TokenTTL),
	)
	if err != nil {
		c.logError("minting SAS token", "device_id", c.opts.DeviceID, "error", err)
		return ""
	}
	return token
}

// IsConnected reports whether the session is currently up.
func (c *HubChannel) IsConnected() bool {
	c.brokerMu.RLock()
	defer c.brokerMu.RUnlock()
	return c.broker != nil && c.broker.IsConnected()
}

// Close ends the session. Safe to call multiple times.
func (c *HubChannel) Close() error {
	c.brokerMu.Lock()
	defer c.brokerMu.Unlock()

	c.closed = true
	if c.broker == nil {
		return nil
	}
	err := c.broker.Close()
	c.broker = nil
	c.logInfo("disconnected from hub", "device_id", c.opts.DeviceID)
	return err
}

// OnDesiredPropertyPatch sets the handler for desired properties.
func (c *HubChannel) OnDesiredPropertyPatch(handler PropertyHandler) {
	c.handlerMu.Lock()
	c.onProperty = handler
	c.handlerMu.Unlock()
}

// OnDirectMethod sets the handler for direct methods.
func (c *HubChannel) OnDirectMethod(handler MethodHandler) {
	c.handlerMu.Lock()
	c.onMethod = handler
	c.handlerMu.Unlock()
}

// SendTelemetry publishes payload as telemetry of deviceID.
func (c *HubChannel) SendTelemetry(deviceID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding telemetry: %w", err)
	}
	return c.publish(TelemetryTopic(deviceID), data)
}

// SendAck reports ack as a reported-properties patch.
func (c *HubChannel) SendAck(ack Ack) error {
	data, err := EncodeAck(ack)
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	rid := c.track(false)
	if err := c.publish(ReportedPatchTopic(rid), data); err != nil {
		c.untrack(rid)
		return err
	}
	return nil
}

// RequestTwin asks for the full twin. The desired section is delivered to
// the property handler when the response arrives, and again after every
// reconnect.
func (c *HubChannel) RequestTwin() error {
	rid := c.track(true)
	c.pendingMu.Lock()
	c.twinRequested = true
	c.pendingMu.Unlock()

	if err := c.publish(TwinGetTopic(rid), []byte("{}")); err != nil {
		c.untrack(rid)
		return err
	}
	return nil
}

func (c *HubChannel) publish(topic string, payload []byte) error {
	c.brokerMu.RLock()
	broker := c.broker
	c.brokerMu.RUnlock()

	if broker == nil || !broker.IsConnected() {
		return ErrNotConnected
	}
	return broker.Publish(topic, payload, c.opts.QoS, false)
}

func (c *HubChannel) track(get bool) string {
	rid := uuid.NewString()
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) >= pendingLimit {
		clear(c.pending)
	}
	c.pending[rid] = get
	return rid
}

func (c *HubChannel) untrack(rid string) (get, found bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	get, found = c.pending[rid]
	delete(c.pending, rid)
	return get, found
}

func (c *HubChannel) handleReconnect() {
	c.pendingMu.Lock()
	requested := c.twinRequested
	c.pendingMu.Unlock()

	c.logInfo("hub session established", "device_id", c.opts.DeviceID)
	if !requested {
		return
	}
	// Patches may have been missed while offline.
	if err := c.RequestTwin(); err != nil {
		c.logWarn("re-requesting twin after reconnect", "device_id", c.opts.DeviceID, "error", err)
	}
}

func (c *HubChannel) handleDesiredPatch(topic string, payload []byte) error {
	if !isDesiredPatch(topic) {
		return nil
	}
	props, err := ParseDesiredPatch(payload)
	if err != nil {
		return err
	}
	c.deliver(props)
	return nil
}

func (c *HubChannel) handleTwinResponse(topic string, payload []byte) error {
	status, rid, ok := ParseResponseTopic(topic)
	if !ok {
		return fmt.Errorf("%w: twin response topic %q", ErrInvalidPayload, topic)
	}
	get, found := c.untrack(rid)
	if !found {
		return nil
	}
	if status < 200 || status > 299 {
		c.logWarn("hub rejected twin request", "device_id", c.opts.DeviceID, "status", status, "twin_get", get)
		return nil
	}
	if !get {
		return nil
	}

	props, err := ParseTwinDocument(payload)
	if err != nil {
		return err
	}
	c.deliver(props)
	return nil
}

func (c *HubChannel) deliver(props []Property) {
	c.handlerMu.RLock()
	handler := c.onProperty
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	for _, p := range props {
		handler(p)
	}
}

func (c *HubChannel) handleDirectMethod(topic string, payload []byte) error {
	name, rid, ok := ParseMethodTopic(topic)
	if !ok {
		return fmt.Errorf("%w: method topic %q", ErrInvalidPayload, topic)
	}

	c.handlerMu.RLock()
	handler := c.onMethod
	c.handlerMu.RUnlock()

	status, body := 404, []byte(`{"error":"method not implemented"}`)
	if handler != nil {
		status, body = handler(name, payload)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	c.logDebug("direct method handled", "device_id", c.opts.DeviceID, "method", name, "status", status)
	return c.publish(MethodResponseTopic(status, rid), body)
}

func (c *HubChannel) handleCloudToDevice(topic string, payload []byte) error {
	c.logInfo("cloud-to-device message ignored", "device_id", c.opts.DeviceID, "topic", topic, "bytes", len(payload))
	return nil
}

// SetLogger sets the logger for this channel.
func (c *HubChannel) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *HubChannel) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *HubChannel) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *HubChannel) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *HubChannel) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *HubChannel) logError(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, args...)
	}
}
