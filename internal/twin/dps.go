package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/modbus-twin-gateway/internal/devicekey"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/mqtt"
)

// Device provisioning service (DPS) protocol constants.
const (
	// DefaultProvisioningHost is the global provisioning endpoint.
	DefaultProvisioningHost = "global.azure-devices-provisioning.net"

	// ProvisioningAPIVersion is sent in the provisioning username.
	ProvisioningAPIVersion = "2019-03-31"

	// ProvisioningResponseFilter receives every registration response.
	ProvisioningResponseFilter = "$dps/registrations/res/#"

	provisioningResponsePrefix = "$dps/registrations/res/"
	provisioningPolicy         = "registration"

	defaultPollInterval        = 3 * time.Second
	defaultProvisioningTimeout = 2 * time.Minute
)

// Registration operation states reported by the provisioning service.
const (
	registrationAssigning = "assigning"
	registrationAssigned  = "assigned"
)

// RegisterTopic returns the topic starting a registration.
func RegisterTopic(rid string) string {
	return "$dps/registrations/PUT/iotdps-register/?$rid=" + rid
}

// OperationStatusTopic returns the topic polling a pending registration.
func OperationStatusTopic(rid, operationID string) string {
	return "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=" + rid + "&operationId=" + operationID
}

// ProvisioningUsername builds the MQTT username for a registration.
func ProvisioningUsername(scopeID, registrationID string) string {
	return scopeID + "/registrations/" + registrationID + "/api-version=" + ProvisioningAPIVersion
}

// ParseProvisioningResponseTopic extracts the status, request id and the
// optional retry-after hint from
// $dps/registrations/res/{status}/?$rid={rid}[&retry-after={seconds}].
func ParseProvisioningResponseTopic(topic string) (status int, rid string, retryAfter time.Duration, ok bool) {
	rest, found := strings.CutPrefix(topic, provisioningResponsePrefix)
	if !found {
		return 0, "", 0, false
	}
	code, query, found := strings.Cut(rest, "/?")
	if !found {
		return 0, "", 0, false
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", 0, false
	}
	rid = queryValue(query, "$rid")
	if secs, err := strconv.Atoi(queryValue(query, "retry-after")); err == nil && secs > 0 {
		retryAfter = time.Duration(secs) * time.Second
	}
	return status, rid, retryAfter, rid != ""
}

// HostResolver returns the hub a device should connect to.
type HostResolver func(ctx context.Context, deviceID, modelID, deviceKey string) (string, error)

// ProvisioningOptions configures a Provisioner.
type ProvisioningOptions struct {
	// Host is the provisioning endpoint. Default: DefaultProvisioningHost.
	Host string

	// ScopeID identifies the application's enrollment group.
	ScopeID string

	// PollInterval is the wait between status polls when the service gives
	// no retry-after hint. Default: 3 seconds.
	PollInterval time.Duration

	// Timeout bounds one registration. Default: 2 minutes.
	Timeout time.Duration

	// TokenTTL is the validity of the registration SAS token. Default: 1 hour.
	TokenTTL time.Duration

	QoS    byte
	Dial   Dialer
	Logger Logger
}

// Registration is the outcome of a successful provisioning.
type Registration struct {
	DeviceID    string
	AssignedHub string
}

type registerRequest struct {
	RegistrationID string            `json:"registrationId"`
	Payload        *registerModelRef `json:"payload,omitempty"`
}

type registerModelRef struct {
	ModelID string `json:"modelId"`
}

type operationStatus struct {
	OperationID       string `json:"operationId"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	RegistrationState struct {
		AssignedHub  string `json:"assignedHub"`
		DeviceID     string `json:"deviceId"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"registrationState"`
}

type provisioningResponse struct {
	status     int
	rid        string
	retryAfter time.Duration
	body       operationStatus
}

// Provisioner registers devices with the provisioning service and
// remembers the hub each one was assigned.
//
// Thread Safety: All methods are safe for concurrent use.
type Provisioner struct {
	opts ProvisioningOptions
	now  func() time.Time

	assigned map[string]Registration
	mu       sync.Mutex
}

// NewProvisioner creates a provisioner.
//
// Parameters:
//   - opts: ScopeID and Dial are required; zero durations select defaults
//
// Returns:
//   - *Provisioner: with an empty assignment cache
//   - error: ErrInvalidOptions if a required option is missing
func NewProvisioner(opts ProvisioningOptions) (*Provisioner, error) {
	if opts.ScopeID == "" {
		return nil, fmt.Errorf("%w: provisioning scope id is required", ErrInvalidOptions)
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidOptions)
	}
	if opts.Host == "" {
		opts.Host = DefaultProvisioningHost
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProvisioningTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	return &Provisioner{
		opts:     opts,
		now:      time.Now,
		assigned: make(map[string]Registration),
	}, nil
}

// Resolve returns the hub assigned to deviceID, registering the device on
// first use. It satisfies HostResolver.
func (p *Provisioner) Resolve(ctx context.Context, deviceID, modelID, deviceKey string) (string, error) {
	p.mu.Lock()
	reg, ok := p.assigned[deviceID]
	p.mu.Unlock()
	if ok {
		return reg.AssignedHub, nil
	}

	reg, err := p.Register(ctx, deviceID, modelID, deviceKey)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.assigned[deviceID] = reg
	p.mu.Unlock()
	return reg.AssignedHub, nil
}

// Register runs one registration: it publishes the register request, then
// polls the operation until the service assigns a hub or gives up.
//
// Parameters:
//   - ctx: cancels the registration; Timeout applies on top of it
//   - deviceID: the registration id, also the MQTT client id
//   - modelID: sent as the registration payload when not empty
//   - deviceKey: the base64 key derived for deviceID
//
// Returns:
//   - Registration: the assigned hub
//   - error: ErrProvisioningFailed when the service rejects the device,
//     or the dial, publish or context error
func (p *Provisioner) Register(ctx context.Context, deviceID, modelID, deviceKey string) (Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	resource := devicekey.ProvisioningResourceURI(p.opts.ScopeID, deviceID)
	if _, err := devicekey.SASTokenWithPolicy(resource, deviceKey, p.now(), provisioningPolicy); err != nil {
		return Registration{}, fmt.Errorf("%w: %s: %w", ErrProvisioningFailed, deviceID, err)
	}
	creds := mqtt.Credentials{
		ClientID: deviceID,
		Username: ProvisioningUsername(p.opts.ScopeID, deviceID),
		Password: func() string {
			token, _ := devicekey.SASTokenWithPolicy(resource, deviceKey, p.now().Add(p.opts.TokenTTL), provisioningPolicy) //nolint:errcheck // Key checked above
			return token
		},
	}

	broker, err := p.opts.Dial(ctx, p.opts.Host, creds)
	if err != nil {
		return Registration{}, fmt.Errorf("connecting %s to provisioning service: %w", deviceID, err)
	}
	defer broker.Close() //nolint:errcheck // Session is single use

	responses := make(chan provisioningResponse, 8)
	handler := func(topic string, payload []byte) error {
		status, rid, retryAfter, ok := ParseProvisioningResponseTopic(topic)
		if !ok {
			return fmt.Errorf("%w: provisioning topic %q", ErrInvalidPayload, topic)
		}
		var body operationStatus
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &body); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
		}
		select {
		case responses <- provisioningResponse{status: status, rid: rid, retryAfter: retryAfter, body: body}:
		case <-ctx.Done():
		}
		return nil
	}
	if err := broker.Subscribe(ProvisioningResponseFilter, p.opts.QoS, handler); err != nil {
		return Registration{}, fmt.Errorf("subscribing %s: %w", ProvisioningResponseFilter, err)
	}

	req := registerRequest{RegistrationID: deviceID}
	if modelID != "" {
		req.Payload = &registerModelRef{ModelID: modelID}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Registration{}, fmt.Errorf("encoding registration: %w", err)
	}
	rid := uuid.NewString()
	if err := broker.Publish(RegisterTopic(rid), body, p.opts.QoS, false); err != nil {
		return Registration{}, fmt.Errorf("publishing registration of %s: %w", deviceID, err)
	}
	p.logDebug("registration requested", "device_id", deviceID, "scope_id", p.opts.ScopeID)

	for {
		var resp provisioningResponse
		select {
		case <-ctx.Done():
			return Registration{}, fmt.Errorf("provisioning %s: %w", deviceID, ctx.Err())
		case resp = <-responses:
		}
		if resp.rid != rid {
			continue
		}

		state := resp.body.Status
		switch {
		case resp.status >= 300 || (state != registrationAssigning && state != registrationAssigned):
			return Registration{}, fmt.Errorf("%w: %s: status %d %s", ErrProvisioningFailed, deviceID, resp.status, resp.body.reason())
		case state == registrationAssigned:
			hub := resp.body.RegistrationState.AssignedHub
			if hub == "" {
				return Registration{}, fmt.Errorf("%w: %s: assigned without a hub", ErrProvisioningFailed, deviceID)
			}
			p.logInfo("device provisioned", "device_id", deviceID, "hub", hub)
			return Registration{DeviceID: deviceID, AssignedHub: hub}, nil
		}

		if resp.body.OperationID == "" {
			return Registration{}, fmt.Errorf("%w: %s: pending without an operation id", ErrProvisioningFailed, deviceID)
		}
		wait := resp.retryAfter
		if wait <= 0 {
			wait = p.opts.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Registration{}, fmt.Errorf("provisioning %s: %w", deviceID, ctx.Err())
		case <-timer.C:
		}

		rid = uuid.NewString()
		if err := broker.Publish(OperationStatusTopic(rid, resp.body.OperationID), nil, p.opts.QoS, false); err != nil {
			return Registration{}, fmt.Errorf("polling registration of %s: %w", deviceID, err)
		}
	}
}

func (s operationStatus) reason() string {
	switch {
	case s.RegistrationState.ErrorMessage != "":
		return s.RegistrationState.ErrorMessage
	case s.Message != "":
		return s.Message
	case s.Status != "":
		return s.Status
	}
	return "no reason given"
}

func (p *Provisioner) logDebug(msg string, args ...any) {
	if p.opts.Logger != nil {
		p.opts.Logger.Debug(msg, args...)
	}
}

func (p *Provisioner) logInfo(msg string, args ...any) {
	if p.opts.Logger != nil {
		p.opts.Logger.Info(msg, args...)
	}
}
