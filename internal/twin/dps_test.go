package twin

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/mqtt"
)

const testScopeID = "0ne0004E04A"

// provisioningReply is one scripted answer of the provisioning service.
type provisioningReply struct {
	status     int
	retryAfter int
	body       string
}

// fakeProvisioningService answers each publish on a MockBroker with the
// next scripted reply, echoing the request id.
type fakeProvisioningService struct {
	mu      sync.Mutex
	replies []provisioningReply
	dials   int
	hosts   []string
	creds   mqtt.Credentials
	brokers []*MockBroker
}

func (f *fakeProvisioningService) dial(_ context.Context, host string, creds mqtt.Credentials) (Broker, error) {
	broker := NewMockBroker()
	broker.onPublish = func(msg mockPublish) {
		f.mu.Lock()
		if len(f.replies) == 0 {
			f.mu.Unlock()
			return
		}
		reply := f.replies[0]
		f.replies = f.replies[1:]
		f.mu.Unlock()

		_, query, _ := strings.Cut(msg.Topic, "/?")
		topic := provisioningResponsePrefix + strconv.Itoa(reply.status) + "/?$rid=" + queryValue(query, "$rid")
		if reply.retryAfter > 0 {
			topic += "&retry-after=" + strconv.Itoa(reply.retryAfter)
		}
		go broker.SimulateMessage(topic, []byte(reply.body)) //nolint:errcheck // Handler errors surface as timeouts
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.hosts = append(f.hosts, host)
	f.creds = creds
	f.brokers = append(f.brokers, broker)
	return broker, nil
}

func newTestProvisioner(t *testing.T, replies ...provisioningReply) (*Provisioner, *fakeProvisioningService) {
	t.Helper()
	svc := &fakeProvisioningService{replies: replies}
	p, err := NewProvisioner(ProvisioningOptions{
		ScopeID:      testScopeID,
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
		QoS:          1,
		Dial:         svc.dial,
	})
	if err != nil {
		t.Fatalf("NewProvisioner() error = %v", err)
	}
	return p, svc
}

const (
	assigningReply = `{"operationId": "op-1", "status": "assigning"}`
	assignedReply  = `{"operationId": "op-1", "status": "assigned",
		"registrationState": {"assignedHub": "assigned.azure-devices.net", "deviceId": "slave-01", "status": "assigned"}}`
)

// =============================================================================
// Topic Tests
// =============================================================================

func TestProvisioningTopics(t *testing.T) {
	if got := RegisterTopic("7"); got != "$dps/registrations/PUT/iotdps-register/?$rid=7" {
		t.Errorf("RegisterTopic() = %q", got)
	}
	if got := OperationStatusTopic("8", "op-1"); got != "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=8&operationId=op-1" {
		t.Errorf("OperationStatusTopic() = %q", got)
	}
	if got := ProvisioningUsername(testScopeID, "slave-01"); got != "0ne0004E04A/registrations/slave-01/api-version=2019-03-31" {
		t.Errorf("ProvisioningUsername() = %q", got)
	}
}

func TestParseProvisioningResponseTopic(t *testing.T) {
	tests := []struct {
		topic      string
		status     int
		rid        string
		retryAfter time.Duration
		ok         bool
	}{
		{"$dps/registrations/res/202/?$rid=1&retry-after=3", 202, "1", 3 * time.Second, true},
		{"$dps/registrations/res/200/?$rid=abc", 200, "abc", 0, true},
		{"$dps/registrations/res/401/?$rid=2&retry-after=x", 401, "2", 0, true},
		{"$dps/registrations/res/200/?retry-after=3", 200, "", 0, false},
		{"$dps/registrations/res/ok/?$rid=1", 0, "", 0, false},
		{"$iothub/twin/res/200/?$rid=1", 0, "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			status, rid, retryAfter, ok := ParseProvisioningResponseTopic(tt.topic)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if status != tt.status || rid != tt.rid || retryAfter != tt.retryAfter {
				t.Errorf("= %d %q %v, want %d %q %v", status, rid, retryAfter, tt.status, tt.rid, tt.retryAfter)
			}
		})
	}
}

// =============================================================================
// Registration Tests
// =============================================================================

func TestNewProvisioner_Validation(t *testing.T) {
	svc := &fakeProvisioningService{}
	if _, err := NewProvisioner(ProvisioningOptions{Dial: svc.dial}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("NewProvisioner() without scope error = %v, want ErrInvalidOptions", err)
	}
	if _, err := NewProvisioner(ProvisioningOptions{ScopeID: testScopeID}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("NewProvisioner() without dialer error = %v, want ErrInvalidOptions", err)
	}
}

func TestProvisioner_AssignedAfterPolling(t *testing.T) {
	p, svc := newTestProvisioner(t,
		provisioningReply{status: 202, body: assigningReply},
		provisioningReply{status: 202, body: assigningReply},
		provisioningReply{status: 200, body: assignedReply},
	)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	reg, err := p.Register(context.Background(), "slave-01", "dtmi:example:slave;1", testDeviceKey(t, "slave-01"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.AssignedHub != "assigned.azure-devices.net" || reg.DeviceID != "slave-01" {
		t.Errorf("Register() = %+v, want assigned hub for slave-01", reg)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.hosts) != 1 || svc.hosts[0] != DefaultProvisioningHost {
		t.Errorf("dialled %v, want %s", svc.hosts, DefaultProvisioningHost)
	}
	if svc.creds.ClientID != "slave-01" || svc.creds.Username != ProvisioningUsername(testScopeID, "slave-01") {
		t.Errorf("credentials = %q / %q", svc.creds.ClientID, svc.creds.Username)
	}
	password := svc.creds.Password()
	if !strings.HasPrefix(password, "SharedAccessSignature sr=0ne0004E04A%2Fregistrations%2Fslave-01&sig=") ||
		!strings.HasSuffix(password, "&se=1700003600&skn=registration") {
		t.Errorf("Password = %q, want registration token", password)
	}

	broker := svc.brokers[0]
	if filters := broker.Filters(); len(filters) != 1 || filters[0] != ProvisioningResponseFilter {
		t.Errorf("subscribed %v, want %s", filters, ProvisioningResponseFilter)
	}
	published := broker.GetPublished()
	if len(published) != 3 {
		t.Fatalf("published %d messages, want register and two polls", len(published))
	}
	if !strings.HasPrefix(published[0].Topic, "$dps/registrations/PUT/iotdps-register/?$rid=") {
		t.Errorf("first publish = %q, want register request", published[0].Topic)
	}
	var req struct {
		RegistrationID string `json:"registrationId"`
		Payload        struct {
			ModelID string `json:"modelId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(published[0].Payload, &req); err != nil {
		t.Fatalf("register payload %s: %v", published[0].Payload, err)
	}
	if req.RegistrationID != "slave-01" || req.Payload.ModelID != "dtmi:example:slave;1" {
		t.Errorf("register payload = %+v", req)
	}
	for _, poll := range published[1:] {
		if !strings.HasPrefix(poll.Topic, "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=") ||
			!strings.HasSuffix(poll.Topic, "&operationId=op-1") {
			t.Errorf("poll = %q, want operation status of op-1", poll.Topic)
		}
	}
	if !broker.IsClosed() {
		t.Error("provisioning session should be closed after registration")
	}
}

func TestProvisioner_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		reply provisioningReply
	}{
		{"unauthorized", provisioningReply{status: 401, body: `{"errorCode": 401002, "message": "unauthorized"}`}},
		{"disabled", provisioningReply{status: 200, body: `{"operationId": "op-1", "status": "disabled"}`}},
		{"failed", provisioningReply{status: 200, body: `{"operationId": "op-1", "status": "failed",
			"registrationState": {"status": "failed", "errorMessage": "enrollment not found"}}`}},
		{"assigned without hub", provisioningReply{status: 200, body: `{"operationId": "op-1", "status": "assigned"}`}},
		{"assigning without operation", provisioningReply{status: 202, body: `{"status": "assigning"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvisioner(t, tt.reply)
			_, err := p.Register(context.Background(), "slave-01", "", testDeviceKey(t, "slave-01"))
			if !errors.Is(err, ErrProvisioningFailed) {
				t.Errorf("Register() error = %v, want ErrProvisioningFailed", err)
			}
		})
	}
}

func TestProvisioner_Timeout(t *testing.T) {
	p, svc := newTestProvisioner(t)
	p.opts.Timeout = 20 * time.Millisecond

	_, err := p.Register(context.Background(), "slave-01", "", testDeviceKey(t, "slave-01"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Register() error = %v, want deadline exceeded", err)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.brokers[0].IsClosed() {
		t.Error("provisioning session should be closed after a timeout")
	}
}

func TestProvisioner_InvalidKey(t *testing.T) {
	p, svc := newTestProvisioner(t)
	if _, err := p.Register(context.Background(), "slave-01", "", "***"); !errors.Is(err, ErrProvisioningFailed) {
		t.Errorf("Register() error = %v, want ErrProvisioningFailed", err)
	}
	if svc.dials != 0 {
		t.Errorf("dials = %d, want none for an unusable key", svc.dials)
	}
}

func TestProvisioner_ResolveCachesAssignment(t *testing.T) {
	p, svc := newTestProvisioner(t, provisioningReply{status: 200, body: assignedReply})
	key := testDeviceKey(t, "slave-01")

	for i := 0; i < 2; i++ {
		hub, err := p.Resolve(context.Background(), "slave-01", "", key)
		if err != nil {
			t.Fatalf("Resolve() #%d error = %v", i, err)
		}
		if hub != "assigned.azure-devices.net" {
			t.Errorf("Resolve() #%d = %q, want assigned hub", i, hub)
		}
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.dials != 1 {
		t.Errorf("dials = %d, want a single registration", svc.dials)
	}
}

func TestProvisioner_ResolvesHubChannel(t *testing.T) {
	p, _ := newTestProvisioner(t, provisioningReply{status: 200, body: assignedReply})

	var dialled string
	opts := testHubOptions(t, func(_ context.Context, host string, _ mqtt.Credentials) (Broker, error) {
		dialled = host
		return NewMockBroker(), nil
	})
	opts.HubHost = ""
	opts.Resolve = p.Resolve

	ch, err := NewHubChannel(opts)
	if err != nil {
		t.Fatalf("NewHubChannel() error = %v", err)
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dialled != "assigned.azure-devices.net" {
		t.Errorf("hub channel dialled %q, want the assigned hub", dialled)
	}
}
