package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time paho waits for a CONNACK.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is well below the hub's idle cutoff.
	defaultKeepAlive = 60 * time.Second

	// protocolVersion selects MQTT 3.1.1, the only version the hub speaks.
	protocolVersion = 4

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Credentials identify one device on the hub.
type Credentials struct {
	ClientID string
	Username string

	// Password is called on every connect and reconnect so that short-lived
	// tokens are always fresh.
	Password func() string
}

// buildClientOptions creates paho options for one device connection.
func buildClientOptions(cfg config.HubConfig, creds Credentials) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))

	opts.SetClientID(creds.ClientID)
	opts.SetProtocolVersion(protocolVersion)

	username, password := creds.Username, creds.Password
	opts.SetCredentialsProvider(func() (string, string) {
		return username, password()
	})

	opts.SetCleanSession(true)

	// paho's own connect retry never gives up and leaks the goroutine when
	// the caller abandons Connect; the initial connect is retried by callers.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.TLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

func buildTLSConfig(cfg config.HubConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tlsMinVersion,
		ServerName: cfg.Host,
	}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading hub CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("hub CA file %s contains no certificates", cfg.CAFile)
	}
	tlsConfig.RootCAs = pool

	return tlsConfig, nil
}
