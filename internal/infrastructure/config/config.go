package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus modes.
const (
	BusModeRTU       = "rtu"
	BusModeTCP       = "tcp"
	BusModeSimulated = "simulated"
)

// maxUnitID is the highest addressable Modbus unit id.
const maxUnitID = 247

// Config is the root configuration structure for the gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Hub      HubConfig      `yaml:"hub"`
	Bus      BusConfig      `yaml:"bus"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig identifies the master device and tunes the device loops.
type GatewayConfig struct {
	// DeviceID is the hub identity of the master device.
	DeviceID string `yaml:"device_id"`

	// AppKey is the base64 application (group enrollment) key every device
	// key is derived from. Set via GATEWAY_APP_KEY in production.
	AppKey string `yaml:"app_key"`

	// ModelID is the device template id announced by the master.
	ModelID string `yaml:"model_id"`

	// ConfigKey is the desired-property key carrying the slave configuration.
	ConfigKey string `yaml:"config_key"`

	// DefaultInterval is the slave report interval (seconds) when the
	// configuration document does not set one.
	DefaultInterval int `yaml:"default_interval"`

	// StatusInterval is how often the master publishes gateway status (seconds).
	StatusInterval int `yaml:"status_interval"`

	// StopTimeout bounds how long stopping a poller waits for its cycle (seconds).
	StopTimeout int `yaml:"stop_timeout"`

	// RestoreConfig re-applies the last accepted configuration on startup.
	RestoreConfig bool `yaml:"restore_config"`
}

// HubConfig contains device-twin hub (IoT Hub MQTT endpoint) settings.
type HubConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	// CAFile optionally pins the root CA bundle. System roots are used when empty.
	CAFile string `yaml:"ca_file"`

	// APIVersion is sent in the MQTT username.
	APIVersion string `yaml:"api_version"`

	// SASTokenTTL is the validity of each generated SAS token (seconds).
	SASTokenTTL int `yaml:"sas_token_ttl"`

	QoS       int                `yaml:"qos"`
	Reconnect HubReconnectConfig `yaml:"reconnect"`

	// DPS assigns each device its hub through the provisioning service.
	// When enabled, Host may be left empty.
	DPS DPSConfig `yaml:"dps"`
}

// DPSConfig contains device provisioning service settings.
type DPSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	ScopeID string `yaml:"scope_id"`

	// PollInterval is the wait between registration status polls (seconds).
	PollInterval int `yaml:"poll_interval"`

	// Timeout bounds one registration (seconds).
	Timeout int `yaml:"timeout"`
}

// HubReconnectConfig bounds hub connection retries.
type HubReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`

	// MaxAttempts bounds each connect attempt cycle. 0 means a single try.
	MaxAttempts int `yaml:"max_attempts"`
}

// BusConfig contains field-bus transport settings.
type BusConfig struct {
	// Mode is "rtu", "tcp" or "simulated".
	Mode string `yaml:"mode"`

	RTU RTUConfig `yaml:"rtu"`
	TCP TCPConfig `yaml:"tcp"`

	// TimeoutMS bounds a single request/response exchange.
	TimeoutMS int `yaml:"timeout_ms"`

	Retry RetryConfig `yaml:"retry"`
}

// RTUConfig contains serial line settings.
type RTUConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
	RS485    bool   `yaml:"rs485"`
}

// TCPConfig contains Modbus/TCP settings.
type TCPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Units maps a unit id to its own "host" or "host:port".
	Units map[int]string `yaml:"units"`
}

// RetryConfig is the bus retry policy.
type RetryConfig struct {
	WaitMS   int `yaml:"wait_ms"`
	Attempts int `yaml:"attempts"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GATEWAY_SECTION_KEY
// For example: GATEWAY_APP_KEY, GATEWAY_HUB_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ConfigKey:       "config",
			DefaultInterval: 2,
			StatusInterval:  60,
			StopTimeout:     5,
			RestoreConfig:   true,
		},
		Hub: HubConfig{
			Port:        8883,
			TLS:         true,
			APIVersion:  "2021-04-12",
			SASTokenTTL: 3600,
			QoS:         1,
			Reconnect: HubReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  5,
			},
			DPS: DPSConfig{
				Host:         "global.azure-devices-provisioning.net",
				PollInterval: 3,
				Timeout:      120,
			},
		},
		Bus: BusConfig{
			Mode: BusModeRTU,
			RTU: RTUConfig{
				Device:   "/dev/ttyUSB0",
				BaudRate: 9600,
				DataBits: 8,
				Parity:   "N",
				StopBits: 1,
			},
			TCP: TCPConfig{
				Port: 502,
			},
			TimeoutMS: 1000,
			Retry: RetryConfig{
				WaitMS:   100,
				Attempts: 3,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/gateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Gateway identity
	if v := os.Getenv("GATEWAY_DEVICE_ID"); v != "" {
		cfg.Gateway.DeviceID = v
	}
	if v := os.Getenv("GATEWAY_APP_KEY"); v != "" {
		cfg.Gateway.AppKey = v
	}
	if v := os.Getenv("GATEWAY_MODEL_ID"); v != "" {
		cfg.Gateway.ModelID = v
	}

	// Hub
	if v := os.Getenv("GATEWAY_HUB_HOST"); v != "" {
		cfg.Hub.Host = v
	}
	if v := os.Getenv("GATEWAY_DPS_SCOPE_ID"); v != "" {
		cfg.Hub.DPS.ScopeID = v
	}

	// Bus
	if v := os.Getenv("GATEWAY_BUS_MODE"); v != "" {
		cfg.Bus.Mode = v
	}
	if v := os.Getenv("GATEWAY_BUS_DEVICE"); v != "" {
		cfg.Bus.RTU.Device = v
	}

	// Database
	if v := os.Getenv("GATEWAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("GATEWAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	// Gateway
	if c.Gateway.DeviceID == "" {
		errs = append(errs, "gateway.device_id is required")
	}
	if c.Gateway.AppKey == "" {
		errs = append(errs, "gateway.app_key is required (set GATEWAY_APP_KEY environment variable)")
	} else if _, err := base64.StdEncoding.DecodeString(c.Gateway.AppKey); err != nil {
		errs = append(errs, "gateway.app_key must be base64 encoded")
	}
	if c.Gateway.ConfigKey == "" {
		errs = append(errs, "gateway.config_key is required")
	}
	if c.Gateway.DefaultInterval < 1 {
		errs = append(errs, "gateway.default_interval must be at least 1 second")
	}
	if c.Gateway.StatusInterval < 1 {
		errs = append(errs, "gateway.status_interval must be at least 1 second")
	}
	if c.Gateway.StopTimeout < 1 {
		errs = append(errs, "gateway.stop_timeout must be at least 1 second")
	}

	// Hub
	if c.Hub.Host == "" && !c.Hub.DPS.Enabled {
		errs = append(errs, "hub.host is required unless hub.dps is enabled")
	}
	if c.Hub.DPS.Enabled {
		if c.Hub.DPS.ScopeID == "" {
			errs = append(errs, "hub.dps.scope_id is required when dps is enabled (set GATEWAY_DPS_SCOPE_ID environment variable)")
		}
		if c.Hub.DPS.Host == "" {
			errs = append(errs, "hub.dps.host is required when dps is enabled")
		}
		if c.Hub.DPS.PollInterval < 1 {
			errs = append(errs, "hub.dps.poll_interval must be at least 1 second")
		}
		if c.Hub.DPS.Timeout < c.Hub.DPS.PollInterval {
			errs = append(errs, "hub.dps.timeout must not be shorter than hub.dps.poll_interval")
		}
	}
	if c.Hub.Port < 1 || c.Hub.Port > 65535 {
		errs = append(errs, "hub.port must be between 1 and 65535")
	}
	if c.Hub.QoS < 0 || c.Hub.QoS > 1 {
		errs = append(errs, "hub.qos must be 0 or 1")
	}
	if c.Hub.SASTokenTTL < 60 {
		errs = append(errs, "hub.sas_token_ttl must be at least 60 seconds")
	}

	// Bus
	errs = append(errs, c.Bus.validate()...)

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (b BusConfig) validate() []string {
	var errs []string

	switch b.Mode {
	case BusModeRTU:
		if b.RTU.Device == "" {
			errs = append(errs, "bus.rtu.device is required in rtu mode")
		}
		if b.RTU.BaudRate <= 0 {
			errs = append(errs, "bus.rtu.baud_rate must be positive")
		}
		switch strings.ToUpper(b.RTU.Parity) {
		case "N", "E", "O":
		default:
			errs = append(errs, "bus.rtu.parity must be N, E or O")
		}
	case BusModeTCP:
		if b.TCP.Host == "" && len(b.TCP.Units) == 0 {
			errs = append(errs, "bus.tcp.host or bus.tcp.units is required in tcp mode")
		}
		for unit := range b.TCP.Units {
			if unit < 0 || unit > maxUnitID {
				errs = append(errs, fmt.Sprintf("bus.tcp.units: unit id %d out of range 0-%d", unit, maxUnitID))
			}
		}
	case BusModeSimulated:
	default:
		errs = append(errs, "bus.mode must be rtu, tcp or simulated")
	}

	if b.TimeoutMS < 1 {
		errs = append(errs, "bus.timeout_ms must be positive")
	}
	if b.Retry.Attempts < 1 {
		errs = append(errs, "bus.retry.attempts must be at least 1")
	}
	if b.Retry.WaitMS < 0 {
		errs = append(errs, "bus.retry.wait_ms must not be negative")
	}

	return errs
}

// GetDefaultInterval returns the default slave report interval as a Duration.
func (c *Config) GetDefaultInterval() time.Duration {
	return time.Duration(c.Gateway.DefaultInterval) * time.Second
}

// GetStatusInterval returns the master status interval as a Duration.
func (c *Config) GetStatusInterval() time.Duration {
	return time.Duration(c.Gateway.StatusInterval) * time.Second
}

// GetStopTimeout returns the poller stop timeout as a Duration.
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Gateway.StopTimeout) * time.Second
}

// GetBusTimeout returns the bus request timeout as a Duration.
func (c *Config) GetBusTimeout() time.Duration {
	return time.Duration(c.Bus.TimeoutMS) * time.Millisecond
}

// GetRetryWait returns the wait between bus attempts as a Duration.
func (c *Config) GetRetryWait() time.Duration {
	return time.Duration(c.Bus.Retry.WaitMS) * time.Millisecond
}

// GetDPSPollInterval returns the provisioning poll interval as a Duration.
func (c *Config) GetDPSPollInterval() time.Duration {
	return time.Duration(c.Hub.DPS.PollInterval) * time.Second
}

// GetDPSTimeout returns the provisioning timeout as a Duration.
func (c *Config) GetDPSTimeout() time.Duration {
	return time.Duration(c.Hub.DPS.Timeout) * time.Second
}

// GetSASTokenTTL returns the SAS token validity as a Duration.
func (c *Config) GetSASTokenTTL() time.Duration {
	return time.Duration(c.Hub.SASTokenTTL) * time.Second
}
