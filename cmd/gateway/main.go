// Modbus Twin Gateway
//
// Bridges a Modbus field bus to a device-twin hub. The gateway connects as a
// master device, receives a configuration document describing virtual slave
// devices and polls their registers, publishing readings as telemetry and
// writing desired values back to the bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/modbus-twin-gateway/migrations"

	"github.com/nerrad567/modbus-twin-gateway/internal/devicekey"
	"github.com/nerrad567/modbus-twin-gateway/internal/gateway"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/config"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/database"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/modbus-twin-gateway/internal/modbus"
	"github.com/nerrad567/modbus-twin-gateway/internal/twin"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// healthCheckTimeout bounds the startup infrastructure check.
const healthCheckTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the gateway together and blocks until ctx is cancelled.
// Shutdown order: orchestrator (every slave, then the master), bus
// transport, metrics, database.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting modbus twin gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to InfluxDB (optional)
	var metrics gateway.Metrics
	influxClient, err := influxdb.Connect(cfg.InfluxDB, cfg.Gateway.DeviceID)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		log.Warn("InfluxDB unavailable, continuing without metrics", "error", err)
	default:
		influxClient.SetOnError(func(writeErr error) {
			log.Warn("InfluxDB write failed", "error", writeErr)
		})
		metrics = influxClient
		defer func() {
			log.Info("closing InfluxDB")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	if hcErr := healthCheck(ctx, db, influxClient); hcErr != nil {
		log.Warn("startup health check failed", "error", hcErr)
	}

	// Open the field bus
	transport, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("opening bus: %w", err)
	}
	busClient := modbus.NewClient(transport, modbus.RetryPolicy{
		Wait:     cfg.GetRetryWait(),
		Attempts: cfg.Bus.Retry.Attempts,
	})
	busClient.SetLogger(log)
	defer func() {
		log.Info("closing bus transport")
		if closeErr := busClient.Close(); closeErr != nil {
			log.Error("error closing bus transport", "error", closeErr)
		}
	}()
	log.Info("bus ready", "mode", cfg.Bus.Mode)

	// Master device
	newChannel, err := newChannelFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("creating channel factory: %w", err)
	}
	master, err := newChannel(cfg.Gateway.DeviceID, cfg.Gateway.ModelID)
	if err != nil {
		return fmt.Errorf("creating master channel: %w", err)
	}

	orchestrator, err := gateway.NewOrchestrator(gateway.OrchestratorOptions{
		Channel:         master,
		Bus:             busClient,
		NewChannel:      newChannel,
		ConfigKey:       cfg.Gateway.ConfigKey,
		DefaultInterval: cfg.GetDefaultInterval(),
		StopTimeout:     cfg.GetStopTimeout(),
		StatusInterval:  cfg.GetStatusInterval(),
		Store:           gateway.NewSQLiteStore(db),
		Restore:         cfg.Gateway.RestoreConfig,
		Stats:           busClient,
		Metrics:         metrics,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if startErr := orchestrator.Start(ctx); startErr != nil {
		return fmt.Errorf("starting gateway: %w", startErr)
	}
	defer orchestrator.Stop()

	log.Info("gateway ready", "hub", cfg.Hub.Host, "dps", cfg.Hub.DPS.Enabled, "units", orchestrator.UnitIDs())

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns the configuration file path.
// Checks GATEWAY_CONFIG environment variable first, then uses default.
func getConfigPath() string {
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildTransport opens the bus transport selected by cfg.Bus.Mode.
func buildTransport(cfg *config.Config) (modbus.Transport, error) {
	timeout := cfg.GetBusTimeout()

	switch cfg.Bus.Mode {
	case config.BusModeRTU:
		return modbus.NewRTUTransport(modbus.RTUConfig{
			Device:   cfg.Bus.RTU.Device,
			BaudRate: cfg.Bus.RTU.BaudRate,
			DataBits: cfg.Bus.RTU.DataBits,
			Parity:   cfg.Bus.RTU.Parity,
			StopBits: cfg.Bus.RTU.StopBits,
			Timeout:  timeout,
			RS485:    cfg.Bus.RTU.RS485,
		}), nil

	case config.BusModeTCP:
		units := make(map[uint8]string, len(cfg.Bus.TCP.Units))
		for id, host := range cfg.Bus.TCP.Units {
			units[uint8(id)] = host //nolint:gosec // Validated to 0-247 by config
		}
		return modbus.NewTCPTransport(modbus.TCPConfig{
			Host:    cfg.Bus.TCP.Host,
			Port:    cfg.Bus.TCP.Port,
			Units:   units,
			Timeout: timeout,
		}), nil

	case config.BusModeSimulated:
		return modbus.NewSimulatedTransport(), nil

	default:
		return nil, fmt.Errorf("unknown bus mode %q", cfg.Bus.Mode)
	}
}

// newChannelFactory returns a factory for hub channels. Each device gets
// its own key derived from the application key and its own MQTT session.
// With DPS enabled every device is first registered with the provisioning
// service, which names the hub it connects to.
func newChannelFactory(cfg *config.Config, log *logging.Logger) (gateway.ChannelFactory, error) {
	dial := func(ctx context.Context, host string, creds mqtt.Credentials) (twin.Broker, error) {
		hubCfg := cfg.Hub
		hubCfg.Host = host
		client, err := mqtt.Connect(ctx, hubCfg, creds)
		if err != nil {
			return nil, err
		}
		client.SetLogger(log)
		return client, nil
	}

	var resolve twin.HostResolver
	if cfg.Hub.DPS.Enabled {
		provisioner, err := twin.NewProvisioner(twin.ProvisioningOptions{
			Host:         cfg.Hub.DPS.Host,
			ScopeID:      cfg.Hub.DPS.ScopeID,
			PollInterval: cfg.GetDPSPollInterval(),
			Timeout:      cfg.GetDPSTimeout(),
			TokenTTL:     cfg.GetSASTokenTTL(),
			QoS:          byte(cfg.Hub.QoS), //nolint:gosec // Validated to 0-1 by config
			Dial:         dial,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		resolve = provisioner.Resolve
	}

	return func(deviceID, modelID string) (twin.Channel, error) {
		key, err := devicekey.Derive(cfg.Gateway.AppKey, deviceID)
		if err != nil {
			return nil, fmt.Errorf("deriving key for %s: %w", deviceID, err)
		}

		ch, err := twin.NewHubChannel(twin.HubOptions{
			DeviceID:     deviceID,
			ModelID:      modelID,
			HubHost:      cfg.Hub.Host,
			Resolve:      resolve,
			APIVersion:   cfg.Hub.APIVersion,
			DeviceKey:    key,
			TokenTTL:     cfg.GetSASTokenTTL(),
			QoS:          byte(cfg.Hub.QoS), //nolint:gosec // Validated to 0-1 by config
			InitialDelay: time.Duration(cfg.Hub.Reconnect.InitialDelay) * time.Second,
			MaxDelay:     time.Duration(cfg.Hub.Reconnect.MaxDelay) * time.Second,
			MaxAttempts:  cfg.Hub.Reconnect.MaxAttempts,
			Dial:         dial,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, nil
}

// healthCheck verifies the local infrastructure is usable.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("database: migration status: %w", err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("database: %d migrations pending, first %s", len(pending), pending[0].Version)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
