// Package influxdb records gateway operating metrics in InfluxDB.
//
// It wraps influxdb-client-go v2 with non-blocking batched writes. Only the
// gateway's own behaviour is recorded (poll cycles, bus counters,
// reconfigurations); register values go to the hub, not here.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Gateway.DeviceID)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics are optional
//	}
//	defer client.Close()
//
//	client.WriteCycleMetric("slave-01", 3, 4, 0, 35*time.Millisecond)
//
// # Measurements
//
//	poll_cycle       tags device_id, unit      fields registers_read, registers_failed, duration_ms
//	bus_stats        (gateway_id only)         fields reads, writes, failures, retries, active_slaves
//	reconfiguration  tags status               fields slaves, duration_ms
//
// Every point carries a gateway_id default tag.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Write errors are delivered
// asynchronously to the SetOnError callback.
package influxdb
