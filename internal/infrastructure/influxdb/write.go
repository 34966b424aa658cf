package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementPollCycle       = "poll_cycle"
	measurementBusStats        = "bus_stats"
	measurementReconfiguration = "reconfiguration"
)

// WriteCycleMetric records one report cycle of a slave poller.
func (c *Client) WriteCycleMetric(deviceID string, unit uint8, read, failed int, duration time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(cyclePoint(deviceID, unit, read, failed, duration, time.Now()))
}

// WriteBusStats records a snapshot of the bus counters.
func (c *Client) WriteBusStats(reads, writes, failures, retries uint64, activeSlaves int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(busStatsPoint(reads, writes, failures, retries, activeSlaves, time.Now()))
}

// WriteReconfiguration records the outcome of applying a configuration document.
func (c *Client) WriteReconfiguration(status, slaves int, duration time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(reconfigurationPoint(status, slaves, duration, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func cyclePoint(deviceID string, unit uint8, read, failed int, duration time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementPollCycle,
		map[string]string{
			"device_id": deviceID,
			"unit":      strconv.Itoa(int(unit)),
		},
		map[string]interface{}{
			"registers_read":   int64(read),
			"registers_failed": int64(failed),
			"duration_ms":      milliseconds(duration),
		},
		ts,
	)
}

func busStatsPoint(reads, writes, failures, retries uint64, activeSlaves int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementBusStats,
		nil,
		map[string]interface{}{
			"reads":         reads,
			"writes":        writes,
			"failures":      failures,
			"retries":       retries,
			"active_slaves": int64(activeSlaves),
		},
		ts,
	)
}

func reconfigurationPoint(status, slaves int, duration time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementReconfiguration,
		map[string]string{
			"status": strconv.Itoa(status),
		},
		map[string]interface{}{
			"slaves":      int64(slaves),
			"duration_ms": milliseconds(duration),
		},
		ts,
	)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
