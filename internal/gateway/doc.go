// Package gateway implements the master and slave devices of the Modbus
// twin gateway.
//
// The Orchestrator is the master: it holds the master's hub channel and
// waits for a configuration document under the "config" desired property.
// Each accepted document fully replaces the set of Pollers. Every new
// poller is built before any old one is stopped, so a document that fails
// to parse, validate or build leaves the running set untouched.
//
// A Poller is a slave: it owns the registers of one bus unit, publishes the
// read-only ones as telemetry every interval and writes desired values for
// the writable ones back to the bus.
//
// Configuration document:
//
//	{
//	  "modelId": "dtmi:example:slave;1",
//	  "updateInterval": 5,
//	  "activeRegisters": [{"registerName": "temp", "address": 0, "type": "ir"}],
//	  "slaves": [
//	    {"deviceId": "slave-01", "slaveId": 1},
//	    {"deviceId": "slave-02", "slaveId": 2, "activeRegisters": [
//	      {"registerName": "led", "address": 0, "type": "co"}
//	    ]}
//	  ]
//	}
//
// Slaves without their own modelId, updateInterval or activeRegisters take
// the top-level values.
//
// The applied document is persisted through a ConfigStore (SQLiteStore in
// production) and re-applied on the next Start.
package gateway
