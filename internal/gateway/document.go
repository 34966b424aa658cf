package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/modbus"
)

// Addressable Modbus unit ids. Unit 0 is the broadcast address and never
// answers a read.
const (
	minUnitID = 1
	maxUnitID = 247
)

// RegisterSpec is one named register of a slave as it appears in the
// configuration document. Type is checked when the poller is built.
type RegisterSpec struct {
	Name    string
	Address uint16
	Type    string
}

// SlaveConfig describes one virtual slave device after inheritance from the
// document's top-level fields.
type SlaveConfig struct {
	DeviceID  string
	UnitID    uint8
	ModelID   string
	Registers []RegisterSpec

	// Interval is zero when neither the slave nor the document sets one.
	Interval time.Duration
}

// Document is a parsed configuration document.
type Document struct {
	ModelID   string
	Interval  time.Duration
	Registers []RegisterSpec
	Slaves    []SlaveConfig

	// Source is the compacted JSON the document was parsed from.
	Source json.RawMessage
}

// Wire shapes. Pointers mark fields whose absence must be detected.
type registerJSON struct {
	Name    *string `json:"registerName"`
	Address *int64  `json:"address"`
	Type    *string `json:"type"`
}

type slaveJSON struct {
	DeviceID        *string         `json:"deviceId"`
	SlaveID         *int64          `json:"slaveId"`
	ModelID         string          `json:"modelId"`
	ActiveRegisters *[]registerJSON `json:"activeRegisters"`
	UpdateInterval  *int64          `json:"updateInterval"`
}

type documentJSON struct {
	ModelID         string         `json:"modelId"`
	UpdateInterval  *int64         `json:"updateInterval"`
	ActiveRegisters []registerJSON `json:"activeRegisters"`
	Slaves          *[]slaveJSON   `json:"slaves"`
}

// ParseDocument parses and validates a configuration document.
//
// Slaves inherit modelId, updateInterval and activeRegisters from the top
// level when they omit their own.
//
// Parameters:
//   - raw: the document object itself, or a JSON string containing it
//
// Returns:
//   - *Document: the parsed document with inheritance applied
//   - error: wraps ErrConfigParse for malformed input or missing fields,
//     ErrConfigValidation for rule violations
func ParseDocument(raw []byte) (*Document, error) {
	source, err := documentSource(raw)
	if err != nil {
		return nil, err
	}

	var dj documentJSON
	if err := json.Unmarshal(source, &dj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	if dj.Slaves == nil {
		return nil, fmt.Errorf("%w: missing field slaves", ErrConfigParse)
	}

	doc := &Document{
		ModelID: dj.ModelID,
		Source:  source,
	}
	if doc.Interval, err = parseInterval(dj.UpdateInterval, "updateInterval"); err != nil {
		return nil, err
	}
	if doc.Registers, err = parseRegisters(dj.ActiveRegisters, "activeRegisters"); err != nil {
		return nil, err
	}

	doc.Slaves = make([]SlaveConfig, 0, len(*dj.Slaves))
	for i, sj := range *dj.Slaves {
		slave, err := parseSlave(sj, i, doc)
		if err != nil {
			return nil, err
		}
		doc.Slaves = append(doc.Slaves, slave)
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// documentSource unwraps a string-encoded document and compacts it.
func documentSource(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty document", ErrConfigParse)
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigParse, err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: document must be a JSON object", ErrConfigParse)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	return buf.Bytes(), nil
}

func parseSlave(sj slaveJSON, index int, doc *Document) (SlaveConfig, error) {
	where := fmt.Sprintf("slaves[%d]", index)

	if sj.DeviceID == nil {
		return SlaveConfig{}, fmt.Errorf("%w: %s: missing field deviceId", ErrConfigParse, where)
	}
	if sj.SlaveID == nil {
		return SlaveConfig{}, fmt.Errorf("%w: %s: missing field slaveId", ErrConfigParse, where)
	}

	slave := SlaveConfig{
		DeviceID:  strings.TrimSpace(*sj.DeviceID),
		ModelID:   sj.ModelID,
		Registers: doc.Registers,
		Interval:  doc.Interval,
	}
	if slave.DeviceID == "" {
		return SlaveConfig{}, fmt.Errorf("%w: %s: deviceId is empty", ErrConfigValidation, where)
	}
	if *sj.SlaveID < minUnitID || *sj.SlaveID > maxUnitID {
		return SlaveConfig{}, fmt.Errorf("%w: %s: slaveId %d out of range %d-%d",
			ErrConfigValidation, where, *sj.SlaveID, minUnitID, maxUnitID)
	}
	slave.UnitID = uint8(*sj.SlaveID) //nolint:gosec // Range checked above

	if slave.ModelID == "" {
		slave.ModelID = doc.ModelID
	}
	if sj.ActiveRegisters != nil {
		regs, err := parseRegisters(*sj.ActiveRegisters, where+".activeRegisters")
		if err != nil {
			return SlaveConfig{}, err
		}
		slave.Registers = regs
	}
	if sj.UpdateInterval != nil {
		interval, err := parseInterval(sj.UpdateInterval, where+".updateInterval")
		if err != nil {
			return SlaveConfig{}, err
		}
		slave.Interval = interval
	}
	return slave, nil
}

func parseRegisters(list []registerJSON, where string) ([]RegisterSpec, error) {
	regs := make([]RegisterSpec, 0, len(list))
	for i, rj := range list {
		at := fmt.Sprintf("%s[%d]", where, i)
		switch {
		case rj.Name == nil:
			return nil, fmt.Errorf("%w: %s: missing field registerName", ErrConfigParse, at)
		case rj.Address == nil:
			return nil, fmt.Errorf("%w: %s: missing field address", ErrConfigParse, at)
		case rj.Type == nil:
			return nil, fmt.Errorf("%w: %s: missing field type", ErrConfigParse, at)
		}
		if *rj.Address < 0 || *rj.Address > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %s: address %d out of range", ErrConfigValidation, at, *rj.Address)
		}
		if strings.TrimSpace(*rj.Name) == "" {
			return nil, fmt.Errorf("%w: %s: registerName is empty", ErrConfigValidation, at)
		}
		regs = append(regs, RegisterSpec{
			Name:    *rj.Name,
			Address: uint16(*rj.Address), //nolint:gosec // Range checked above
			Type:    *rj.Type,
		})
	}
	return regs, nil
}

func parseInterval(seconds *int64, where string) (time.Duration, error) {
	if seconds == nil {
		return 0, nil
	}
	if *seconds <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %d", ErrConfigValidation, where, *seconds)
	}
	return time.Duration(*seconds) * time.Second, nil
}

// validateDocument checks the cross-slave and per-slave uniqueness rules.
func validateDocument(doc *Document) error {
	devices := make(map[string]bool, len(doc.Slaves))
	units := make(map[uint8]string, len(doc.Slaves))

	for _, s := range doc.Slaves {
		if devices[s.DeviceID] {
			return fmt.Errorf("%w: duplicate deviceId %q", ErrConfigValidation, s.DeviceID)
		}
		devices[s.DeviceID] = true

		if other, ok := units[s.UnitID]; ok {
			return fmt.Errorf("%w: slaveId %d used by both %q and %q",
				ErrConfigValidation, s.UnitID, other, s.DeviceID)
		}
		units[s.UnitID] = s.DeviceID

		if err := validateRegisters(s); err != nil {
			return err
		}
	}
	return nil
}

// validateRegisters checks name uniqueness and address collisions. Tags
// that spell the same register type ("hr", " HR") collide; unknown tags are
// left for poller construction to reject.
func validateRegisters(s SlaveConfig) error {
	type location struct {
		regType modbus.RegisterType
		address uint16
	}
	names := make(map[string]bool, len(s.Registers))
	locations := make(map[location]string, len(s.Registers))

	for _, r := range s.Registers {
		if names[r.Name] {
			return fmt.Errorf("%w: %s: duplicate register name %q", ErrConfigValidation, s.DeviceID, r.Name)
		}
		names[r.Name] = true

		t, err := modbus.ParseRegisterType(r.Type)
		if err != nil {
			continue
		}
		loc := location{regType: t, address: r.Address}
		if other, ok := locations[loc]; ok {
			return fmt.Errorf("%w: %s: registers %q and %q both map to %s %d",
				ErrConfigValidation, s.DeviceID, other, r.Name, t, r.Address)
		}
		locations[loc] = r.Name
	}
	return nil
}
