package modbus

import (
	"fmt"
	"strings"
)

// RegisterType identifies one of the four Modbus data tables.
type RegisterType string

// Register types, using the short tags carried in gateway configuration documents.
const (
	Coil            RegisterType = "co"
	DiscreteInput   RegisterType = "di"
	InputRegister   RegisterType = "ir"
	HoldingRegister RegisterType = "hr"
)

// ParseRegisterType converts a configuration tag into a RegisterType.
// Matching is case-insensitive and ignores surrounding whitespace.
func ParseRegisterType(s string) (RegisterType, error) {
	t := RegisterType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRegisterType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the four known register types.
func (t RegisterType) Valid() bool {
	switch t {
	case Coil, DiscreteInput, InputRegister, HoldingRegister:
		return true
	default:
		return false
	}
}

// IsBit reports whether values of this type are single bits (0 or 1).
func (t RegisterType) IsBit() bool {
	return t == Coil || t == DiscreteInput
}

// IsReadOnly reports whether the bus forbids writes to this type.
func (t RegisterType) IsReadOnly() bool {
	return t == DiscreteInput || t == InputRegister
}

// String returns the long name of the register type.
func (t RegisterType) String() string {
	switch t {
	case Coil:
		return "coil"
	case DiscreteInput:
		return "discrete-input"
	case InputRegister:
		return "input-register"
	case HoldingRegister:
		return "holding-register"
	default:
		return "unknown(" + string(t) + ")"
	}
}
