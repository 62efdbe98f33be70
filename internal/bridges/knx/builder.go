package knx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Property keys of a textual command definition.
const (
	PropertyGroupAddress = "groupAddress"
	PropertyCommand      = "command"
	PropertyDPT          = "dpt"
	PropertyValue        = "value"
)

// Fixed step codes used by the dimming commands.
const (
	dimStepCode  uint8 = 1 // one full 100% interval
	dimStopStep  uint8 = 0
	switchOnVal        = 1
	switchOffVal       = 0
)

// Definition is a textual command definition as it appears in
// configuration: a group address, free command text, a datatype id and an
// optional numeric value.
type Definition struct {
	GroupAddress string `yaml:"group_address" json:"groupAddress"`
	Command      string `yaml:"command" json:"command"`
	DPT          string `yaml:"dpt" json:"dpt"`
	Value        string `yaml:"value,omitempty" json:"value,omitempty"`
}

// UnmarshalJSON accepts the value either as a string or as a JSON number.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var raw struct {
		GroupAddress string          `json:"groupAddress"`
		Command      string          `json:"command"`
		DPT          string          `json:"dpt"`
		Value        json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.GroupAddress = raw.GroupAddress
	d.Command = raw.Command
	d.DPT = raw.DPT
	d.Value = ""

	v := bytes.TrimSpace(raw.Value)
	switch {
	case len(v) == 0 || bytes.Equal(v, []byte("null")):
	case v[0] == '"':
		if err := json.Unmarshal(v, &d.Value); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("value must be a number or string: %w", err)
		}
		d.Value = n.String()
	}
	return nil
}

// Properties returns the definition as a property bag.
func (d Definition) Properties() map[string]string {
	props := map[string]string{
		PropertyGroupAddress: d.GroupAddress,
		PropertyCommand:      d.Command,
		PropertyDPT:          d.DPT,
	}
	if d.Value != "" {
		props[PropertyValue] = d.Value
	}
	return props
}

// commandFamily is a recognised command word.
type commandFamily int

const (
	familyOn commandFamily = iota
	familyOff
	familyDimIncrease
	familyDimDecrease
	familyDimStop
	familyStatus
	familyRange
	familyScale
	familyDim
)

// commandWords is matched in order against the normalised command text, so
// longer words sharing a prefix come first.
var commandWords = []struct {
	word    string
	family  commandFamily
	numeric bool
}{
	{"SWITCHON", familyOn, false},
	{"SWITCHOFF", familyOff, false},
	{"DIMINCREASE", familyDimIncrease, false},
	{"DIMDECREASE", familyDimDecrease, false},
	{"DIMSTOP", familyDimStop, false},
	{"STATUS", familyStatus, false},
	{"RANGE", familyRange, true},
	{"SCALE", familyScale, true},
	{"DIM", familyDim, true},
	{"ON", familyOn, false},
	{"OFF", familyOff, false},
}

// CommandBuilder turns textual command definitions into Commands.
//
// It holds only an immutable registry and is safe for concurrent use.
type CommandBuilder struct {
	registry *Registry
}

// NewCommandBuilder creates a builder resolving datatypes in registry.
// A nil registry means DefaultRegistry().
func NewCommandBuilder(registry *Registry) *CommandBuilder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &CommandBuilder{registry: registry}
}

// Registry returns the datatype registry the builder resolves against.
func (b *CommandBuilder) Registry() *Registry {
	return b.registry
}

// BuildFromProperties builds a command from a property bag with the keys
// groupAddress, command, dpt and optional value.
func (b *CommandBuilder) BuildFromProperties(props map[string]string) (Command, error) {
	return b.Build(Definition{
		GroupAddress: props[PropertyGroupAddress],
		Command:      props[PropertyCommand],
		DPT:          props[PropertyDPT],
		Value:        props[PropertyValue],
	})
}

// Build resolves a definition into a GroupValueWrite or GroupValueRead.
//
// Command text is matched case-insensitively with spaces and underscores
// ignored, so "DIM INCREASE", "Dim_Increase" and "diminCrease" are the
// same command. RANGE, SCALE and DIM take their value either from a
// numeric suffix ("SCALE 100", "DIM0") or from the Value field; the suffix
// wins when both are present.
//
// Every failure wraps ErrMalformedCommand together with its cause
// (ErrInvalidGroupAddress, ErrUnknownDatapointType, ErrInvalidDPT or
// ErrValueOutOfRange). No command is returned on failure.
func (b *CommandBuilder) Build(def Definition) (Command, error) {
	if strings.TrimSpace(def.GroupAddress) == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedCommand, PropertyGroupAddress)
	}
	ga, err := ParseGroupAddress(strings.TrimSpace(def.GroupAddress))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}

	family, suffix, err := parseCommandText(def.Command)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(def.DPT) == "" {
		return nil, fmt.Errorf("%w: missing %s for %q", ErrMalformedCommand, PropertyDPT, def.Command)
	}
	dt, err := b.registry.Lookup(def.DPT)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if err := checkFamilyClass(family, dt); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrMalformedCommand, def.Command, err)
	}

	var value any
	switch family {
	case familyStatus:
		return GroupValueRead{Address: ga}, nil
	case familyOn:
		value = switchOnVal
	case familyOff:
		value = switchOffVal
	case familyDimIncrease:
		value = Control3Bit{Increase: true, StepCode: dimStepCode}
	case familyDimDecrease:
		value = Control3Bit{Increase: false, StepCode: dimStepCode}
	case familyDimStop:
		value = Control3Bit{StepCode: dimStopStep}
	case familyRange, familyScale, familyDim:
		value, err = numericArgument(def.Command, suffix, def.Value)
		if err != nil {
			return nil, err
		}
	}

	cmd, err := NewGroupValueWrite(ga, dt, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %q on %s: %w", ErrMalformedCommand, def.Command, ga, err)
	}
	return cmd, nil
}

// parseCommandText normalises command text and splits it into a family and
// the remaining suffix (only non-empty for numeric families).
func parseCommandText(text string) (commandFamily, string, error) {
	norm := normaliseCommand(text)
	if norm == "" {
		return 0, "", fmt.Errorf("%w: missing %s", ErrMalformedCommand, PropertyCommand)
	}

	for _, w := range commandWords {
		if !strings.HasPrefix(norm, w.word) {
			continue
		}
		rest := norm[len(w.word):]
		if rest == "" {
			return w.family, "", nil
		}
		if w.numeric && isNumericSuffix(rest) {
			return w.family, rest, nil
		}
	}
	return 0, "", fmt.Errorf("%w: unrecognised command %q", ErrMalformedCommand, text)
}

func normaliseCommand(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '\t':
			return -1
		}
		return r
	}, s)
}

func isNumericSuffix(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// numericArgument picks the embedded suffix over the separate value.
func numericArgument(command, suffix, value string) (float64, error) {
	arg := suffix
	if arg == "" {
		arg = strings.TrimSpace(value)
	}
	if arg == "" {
		return 0, fmt.Errorf("%w: %q requires a numeric value", ErrMalformedCommand, command)
	}
	f, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q value %q is not a number", ErrMalformedCommand, command, arg)
	}
	return f, nil
}

// checkFamilyClass rejects datatypes whose width cannot carry the command.
func checkFamilyClass(family commandFamily, dt Datatype) error {
	class := dt.Class()
	var ok bool
	switch family {
	case familyStatus:
		ok = true
	case familyOn, familyOff:
		ok = class == WidthBool1
	case familyDimIncrease, familyDimDecrease, familyDimStop:
		ok = class == WidthControl4
	case familyRange, familyScale, familyDim:
		ok = class == WidthUnsigned8 || class == WidthFloat16
	}
	if !ok {
		return fmt.Errorf("%w: %s (%s) cannot carry this command", ErrInvalidDPT, dt.ID(), class)
	}
	return nil
}

// IsMalformed reports whether err is a command definition error.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedCommand)
}
