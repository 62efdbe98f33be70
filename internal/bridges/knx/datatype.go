package knx

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WidthClass is the bit-width class a datatype's payload belongs to. It
// decides whether the payload is folded into the APCI byte or appended
// after it.
type WidthClass uint8

// Width classes understood by the APDU builder.
const (
	WidthBool1     WidthClass = iota + 1 // 1 bit, folded into APCI
	WidthControl4                        // 4 bits, folded into APCI
	WidthUnsigned8                       // 1 byte after APCI
	WidthFloat16                         // 2 bytes after APCI
)

// String returns a short human readable name for the class.
func (w WidthClass) String() string {
	switch w {
	case WidthBool1:
		return "1-bit"
	case WidthControl4:
		return "4-bit"
	case WidthUnsigned8:
		return "8-bit"
	case WidthFloat16:
		return "16-bit float"
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// Short reports whether payloads of this class fit into the 6 low bits of
// the APCI byte.
func (w WidthClass) Short() bool {
	return w == WidthBool1 || w == WidthControl4
}

// Octets is the number of payload bytes appended after the APCI byte for
// long-form classes. Short classes report 0.
func (w WidthClass) Octets() int {
	switch w {
	case WidthUnsigned8:
		return 1
	case WidthFloat16:
		return 2
	default:
		return 0
	}
}

// Datatype is one entry of the datapoint type catalogue: a stable
// identifier plus the codec that turns logical values into payload bytes.
//
// Implementations are immutable and safe for concurrent use.
type Datatype interface {
	// ID returns the dotted identifier, e.g. "5.010".
	ID() DPT

	// Name returns the symbolic name, e.g. "VALUE_1_UCOUNT".
	Name() string

	// Class returns the payload width class.
	Class() WidthClass

	// Encode converts a logical value into payload bytes. Numbers may be
	// given as any Go numeric type, a numeric string or json.Number.
	Encode(value any) ([]byte, error)

	// Decode converts payload bytes into a logical value: bool, int,
	// uint8, float64 or Control3Bit depending on the type.
	Decode(data []byte) (any, error)
}

// baseType carries the identity shared by every datatype implementation.
type baseType struct {
	id   DPT
	name string
}

func (b baseType) ID() DPT      { return b.id }
func (b baseType) Name() string { return b.name }

// booleanType covers DPT 1.xxx.
type booleanType struct{ baseType }

func (booleanType) Class() WidthClass { return WidthBool1 }

func (t booleanType) Encode(value any) ([]byte, error) {
	if b, ok := value.(bool); ok {
		return EncodeDPT1(b), nil
	}
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	switch f {
	case 0:
		return EncodeDPT1(false), nil
	case 1:
		return EncodeDPT1(true), nil
	default:
		return nil, fmt.Errorf("%w: %s accepts 0 or 1, got %v", ErrValueOutOfRange, t.id, f)
	}
}

func (booleanType) Decode(data []byte) (any, error) { return DecodeDPT1(data) }

// control3BitType covers DPT 3.007 and 3.008.
type control3BitType struct{ baseType }

func (control3BitType) Class() WidthClass { return WidthControl4 }

func (t control3BitType) Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case Control3Bit:
		return EncodeDPT3(v.Increase, v.StepCode)
	case *Control3Bit:
		if v == nil {
			return nil, fmt.Errorf("%w: %s: nil control value", ErrEncodingFailed, t.id)
		}
		return EncodeDPT3(v.Increase, v.StepCode)
	}

	// A bare number is taken as the raw 4-bit value.
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	if f < 0 || f > 0x0F || f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: %s raw control value must be 0-15, got %v", ErrValueOutOfRange, t.id, f)
	}
	raw := uint8(f)
	return EncodeDPT3(raw&dpt3DirectionBit != 0, raw&dpt3StepMask)
}

func (control3BitType) Decode(data []byte) (any, error) { return DecodeDPT3(data) }

// scalingType covers DPT 5.001.
type scalingType struct{ baseType }

func (scalingType) Class() WidthClass { return WidthUnsigned8 }

func (t scalingType) Encode(value any) ([]byte, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	return EncodeDPT5(f)
}

func (scalingType) Decode(data []byte) (any, error) { return DecodeDPT5(data) }

// angleType covers DPT 5.003.
type angleType struct{ baseType }

func (angleType) Class() WidthClass { return WidthUnsigned8 }

func (t angleType) Encode(value any) ([]byte, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	return EncodeDPT5Angle(f)
}

func (angleType) Decode(data []byte) (any, error) { return DecodeDPT5Angle(data) }

// countType covers the unscaled 1-byte types (DPT 5.004, 5.010).
type countType struct{ baseType }

func (countType) Class() WidthClass { return WidthUnsigned8 }

func (t countType) Encode(value any) ([]byte, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	return EncodeDPT5Count(f)
}

func (countType) Decode(data []byte) (any, error) { return DecodeDPT5Count(data) }

// sceneType covers DPT 17.001.
type sceneType struct{ baseType }

func (sceneType) Class() WidthClass { return WidthUnsigned8 }

func (t sceneType) Encode(value any) ([]byte, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	return EncodeDPT17(f)
}

func (sceneType) Decode(data []byte) (any, error) { return DecodeDPT17(data) }

// floatType covers DPT 9.xxx.
type floatType struct{ baseType }

func (floatType) Class() WidthClass { return WidthFloat16 }

func (t floatType) Encode(value any) ([]byte, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodingFailed, t.id, err)
	}
	return EncodeDPT9(f)
}

func (floatType) Decode(data []byte) (any, error) { return DecodeDPT9(data) }

// toFloat converts the numeric representations accepted by Encode.
func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unsupported value type %T", value)
	}
}

// Registry is an immutable lookup table of datatypes. Build one with
// NewRegistry or DefaultRegistry and share it; lookups are safe for
// concurrent use.
type Registry struct {
	ordered []Datatype
	byID    map[DPT]Datatype
	byName  map[string]Datatype
	byMain  map[int]Datatype
}

// NewRegistry builds a registry from the given datatypes. A later entry
// with a duplicate ID or name replaces the earlier one. The first entry of
// each main number becomes the default for a bare main lookup ("DPT-9").
func NewRegistry(types ...Datatype) *Registry {
	r := &Registry{
		byID:   make(map[DPT]Datatype, len(types)),
		byName: make(map[string]Datatype, len(types)),
		byMain: make(map[int]Datatype),
	}
	for _, dt := range types {
		if _, dup := r.byID[dt.ID()]; !dup {
			r.ordered = append(r.ordered, dt)
		}
		r.byID[dt.ID()] = dt
		r.byName[normaliseName(dt.Name())] = dt
		if main, _, ok := splitDPT(string(dt.ID())); ok {
			if _, exists := r.byMain[main]; !exists {
				r.byMain[main] = dt
			}
		}
	}
	return r
}

// DefaultRegistry returns a new registry holding every datatype this
// package implements.
func DefaultRegistry() *Registry {
	return NewRegistry(
		booleanType{baseType{DPTSwitch, "SWITCH"}},
		booleanType{baseType{DPTBool, "BOOL"}},
		booleanType{baseType{DPTEnable, "ENABLE"}},
		booleanType{baseType{DPTStep, "STEP"}},
		booleanType{baseType{DPTUpDown, "UP_DOWN"}},
		booleanType{baseType{DPTOpenClose, "OPEN_CLOSE"}},
		booleanType{baseType{DPTStart, "START"}},
		booleanType{baseType{DPTTrigger, "TRIGGER"}},
		control3BitType{baseType{DPTDimmingControl, "CONTROL_DIMMING"}},
		control3BitType{baseType{DPTBlindControl, "CONTROL_BLINDS"}},
		scalingType{baseType{DPTScaling, "SCALING"}},
		angleType{baseType{DPTAngle, "ANGLE"}},
		countType{baseType{DPTPercentU8, "PERCENT_U8"}},
		countType{baseType{DPTValueCount, "VALUE_1_UCOUNT"}},
		floatType{baseType{DPTTemperature, "VALUE_TEMP"}},
		floatType{baseType{DPTTempDiff, "VALUE_TEMPD"}},
		floatType{baseType{DPTLux, "VALUE_LUX"}},
		floatType{baseType{DPTSpeed, "VALUE_WSP"}},
		floatType{baseType{DPTHumidity, "VALUE_HUMIDITY"}},
		floatType{baseType{DPTAirQuality, "VALUE_AIRQUALITY"}},
		sceneType{baseType{DPTSceneNumber, "SCENE_NUMBER"}},
	)
}

// Lookup resolves a datatype by identifier or name.
//
// Accepted forms (case-insensitive):
//   - "5.010", "5.10", "DPT5.010", "DPT 5.010"
//   - ETS forms "DPST-5-10" and "DPT-9" (main number only)
//   - symbolic names "VALUE_1_UCOUNT", "value 1 ucount"
//
// Returns ErrUnknownDatapointType when nothing matches.
func (r *Registry) Lookup(id string) (Datatype, error) {
	s := strings.ToUpper(strings.TrimSpace(id))
	if s == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrUnknownDatapointType)
	}

	if dt, ok := r.byName[normaliseName(s)]; ok {
		return dt, nil
	}

	numeric := s
	for _, prefix := range []string{"DPST-", "DPT-", "DPST", "DPT"} {
		if strings.HasPrefix(numeric, prefix) {
			numeric = strings.TrimSpace(numeric[len(prefix):])
			break
		}
	}
	numeric = strings.ReplaceAll(numeric, "-", ".")

	main, sub, ok := splitDPT(numeric)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatapointType, id)
	}
	if sub < 0 {
		if dt, found := r.byMain[main]; found {
			return dt, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatapointType, id)
	}
	if dt, found := r.byID[DPT(fmt.Sprintf("%d.%03d", main, sub))]; found {
		return dt, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDatapointType, id)
}

// All returns the registered datatypes in registration order.
func (r *Registry) All() []Datatype {
	out := make([]Datatype, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// splitDPT parses "main.sub" or "main". sub is -1 when absent.
func splitDPT(s string) (main, sub int, ok bool) {
	mainPart, subPart, hasSub := strings.Cut(s, ".")
	m, err := strconv.Atoi(mainPart)
	if err != nil || m < 0 {
		return 0, 0, false
	}
	if !hasSub {
		return m, -1, true
	}
	n, err := strconv.Atoi(subPart)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return m, n, true
}

func normaliseName(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
