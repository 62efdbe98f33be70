package knx

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	dpt3DirectionBit = 0x08 // increase / up
	dpt3StepMask     = 0x07

	dpt5MaxValue      = 255
	dpt5ScalingFactor = 2.55 // percent to raw
	dpt5AngleMax      = 360

	// Two-octet float: sign bit, 4-bit exponent, 11-bit mantissa.
	dpt9SignBit       = 0x8000
	dpt9ExponentShift = 11
	dpt9ExponentMax   = 15
	dpt9MantissaBits  = 0x07FF
	dpt9MantissaMax   = 2047
	dpt9MantissaMin   = -2048
	dpt9Invalid       = 0x7FFF
	dpt9Min           = -671088.64
	dpt9Max           = 670433.28 // mantissa 2046 at exponent 15; 2047 would be 0x7FFF

	dpt17MaxScene  = 63
	dpt17SceneBits = 0x3F
)

// DPT is a datapoint type id in "main.sub" form, such as "9.001".
type DPT string

// DPT identifiers known to DefaultRegistry.
const (
	DPTSwitch    DPT = "1.001"
	DPTBool      DPT = "1.002"
	DPTEnable    DPT = "1.003"
	DPTStep      DPT = "1.007"
	DPTUpDown    DPT = "1.008"
	DPTOpenClose DPT = "1.009"
	DPTStart     DPT = "1.010"
	DPTTrigger   DPT = "1.017"

	DPTDimmingControl DPT = "3.007"
	DPTBlindControl   DPT = "3.008"

	DPTScaling    DPT = "5.001"
	DPTAngle      DPT = "5.003"
	DPTPercentU8  DPT = "5.004"
	DPTValueCount DPT = "5.010"

	DPTSceneNumber DPT = "17.001"

	DPTTemperature DPT = "9.001"
	DPTTempDiff    DPT = "9.002"
	DPTLux         DPT = "9.004"
	DPTSpeed       DPT = "9.005"
	DPTHumidity    DPT = "9.007"
	DPTAirQuality  DPT = "9.008"
)

// Control3Bit is the logical value of a DPT 3.007/3.008 control telegram.
// StepCode 0 means stop; 1-7 select an interval of 100/2^(StepCode-1) percent.
type Control3Bit struct {
	Increase bool
	StepCode uint8
}

// payload checks that data carries at least n octets for the named type.
func payload(data []byte, n int, name string) error {
	if len(data) < n {
		return fmt.Errorf("%w: %s needs %d octet(s), have %d", ErrDecodingFailed, name, n, len(data))
	}
	return nil
}

// EncodeDPT1 returns the 1-bit payload for on/off style values.
func EncodeDPT1(value bool) []byte {
	var b byte
	if value {
		b = 1
	}
	return []byte{b}
}

func DecodeDPT1(data []byte) (bool, error) {
	if err := payload(data, 1, "DPT1"); err != nil {
		return false, err
	}
	return data[0]&1 == 1, nil
}

// EncodeDPT3 packs a dimming or blind step: bit 3 is the direction, bits
// 0-2 the step code (0 stops).
func EncodeDPT3(increase bool, stepCode uint8) ([]byte, error) {
	if stepCode > dpt3StepMask {
		return nil, fmt.Errorf("%w: DPT3 step code %d is not 0-7", ErrValueOutOfRange, stepCode)
	}
	b := stepCode
	if increase {
		b |= dpt3DirectionBit
	}
	return []byte{b}, nil
}

func DecodeDPT3(data []byte) (Control3Bit, error) {
	if err := payload(data, 1, "DPT3"); err != nil {
		return Control3Bit{}, err
	}
	return Control3Bit{
		Increase: data[0]&dpt3DirectionBit != 0,
		StepCode: data[0] & dpt3StepMask,
	}, nil
}

// EncodeDPT5 scales a percentage to 0-255 (DPT 5.001), rounding to the
// nearest step. Values outside 0-100 are rejected, not clamped.
func EncodeDPT5(percent float64) ([]byte, error) {
	if math.IsNaN(percent) || percent < 0 || percent > 100 {
		return nil, fmt.Errorf("%w: DPT5.001 percentage must be 0-100, got %v", ErrValueOutOfRange, percent)
	}
	return []byte{uint8(math.Round(percent * dpt5ScalingFactor))}, nil
}

// DecodeDPT5 returns the whole percentage nearest to the raw octet.
func DecodeDPT5(data []byte) (int, error) {
	if err := payload(data, 1, "DPT5.001"); err != nil {
		return 0, err
	}
	return int(math.Round(float64(data[0]) / dpt5ScalingFactor)), nil
}

// EncodeDPT5Angle scales 0-360 degrees to 0-255 (DPT 5.003).
func EncodeDPT5Angle(angle float64) ([]byte, error) {
	if math.IsNaN(angle) || angle < 0 || angle > dpt5AngleMax {
		return nil, fmt.Errorf("%w: DPT5.003 angle must be 0-%d, got %v", ErrValueOutOfRange, dpt5AngleMax, angle)
	}
	return []byte{uint8(math.Round(angle * dpt5MaxValue / dpt5AngleMax))}, nil
}

func DecodeDPT5Angle(data []byte) (float64, error) {
	if err := payload(data, 1, "DPT5.003"); err != nil {
		return 0, err
	}
	return dpt5AngleMax * float64(data[0]) / dpt5MaxValue, nil
}

// EncodeDPT5Count encodes an unsigned count (DPT 5.010) without scaling.
func EncodeDPT5Count(count float64) ([]byte, error) {
	if math.IsNaN(count) || count < 0 || count > dpt5MaxValue || count != math.Trunc(count) {
		return nil, fmt.Errorf("%w: DPT5.010 count must be an integer 0-%d, got %v", ErrValueOutOfRange, dpt5MaxValue, count)
	}
	return []byte{uint8(count)}, nil
}

func DecodeDPT5Count(data []byte) (uint8, error) {
	if err := payload(data, 1, "DPT5.010"); err != nil {
		return 0, err
	}
	return data[0], nil
}

// EncodeDPT9 packs a value into the two-octet float MEEEEMMM MMMMMMMM,
// value = 0.01 * M * 2^E with M a signed 12-bit mantissa.
//
// The exponent starts at 0 and grows only while the scaled value exceeds
// 2048 in magnitude; the rounded mantissa is then saturated to
// [-2048, 2047]. 20.48 therefore stays at exponent 0 and encodes like
// 20.47. Devices on the bus depend on this exact bit pattern.
func EncodeDPT9(value float64) ([]byte, error) {
	if math.IsNaN(value) || value < dpt9Min || value > dpt9Max {
		return nil, fmt.Errorf("%w: DPT9 value %.2f outside %.2f to %.2f", ErrValueOutOfRange, value, dpt9Min, dpt9Max)
	}

	scaled, exp := value*100, 0
	for ; math.Abs(scaled) > -dpt9MantissaMin && exp < dpt9ExponentMax; exp++ {
		scaled /= 2
	}
	m := int16(min(max(math.Round(scaled), dpt9MantissaMin), dpt9MantissaMax))

	word := uint16(exp)<<dpt9ExponentShift | uint16(m)&dpt9MantissaBits //nolint:gosec // exp is 0-15, m keeps its low 11 bits
	if m < 0 {
		word |= dpt9SignBit
	}
	return binary.BigEndian.AppendUint16(nil, word), nil
}

// DecodeDPT9 unpacks a two-octet float. 0x7FFF is the "no valid value"
// marker and decodes to an error.
func DecodeDPT9(data []byte) (float64, error) {
	if err := payload(data, 2, "DPT9"); err != nil {
		return 0, err
	}

	word := binary.BigEndian.Uint16(data)
	if word == dpt9Invalid {
		return 0, fmt.Errorf("%w: DPT9 payload 0x7FFF marks an invalid reading", ErrDecodingFailed)
	}

	m := int(word & dpt9MantissaBits)
	if word&dpt9SignBit != 0 {
		m += dpt9MantissaMin
	}
	exp := int(word>>dpt9ExponentShift) & dpt9ExponentMax
	return math.Ldexp(float64(m)/100, exp), nil
}

// EncodeDPT17 encodes a scene number 0-63 (DPT 17.001).
func EncodeDPT17(scene float64) ([]byte, error) {
	if math.IsNaN(scene) || scene < 0 || scene > dpt17MaxScene || scene != math.Trunc(scene) {
		return nil, fmt.Errorf("%w: DPT17 scene must be 0-%d, got %v", ErrValueOutOfRange, dpt17MaxScene, scene)
	}
	return []byte{byte(scene)}, nil
}

func DecodeDPT17(data []byte) (uint8, error) {
	if err := payload(data, 1, "DPT17"); err != nil {
		return 0, err
	}
	return data[0] & dpt17SceneBits, nil
}
