package knx

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupAddress represents a KNX group address in 3-level format.
//
// Format: Main/Middle/Sub
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
//
// On the wire the address occupies two bytes: (Main<<3 | Middle), Sub.
// GroupAddress is comparable and safe to use as a map key.
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

// Group address limits per the KNX standard.
const (
	maxMain   = 31
	maxMiddle = 7
	maxSub    = 255

	// gaLevelCount is the number of levels in a 3-level group address.
	gaLevelCount = 3

	// Bit masks for extracting group address parts.
	gaMainMask   = 0x1F // 5 bits
	gaMiddleMask = 0x07 // 3 bits
	gaSubMask    = 0xFF // 8 bits

	// topicSeparator replaces "/" when an address is embedded in an MQTT
	// topic or URL path segment.
	topicSeparator = "-"
)

// ParseGroupAddress parses a 3-level group address string.
//
// Parameters:
//   - s: Group address string such as "1/2/3"
//
// Returns:
//   - GroupAddress: Parsed address
//   - error: ErrInvalidGroupAddress if the shape or any part is invalid
func ParseGroupAddress(s string) (GroupAddress, error) {
	return parseLevels(s, "/")
}

// ParseGroupAddressTopic parses the topic-safe form produced by TopicSegment
// ("1-2-3"). The slash form is accepted as well.
func ParseGroupAddressTopic(s string) (GroupAddress, error) {
	if strings.Contains(s, "/") {
		return ParseGroupAddress(s)
	}
	return parseLevels(s, topicSeparator)
}

func parseLevels(s, sep string) (GroupAddress, error) {
	parts := strings.Split(s, sep)
	if len(parts) != gaLevelCount {
		return GroupAddress{}, fmt.Errorf("%w: expected 3-level format (main%smiddle%ssub), got %q",
			ErrInvalidGroupAddress, sep, sep, s)
	}

	main, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || main > maxMain {
		return GroupAddress{}, fmt.Errorf("%w: main group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMain, parts[0])
	}

	middle, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || middle > maxMiddle {
		return GroupAddress{}, fmt.Errorf("%w: middle group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMiddle, parts[1])
	}

	sub, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return GroupAddress{}, fmt.Errorf("%w: sub group must be 0-%d, got %q", ErrInvalidGroupAddress, maxSub, parts[2])
	}

	return GroupAddress{
		Main:   uint8(main),
		Middle: uint8(middle),
		Sub:    uint8(sub),
	}, nil
}

// GroupAddressFromBytes builds a GroupAddress from its two wire bytes.
// Every byte pair is a valid address.
func GroupAddressFromBytes(b0, b1 byte) GroupAddress {
	return GroupAddress{
		Main:   (b0 >> 3) & gaMainMask,
		Middle: b0 & gaMiddleMask,
		Sub:    b1,
	}
}

// Bytes returns the two wire bytes of the address.
func (ga GroupAddress) Bytes() [2]byte {
	return [2]byte{(ga.Main&gaMainMask)<<3 | ga.Middle&gaMiddleMask, ga.Sub}
}

// String returns the group address in 3-level format, e.g. "1/2/3".
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main, ga.Middle, ga.Sub)
}

// TopicSegment returns the address with "-" separators so it can be used
// as a single MQTT topic level or URL path segment, e.g. "1-2-3".
func (ga GroupAddress) TopicSegment() string {
	return fmt.Sprintf("%d-%d-%d", ga.Main, ga.Middle, ga.Sub)
}

// ToUint16 converts the group address to a 16-bit integer.
//
// Layout: MMMM MSSS SSSS SSSS
func (ga GroupAddress) ToUint16() uint16 {
	return uint16(ga.Main)<<11 | uint16(ga.Middle)<<8 | uint16(ga.Sub)
}

// GroupAddressFromUint16 creates a GroupAddress from a 16-bit integer.
func GroupAddressFromUint16(value uint16) GroupAddress {
	return GroupAddressFromBytes(byte(value>>8), byte(value)) //nolint:gosec // byte split of a uint16
}

// IsValid reports whether the parts are within their bit widths.
func (ga GroupAddress) IsValid() bool {
	return ga.Main <= maxMain && ga.Middle <= maxMiddle
}

// IndividualAddress identifies a physical KNX device as area.line.device.
//
//   - Area:   0-15 (4 bits)
//   - Line:   0-15 (4 bits)
//   - Device: 0-255 (8 bits)
type IndividualAddress struct {
	Area   uint8
	Line   uint8
	Device uint8
}

// IndividualAddressFromBytes decodes the two wire bytes of a device address.
func IndividualAddressFromBytes(b0, b1 byte) IndividualAddress {
	return IndividualAddress{Area: b0 >> 4, Line: b0 & 0x0F, Device: b1}
}

// ParseIndividualAddress parses "area.line.device".
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return IndividualAddress{}, fmt.Errorf("%w: expected area.line.device, got %q", ErrInvalidFrame, s)
	}
	var vals [3]uint64
	limits := [3]uint64{15, 15, 255}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil || v > limits[i] {
			return IndividualAddress{}, fmt.Errorf("%w: individual address part %q out of range", ErrInvalidFrame, p)
		}
		vals[i] = v
	}
	return IndividualAddress{Area: uint8(vals[0]), Line: uint8(vals[1]), Device: uint8(vals[2])}, nil
}

// Bytes returns the two wire bytes of the address.
func (ia IndividualAddress) Bytes() [2]byte {
	return [2]byte{(ia.Area&0x0F)<<4 | ia.Line&0x0F, ia.Device}
}

// String returns "area.line.device".
func (ia IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", ia.Area, ia.Line, ia.Device)
}
