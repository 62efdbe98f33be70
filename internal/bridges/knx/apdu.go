package knx

import "fmt"

// APCI (Application Protocol Control Information) codes for group
// communication. They occupy the top two bits of the second PDU byte.
const (
	// APCIRead is a group read request (asks device for current value).
	APCIRead byte = 0x00

	// APCIResponse is a group read response (device answers read request).
	APCIResponse byte = 0x40

	// APCIWrite is a group write (sends value to devices listening on GA).
	APCIWrite byte = 0x80
)

// PDU layout constants.
const (
	// tpciUnnumberedData is the TPCI for group telegrams.
	tpciUnnumberedData byte = 0x00

	// apciMask selects the group service bits of the second PDU byte.
	apciMask byte = 0xC0

	// shortDataMask selects the 6 data bits folded into the APCI byte.
	shortDataMask byte = 0x3F

	// maxPayload is the largest payload a standard frame can carry after
	// the APCI byte.
	maxPayload = 14

	// pduHeaderSize is TPCI plus APCI byte.
	pduHeaderSize = 2
)

// APDU is an application-layer group service together with its payload.
//
// APDU is a comparable value: two APDUs are equal when they carry the same
// service, the same datapoint type and the same payload bytes.
type APDU struct {
	apci    byte
	dpt     DPT
	short   bool
	size    uint8
	payload [maxPayload]byte
}

// NewReadAPDU returns a GroupValueRead PDU ({0x00, 0x00}).
func NewReadAPDU() APDU {
	return APDU{apci: APCIRead, short: true}
}

// NewWriteAPDU encodes value with dt and wraps it in a GroupValueWrite.
//
// 1-bit and 4-bit classes fold the value into the APCI byte (2-byte PDU);
// 8-bit and 16-bit classes append it after the APCI byte.
//
// Parameters:
//   - dt: Datatype that encodes the value
//   - value: Logical value accepted by dt.Encode
//
// Returns:
//   - APDU: Ready to be framed
//   - error: Any encode error from dt
func NewWriteAPDU(dt Datatype, value any) (APDU, error) {
	return newValueAPDU(APCIWrite, dt, value)
}

// NewResponseAPDU is NewWriteAPDU for a GroupValueResponse.
func NewResponseAPDU(dt Datatype, value any) (APDU, error) {
	return newValueAPDU(APCIResponse, dt, value)
}

func newValueAPDU(apci byte, dt Datatype, value any) (APDU, error) {
	data, err := dt.Encode(value)
	if err != nil {
		return APDU{}, err
	}
	return newRawAPDU(apci, dt.ID(), dt.Class(), data)
}

// newRawAPDU builds an APDU from already-encoded payload bytes.
func newRawAPDU(apci byte, dpt DPT, class WidthClass, data []byte) (APDU, error) {
	a := APDU{apci: apci, dpt: dpt, short: class.Short()}

	if a.short {
		if len(data) != 1 || data[0]&^shortDataMask != 0 {
			return APDU{}, fmt.Errorf("%w: %s payload %X does not fit in 6 bits", ErrEncodingFailed, dpt, data)
		}
		a.size = 1
		a.payload[0] = data[0]
		return a, nil
	}

	if len(data) == 0 || len(data) > maxPayload {
		return APDU{}, fmt.Errorf("%w: %s payload length %d (want 1-%d)", ErrEncodingFailed, dpt, len(data), maxPayload)
	}
	a.size = uint8(len(data)) //nolint:gosec // bounded by maxPayload
	copy(a.payload[:], data)
	return a, nil
}

// ParseAPDU decodes an inbound group PDU (TPCI byte onwards).
//
// A 2-byte PDU carries its data in the low 6 bits of the APCI byte; a
// longer PDU carries it after the APCI byte. The datatype is unknown at
// this point and left empty.
func ParseAPDU(pdu []byte) (APDU, error) {
	if len(pdu) < pduHeaderSize {
		return APDU{}, fmt.Errorf("%w: PDU too short (%d bytes)", ErrInvalidFrame, len(pdu))
	}
	if pdu[0]&0x03 != 0 {
		return APDU{}, fmt.Errorf("%w: non-group APCI 0x%02X%02X", ErrInvalidFrame, pdu[0]&0x03, pdu[1]&apciMask)
	}

	apci := pdu[1] & apciMask
	if apci != APCIRead && apci != APCIResponse && apci != APCIWrite {
		return APDU{}, fmt.Errorf("%w: unsupported APCI 0x%02X", ErrInvalidFrame, apci)
	}

	a := APDU{apci: apci}
	switch {
	case len(pdu) == pduHeaderSize:
		a.short = true
		if apci != APCIRead {
			a.size = 1
			a.payload[0] = pdu[1] & shortDataMask
		}
	case len(pdu)-pduHeaderSize > maxPayload:
		return APDU{}, fmt.Errorf("%w: payload of %d bytes exceeds standard frame", ErrInvalidFrame, len(pdu)-pduHeaderSize)
	default:
		a.size = uint8(len(pdu) - pduHeaderSize) //nolint:gosec // bounded by maxPayload
		copy(a.payload[:], pdu[pduHeaderSize:])
	}
	return a, nil
}

// APCI returns the group service code (APCIRead, APCIResponse, APCIWrite).
func (a APDU) APCI() byte { return a.apci }

// DPT returns the datatype the payload was encoded with, if known.
func (a APDU) DPT() DPT { return a.dpt }

// Short reports whether the payload is folded into the APCI byte.
func (a APDU) Short() bool { return a.short }

// Data returns a copy of the payload bytes (empty for reads).
func (a APDU) Data() []byte {
	if a.size == 0 {
		return nil
	}
	out := make([]byte, a.size)
	copy(out, a.payload[:a.size])
	return out
}

// Len returns the encoded PDU length in bytes.
func (a APDU) Len() int {
	if a.short {
		return pduHeaderSize
	}
	return pduHeaderSize + int(a.size)
}

// Bytes returns the encoded PDU: TPCI, APCI and data.
func (a APDU) Bytes() []byte {
	buf := make([]byte, a.Len())
	buf[0] = tpciUnnumberedData
	buf[1] = a.apci
	if a.short {
		if a.size > 0 {
			buf[1] |= a.payload[0] & shortDataMask
		}
		return buf
	}
	copy(buf[pduHeaderSize:], a.payload[:a.size])
	return buf
}

// Decode decodes the payload with dt.
func (a APDU) Decode(dt Datatype) (any, error) {
	if a.size == 0 {
		return nil, fmt.Errorf("%w: %s carries no data", ErrDecodingFailed, apciName(a.apci))
	}
	return dt.Decode(a.Data())
}

// String returns a compact representation, e.g. "WRITE(5.010) 32".
func (a APDU) String() string {
	if a.dpt != "" {
		return fmt.Sprintf("%s(%s) %X", apciName(a.apci), a.dpt, a.Data())
	}
	return fmt.Sprintf("%s %X", apciName(a.apci), a.Data())
}

func apciName(apci byte) string {
	switch apci {
	case APCIRead:
		return "READ"
	case APCIResponse:
		return "RESPONSE"
	case APCIWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}
