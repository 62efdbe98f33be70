package knx

import "fmt"

// cEMI message codes used on a tunnelling link.
const (
	// MessageCodeLDataReq is a data request from client to gateway.
	MessageCodeLDataReq byte = 0x11

	// MessageCodeLDataInd is a data indication from gateway to client.
	MessageCodeLDataInd byte = 0x29

	// MessageCodeLDataCon is the gateway's confirmation of a request.
	MessageCodeLDataCon byte = 0x2E
)

// Fixed L_Data.req header fields for standard frames.
const (
	// cemiControl1 is the control field 1 pattern sent on every request.
	cemiControl1 byte = 0x84

	// cemiControl2 is the control field 2 pattern: group destination,
	// hop count 6, standard frame format.
	cemiControl2 byte = 0xE0

	// cemiGroupFlag is the destination-address-type bit of control 2.
	cemiGroupFlag byte = 0x80

	// cemiConfirmError is the error bit of control 1 in an L_Data.con.
	cemiConfirmError byte = 0x01

	// cemiHeaderSize covers message code through the length byte when no
	// additional info is present.
	cemiHeaderSize = 9
)

// BuildCEMI frames apdu as an L_Data.req to dest.
//
// Layout:
//
//	[0]    message code 0x11
//	[1]    additional info length 0x00
//	[2]    control 1 (0x84)
//	[3]    control 2 (0xE0)
//	[4..5] source address 0x0000 (filled by the gateway)
//	[6..7] destination group address
//	[8]    length: octets following the TPCI byte
//	[9..]  PDU (TPCI, APCI, data)
//
// Boolean, 3-bit control and read frames are 11 bytes long, 8-bit values
// 12 bytes and 2-octet floats 13 bytes.
func BuildCEMI(dest GroupAddress, apdu APDU) []byte {
	pdu := apdu.Bytes()
	frame := make([]byte, cemiHeaderSize+len(pdu))

	frame[0] = MessageCodeLDataReq
	frame[1] = 0x00
	frame[2] = cemiControl1
	frame[3] = cemiControl2
	// frame[4:6] source stays zero
	addr := dest.Bytes()
	frame[6] = addr[0]
	frame[7] = addr[1]
	frame[8] = byte(len(pdu) - 1) //nolint:gosec // PDU is at most 16 bytes
	copy(frame[cemiHeaderSize:], pdu)

	return frame
}

// CEMIFrame is a decoded L_Data frame.
type CEMIFrame struct {
	MessageCode byte
	Control1    byte
	Control2    byte
	Source      IndividualAddress

	// Destination holds the raw destination address. Use GroupDestination
	// to interpret it as a group address.
	Destination [2]byte

	APDU APDU
}

// IsGroup reports whether the destination is a group address.
func (f CEMIFrame) IsGroup() bool {
	return f.Control2&cemiGroupFlag != 0
}

// GroupDestination returns the destination as a group address.
func (f CEMIFrame) GroupDestination() GroupAddress {
	return GroupAddressFromBytes(f.Destination[0], f.Destination[1])
}

// ConfirmFailed reports whether an L_Data.con signals a failed bus
// transmission.
func (f CEMIFrame) ConfirmFailed() bool {
	return f.MessageCode == MessageCodeLDataCon && f.Control1&cemiConfirmError != 0
}

// ParseCEMI decodes an L_Data.req, L_Data.ind or L_Data.con frame.
//
// Additional info blocks are skipped. The length byte must match the
// bytes actually present after the TPCI byte.
//
// Returns ErrInvalidFrame for anything else; such frames are dropped by
// the caller.
func ParseCEMI(frame []byte) (CEMIFrame, error) {
	if len(frame) < 2 {
		return CEMIFrame{}, fmt.Errorf("%w: cEMI frame too short (%d bytes)", ErrInvalidFrame, len(frame))
	}

	code := frame[0]
	if code != MessageCodeLDataReq && code != MessageCodeLDataInd && code != MessageCodeLDataCon {
		return CEMIFrame{}, fmt.Errorf("%w: unsupported cEMI message code 0x%02X", ErrInvalidFrame, code)
	}

	// Skip additional information.
	off := 2 + int(frame[1])
	if len(frame) < off+7+pduHeaderSize {
		return CEMIFrame{}, fmt.Errorf("%w: cEMI frame truncated (%d bytes, additional info %d)",
			ErrInvalidFrame, len(frame), frame[1])
	}

	f := CEMIFrame{
		MessageCode: code,
		Control1:    frame[off],
		Control2:    frame[off+1],
		Source:      IndividualAddressFromBytes(frame[off+2], frame[off+3]),
		Destination: [2]byte{frame[off+4], frame[off+5]},
	}

	length := int(frame[off+6])
	pdu := frame[off+7:]
	if len(pdu) != length+1 {
		return CEMIFrame{}, fmt.Errorf("%w: cEMI length byte %d does not match %d PDU bytes",
			ErrInvalidFrame, length, len(pdu))
	}

	apdu, err := ParseAPDU(pdu)
	if err != nil {
		return CEMIFrame{}, err
	}
	f.APDU = apdu
	return f, nil
}
