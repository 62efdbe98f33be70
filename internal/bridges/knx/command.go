package knx

import "fmt"

// Command is a ready-to-send group service: either GroupValueWrite or
// GroupValueRead. The set is closed; no other package can add variants.
//
// Both variants are comparable values, so == compares variant, address,
// datatype and encoded payload. Two commands built from "DIM INCREASE" and
// "Dim_Increase" for the same address are equal; identity plays no part.
type Command interface {
	// Destination returns the target group address.
	Destination() GroupAddress

	// PDU returns the application-layer data unit.
	PDU() APDU

	// Frame returns the cEMI L_Data.req frame for the command.
	Frame() []byte

	String() string

	command()
}

// GroupValueWrite writes an encoded value to a group address.
type GroupValueWrite struct {
	Address GroupAddress
	Payload APDU
}

// GroupValueRead asks the devices on a group address for their value.
type GroupValueRead struct {
	Address GroupAddress
}

// NewGroupValueWrite encodes value with dt for dest.
func NewGroupValueWrite(dest GroupAddress, dt Datatype, value any) (GroupValueWrite, error) {
	apdu, err := NewWriteAPDU(dt, value)
	if err != nil {
		return GroupValueWrite{}, err
	}
	return GroupValueWrite{Address: dest, Payload: apdu}, nil
}

func (c GroupValueWrite) Destination() GroupAddress { return c.Address }
func (c GroupValueWrite) PDU() APDU                 { return c.Payload }
func (c GroupValueWrite) Frame() []byte             { return BuildCEMI(c.Address, c.Payload) }
func (GroupValueWrite) command()                    {}

func (c GroupValueWrite) String() string {
	return fmt.Sprintf("GroupValueWrite{%s %s}", c.Address, c.Payload)
}

func (c GroupValueRead) Destination() GroupAddress { return c.Address }
func (GroupValueRead) PDU() APDU                   { return NewReadAPDU() }
func (c GroupValueRead) Frame() []byte             { return BuildCEMI(c.Address, NewReadAPDU()) }
func (GroupValueRead) command()                    {}

func (c GroupValueRead) String() string {
	return fmt.Sprintf("GroupValueRead{%s}", c.Address)
}

// NewGroupValueResponse builds the write-shaped frame a client sends when
// it answers a read on behalf of a datapoint.
func NewGroupValueResponse(dest GroupAddress, dt Datatype, value any) ([]byte, error) {
	apdu, err := NewResponseAPDU(dt, value)
	if err != nil {
		return nil, err
	}
	return BuildCEMI(dest, apdu), nil
}
