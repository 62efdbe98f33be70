package knx

import (
	"fmt"
	"time"
)

// Telegram represents a KNX group telegram.
//
// A telegram is the basic unit of communication on the KNX bus.
// It carries a command (read/write/response) and optional data
// to a destination group address.
type Telegram struct {
	// Source is the sender's individual address.
	// Only populated for received telegrams; zero for outgoing.
	Source IndividualAddress

	// Destination is the target group address.
	Destination GroupAddress

	// APCI indicates the telegram type (read, response, or write).
	APCI byte

	// Data contains the DPT-encoded payload (empty for reads).
	Data []byte

	// Timestamp records when the telegram was received or created.
	Timestamp time.Time
}

// TelegramFromCEMI parses an inbound cEMI frame (L_Data.ind or .con) into
// a Telegram stamped with the current time. Frames addressed to an
// individual address fail with ErrInvalidFrame.
func TelegramFromCEMI(frame []byte) (Telegram, error) {
	f, err := ParseCEMI(frame)
	if err != nil {
		return Telegram{}, err
	}
	return f.Telegram()
}

// Telegram converts an already parsed group frame into a Telegram.
func (f CEMIFrame) Telegram() (Telegram, error) {
	if !f.IsGroup() {
		return Telegram{}, fmt.Errorf("%w: individual destination %s", ErrInvalidFrame,
			IndividualAddressFromBytes(f.Destination[0], f.Destination[1]))
	}
	return Telegram{
		Source:      f.Source,
		Destination: f.GroupDestination(),
		APCI:        f.APDU.APCI(),
		Data:        f.APDU.Data(),
		Timestamp:   time.Now(),
	}, nil
}

// IsWrite returns true if this is a group write telegram.
func (t Telegram) IsWrite() bool {
	return t.APCI == APCIWrite
}

// IsRead returns true if this is a group read request.
func (t Telegram) IsRead() bool {
	return t.APCI == APCIRead
}

// IsResponse returns true if this is a group read response.
func (t Telegram) IsResponse() bool {
	return t.APCI == APCIResponse
}

// Decode decodes the payload with dt.
func (t Telegram) Decode(dt Datatype) (any, error) {
	if len(t.Data) == 0 {
		return nil, fmt.Errorf("%w: %s telegram to %s carries no data", ErrDecodingFailed, apciName(t.APCI), t.Destination)
	}
	return dt.Decode(t.Data)
}

// String returns a human-readable representation of the telegram.
func (t Telegram) String() string {
	return fmt.Sprintf("Telegram{Src:%s, GA:%s, APCI:%s, Data:%X}", t.Source, t.Destination, apciName(t.APCI), t.Data)
}
