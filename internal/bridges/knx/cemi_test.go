package knx

import (
	"bytes"
	"errors"
	"testing"
)

func mustLookup(t *testing.T, id string) Datatype {
	t.Helper()
	dt, err := DefaultRegistry().Lookup(id)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", id, err)
	}
	return dt
}

// ─── APDU ──────────────────────────────────────────────────────────

func TestAPDUBytes(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		value any
		want  []byte
	}{
		{"switch on", "1.001", true, []byte{0x00, 0x81}},
		{"switch off", "1.001", false, []byte{0x00, 0x80}},
		{"dim increase", "3.007", Control3Bit{Increase: true, StepCode: 1}, []byte{0x00, 0x89}},
		{"dim decrease", "3.007", Control3Bit{StepCode: 1}, []byte{0x00, 0x81}},
		{"count 50", "5.010", 50, []byte{0x00, 0x80, 0x32}},
		{"scaling 100", "5.001", 100, []byte{0x00, 0x80, 0xFF}},
		{"temperature 21", "9.001", 21, []byte{0x00, 0x80, 0x0C, 0x1A}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apdu, err := NewWriteAPDU(mustLookup(t, tt.id), tt.value)
			if err != nil {
				t.Fatalf("NewWriteAPDU: %v", err)
			}
			if got := apdu.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("Bytes() = %X, want %X", got, tt.want)
			}
			if apdu.Len() != len(tt.want) {
				t.Errorf("Len() = %d, want %d", apdu.Len(), len(tt.want))
			}
			if apdu.APCI() != APCIWrite {
				t.Errorf("APCI() = %02X, want write", apdu.APCI())
			}
		})
	}

	if got := NewReadAPDU().Bytes(); !bytes.Equal(got, []byte{0x00, 0x00}) {
		t.Errorf("read PDU = %X, want 0000", got)
	}
}

func TestAPDUPropagatesEncodeErrors(t *testing.T) {
	_, err := NewWriteAPDU(mustLookup(t, "5.001"), 150)
	if !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("NewWriteAPDU(150%%) error = %v, want ErrValueOutOfRange", err)
	}
}

func TestAPDUEquality(t *testing.T) {
	dt := mustLookup(t, "5.010")
	a, _ := NewWriteAPDU(dt, 10)
	b, _ := NewWriteAPDU(dt, "10")
	c, _ := NewWriteAPDU(dt, 11)
	if a != b {
		t.Errorf("equal payloads compare unequal: %v vs %v", a, b)
	}
	if a == c {
		t.Errorf("different payloads compare equal")
	}

	// Same bytes under another datatype are a different APDU.
	d, _ := NewWriteAPDU(mustLookup(t, "5.004"), 10)
	if a == d {
		t.Errorf("APDUs with different DPTs compare equal")
	}
}

func TestParseAPDU(t *testing.T) {
	tests := []struct {
		name    string
		pdu     []byte
		apci    byte
		data    []byte
		wantErr bool
	}{
		{"read", []byte{0x00, 0x00}, APCIRead, nil, false},
		{"short write", []byte{0x00, 0x81}, APCIWrite, []byte{0x01}, false},
		{"short response", []byte{0x00, 0x49}, APCIResponse, []byte{0x09}, false},
		{"long write", []byte{0x00, 0x80, 0x0C, 0x1A}, APCIWrite, []byte{0x0C, 0x1A}, false},
		{"too short", []byte{0x00}, 0, nil, true},
		{"non-group service", []byte{0x03, 0xC0}, 0, nil, true},
		{"unsupported apci", []byte{0x00, 0xC0}, 0, nil, true},
		{"oversized", append([]byte{0x00, 0x80}, make([]byte, 15)...), 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAPDU(tt.pdu)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFrame) {
					t.Errorf("ParseAPDU(%X) error = %v, want ErrInvalidFrame", tt.pdu, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAPDU(%X): %v", tt.pdu, err)
			}
			if got.APCI() != tt.apci || !bytes.Equal(got.Data(), tt.data) {
				t.Errorf("ParseAPDU(%X) = %02X %X, want %02X %X", tt.pdu, got.APCI(), got.Data(), tt.apci, tt.data)
			}
			if !bytes.Equal(got.Bytes(), tt.pdu) {
				t.Errorf("re-encoded %X, want %X", got.Bytes(), tt.pdu)
			}
		})
	}
}

// ─── cEMI ──────────────────────────────────────────────────────────

func TestBuildCEMI(t *testing.T) {
	ga := GroupAddress{1, 1, 1}

	tests := []struct {
		name string
		id   string
		val  any
		want []byte
	}{
		{
			"switch on (11 bytes)", "1.001", 1,
			[]byte{0x11, 0x00, 0x84, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x81},
		},
		{
			"dim increase (11 bytes)", "3.007", Control3Bit{Increase: true, StepCode: 1},
			[]byte{0x11, 0x00, 0x84, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x89},
		},
		{
			"range 50 (12 bytes)", "5.010", 50,
			[]byte{0x11, 0x00, 0x84, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x02, 0x00, 0x80, 0x32},
		},
		{
			"temperature (13 bytes)", "9.001", 21,
			[]byte{0x11, 0x00, 0x84, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x03, 0x00, 0x80, 0x0C, 0x1A},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apdu, err := NewWriteAPDU(mustLookup(t, tt.id), tt.val)
			if err != nil {
				t.Fatalf("NewWriteAPDU: %v", err)
			}
			if got := BuildCEMI(ga, apdu); !bytes.Equal(got, tt.want) {
				t.Errorf("BuildCEMI() =\n  %X\nwant\n  %X", got, tt.want)
			}
		})
	}

	read := BuildCEMI(ga, NewReadAPDU())
	want := []byte{0x11, 0x00, 0x84, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x00}
	if !bytes.Equal(read, want) {
		t.Errorf("read frame = %X, want %X", read, want)
	}
}

func TestParseCEMI(t *testing.T) {
	t.Run("indication with additional info", func(t *testing.T) {
		frame := []byte{
			0x29,             // L_Data.ind
			0x02, 0xAA, 0xBB, // 2 bytes additional info
			0xBC, 0xE0, // control
			0x11, 0x05, // source 1.1.5
			0x0A, 0x03, // destination 1/2/3
			0x03,                   // length
			0x00, 0x80, 0x0C, 0x1A, // write 21.0
		}
		f, err := ParseCEMI(frame)
		if err != nil {
			t.Fatalf("ParseCEMI: %v", err)
		}
		if f.MessageCode != MessageCodeLDataInd || !f.IsGroup() {
			t.Errorf("code/group = %02X/%v", f.MessageCode, f.IsGroup())
		}
		if f.Source.String() != "1.1.5" || f.GroupDestination() != (GroupAddress{1, 2, 3}) {
			t.Errorf("addresses = %s -> %s", f.Source, f.GroupDestination())
		}
		v, err := f.APDU.Decode(mustLookup(t, "9.001"))
		if err != nil || v != 21.0 {
			t.Errorf("decoded %v, %v", v, err)
		}
	})

	t.Run("own request round trips", func(t *testing.T) {
		apdu, _ := NewWriteAPDU(mustLookup(t, "5.010"), 50)
		f, err := ParseCEMI(BuildCEMI(GroupAddress{10, 1, 10}, apdu))
		if err != nil {
			t.Fatalf("ParseCEMI: %v", err)
		}
		if f.GroupDestination() != (GroupAddress{10, 1, 10}) || !bytes.Equal(f.APDU.Data(), []byte{0x32}) {
			t.Errorf("round trip gave %s %X", f.GroupDestination(), f.APDU.Data())
		}
	})

	t.Run("confirmation error bit", func(t *testing.T) {
		frame := []byte{0x2E, 0x00, 0xBD, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x81}
		f, err := ParseCEMI(frame)
		if err != nil {
			t.Fatalf("ParseCEMI: %v", err)
		}
		if !f.ConfirmFailed() {
			t.Error("ConfirmFailed() = false, want true")
		}
	})

	bad := map[string][]byte{
		"empty":            {},
		"unknown code":     {0xFC, 0x00, 0xBC, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x81},
		"truncated":        {0x29, 0x00, 0xBC, 0xE0, 0x00},
		"length mismatch":  {0x29, 0x00, 0xBC, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x05, 0x00, 0x81},
		"additional info":  {0x29, 0x10, 0xBC, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x81},
		"bad service bits": {0x29, 0x00, 0xBC, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0xC1},
	}
	for name, frame := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCEMI(frame); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("ParseCEMI(%X) error = %v, want ErrInvalidFrame", frame, err)
			}
		})
	}
}

func TestTelegramFromCEMI(t *testing.T) {
	frame := []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x01, 0x00, 0x41}
	tg, err := TelegramFromCEMI(frame)
	if err != nil {
		t.Fatalf("TelegramFromCEMI: %v", err)
	}
	if !tg.IsResponse() || tg.Destination != (GroupAddress{1, 1, 1}) || !bytes.Equal(tg.Data, []byte{0x01}) {
		t.Errorf("telegram = %s", tg)
	}
	if tg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	f, err := ParseCEMI(frame)
	if err != nil {
		t.Fatalf("ParseCEMI: %v", err)
	}
	fromFrame, err := f.Telegram()
	if err != nil || fromFrame.Source != tg.Source || fromFrame.APCI != tg.APCI || !bytes.Equal(fromFrame.Data, tg.Data) {
		t.Errorf("CEMIFrame.Telegram() = %s, %v; want %s", fromFrame, err, tg)
	}

	// Individual destination (control 2 bit 7 clear) is not a group telegram.
	frame[3] = 0x60
	if _, err := TelegramFromCEMI(frame); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("individual destination error = %v", err)
	}
}
