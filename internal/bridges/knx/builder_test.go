package knx

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func build(t *testing.T, command, ga, dpt, value string) Command {
	t.Helper()
	cmd, err := NewCommandBuilder(nil).Build(Definition{GroupAddress: ga, Command: command, DPT: dpt, Value: value})
	if err != nil {
		t.Fatalf("Build(%q, %q, %q, %q): %v", command, ga, dpt, value, err)
	}
	return cmd
}

// ─── Command families ──────────────────────────────────────────────

func TestBuildCommandFamilies(t *testing.T) {
	ga := GroupAddress{1, 1, 1}

	tests := []struct {
		name    string
		command string
		dpt     string
		value   string
		want    Command
	}{
		{"on", "ON", "1.001", "", GroupValueWrite{ga, mustAPDU(t, "1.001", 1)}},
		{"off", "off", "SWITCH", "", GroupValueWrite{ga, mustAPDU(t, "1.001", 0)}},
		{"switch on", "SWITCH ON", "1.001", "", GroupValueWrite{ga, mustAPDU(t, "1.001", 1)}},
		{"switch_off", "switch_off", "1.001", "", GroupValueWrite{ga, mustAPDU(t, "1.001", 0)}},
		{"status", "STATUS", "5.001", "", GroupValueRead{ga}},
		{"dim increase", "DIM INCREASE", "3.007", "", GroupValueWrite{ga, mustAPDU(t, "3.007", Control3Bit{true, 1})}},
		{"dim decrease", "Dim_Decrease", "3.007", "", GroupValueWrite{ga, mustAPDU(t, "3.007", Control3Bit{false, 1})}},
		{"dim stop", "dim stop", "3.007", "", GroupValueWrite{ga, mustAPDU(t, "3.007", Control3Bit{false, 0})}},
		{"dim increase ignores value", "DIM INCREASE", "3.007", "77", GroupValueWrite{ga, mustAPDU(t, "3.007", Control3Bit{true, 1})}},
		{"range with value", "RANGE", "VALUE_1_UCOUNT", "50", GroupValueWrite{ga, mustAPDU(t, "5.010", 50)}},
		{"scale embedded", "SCALE 100", "5.001", "", GroupValueWrite{ga, mustAPDU(t, "5.001", 100)}},
		{"scale embedded no space", "SCALE0", "5.001", "", GroupValueWrite{ga, mustAPDU(t, "5.001", 0)}},
		{"dim embedded many spaces", "DIM    40", "5.001", "", GroupValueWrite{ga, mustAPDU(t, "5.001", 40)}},
		{"embedded wins over value", "DIM 10", "5.001", "90", GroupValueWrite{ga, mustAPDU(t, "5.001", 10)}},
		{"range float dpt", "RANGE", "9.001", "21", GroupValueWrite{ga, mustAPDU(t, "9.001", 21)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := build(t, tt.command, "1/1/1", tt.dpt, tt.value)
			if got != tt.want {
				t.Errorf("Build(%q) = %s, want %s", tt.command, got, tt.want)
			}
		})
	}
}

func mustAPDU(t *testing.T, id string, v any) APDU {
	t.Helper()
	apdu, err := NewWriteAPDU(mustLookup(t, id), v)
	if err != nil {
		t.Fatalf("NewWriteAPDU(%s, %v): %v", id, v, err)
	}
	return apdu
}

// ─── Equality contract ─────────────────────────────────────────────

func TestCommandEquality(t *testing.T) {
	if build(t, "DIM INCREASE", "1/1/1", "3.007", "") != build(t, "Dim_Increase", "1/1/1", "3.007", "") {
		t.Error("DIM INCREASE and Dim_Increase on 1/1/1 differ")
	}
	if build(t, "dim_increase", "1/1/1", "3.007", "") != build(t, "DIM INCREASE", "1/1/1", "3.007", "") {
		t.Error("dim_increase and DIM INCREASE on 1/1/1 differ")
	}
	if build(t, "DIM INCREASE", "1/1/1", "3.007", "") == build(t, "DIM INCREASE", "1/1/2", "3.007", "") {
		t.Error("DIM INCREASE on different addresses compare equal")
	}
	if build(t, "DIM INCREASE", "1/1/1", "3.007", "") == build(t, "ON", "1/1/1", "1.001", "") {
		t.Error("DIM INCREASE and ON compare equal")
	}
	if build(t, "RANGE", "10/1/10", "5.010", "1") == build(t, "RANGE", "10/1/10", "5.010", "99") {
		t.Error("RANGE 1 and RANGE 99 compare equal")
	}
	if build(t, "STATUS", "1/1/1", "1.001", "") != build(t, "status", "1/1/1", "9.001", "") {
		t.Error("reads of the same address differ")
	}
	if build(t, "STATUS", "1/1/1", "1.001", "") == build(t, "OFF", "1/1/1", "1.001", "") {
		t.Error("read and write compare equal")
	}

	// Commands are usable as map keys for de-duplication.
	seen := map[Command]int{}
	seen[build(t, "DIM INCREASE", "1/1/1", "3.007", "")]++
	seen[build(t, "Dim_Increase", "1/1/1", "3.007", "")]++
	if len(seen) != 1 {
		t.Errorf("map holds %d entries, want 1", len(seen))
	}
}

// ─── Frames ────────────────────────────────────────────────────────

func TestBuildCommandFrames(t *testing.T) {
	frame := build(t, "RANGE", "1/1/1", "VALUE_1_UCOUNT", "50").Frame()
	if len(frame) != 12 || frame[8] != 0x02 || frame[11] != 0x32 {
		t.Errorf("RANGE 50 frame = %X (len %d)", frame, len(frame))
	}

	if f := build(t, "SCALE", "1/1/1", "5.001", "100").Frame(); f[len(f)-1] != 0xFF {
		t.Errorf("SCALE 100 value byte = %02X, want FF", f[len(f)-1])
	}
	if f := build(t, "SCALE", "1/1/1", "5.001", "0").Frame(); f[len(f)-1] != 0x00 {
		t.Errorf("SCALE 0 value byte = %02X, want 00", f[len(f)-1])
	}

	read := build(t, "STATUS", "1/1/1", "1.001", "").Frame()
	want := []byte{0x11, 0x00, 0x84, 0xE0, 0x00, 0x00, 0x09, 0x01, 0x01, 0x00, 0x00}
	if !bytes.Equal(read, want) {
		t.Errorf("STATUS frame = %X, want %X", read, want)
	}
}

// ─── Failures ──────────────────────────────────────────────────────

func TestBuildCommandFailures(t *testing.T) {
	tests := []struct {
		name  string
		def   Definition
		cause error
	}{
		{"blank command", Definition{"1/1/1", " ", "1.001", ""}, nil},
		{"missing command", Definition{"1/1/1", "", "1.001", ""}, nil},
		{"missing address", Definition{"", "ON", "1.001", ""}, nil},
		{"bad address", Definition{"32/0/0", "ON", "1.001", ""}, ErrInvalidGroupAddress},
		{"unknown command", Definition{"1/1/1", "TOGGLE", "1.001", ""}, nil},
		{"on with suffix", Definition{"1/1/1", "ON 5", "1.001", ""}, nil},
		{"dim with text suffix", Definition{"1/1/1", "DIMMER", "5.001", ""}, nil},
		{"missing dpt", Definition{"1/1/1", "ON", "", ""}, nil},
		{"unknown dpt", Definition{"1/1/1", "ON", "99.999", ""}, ErrUnknownDatapointType},
		{"range without value", Definition{"1/1/1", "RANGE", "5.010", ""}, nil},
		{"range non-numeric value", Definition{"1/1/1", "RANGE", "5.010", "lots"}, nil},
		{"range out of range", Definition{"1/1/1", "RANGE", "5.010", "256"}, ErrValueOutOfRange},
		{"scale out of range", Definition{"1/1/1", "SCALE 101", "5.001", ""}, ErrValueOutOfRange},
		{"negative dim", Definition{"1/1/1", "DIM -5", "5.001", ""}, ErrValueOutOfRange},
		{"on with scaling dpt", Definition{"1/1/1", "ON", "5.001", ""}, ErrInvalidDPT},
		{"dim increase with switch dpt", Definition{"1/1/1", "DIM INCREASE", "1.001", ""}, ErrInvalidDPT},
		{"range with switch dpt", Definition{"1/1/1", "RANGE", "1.001", "1"}, ErrInvalidDPT},
	}

	b := NewCommandBuilder(DefaultRegistry())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := b.Build(tt.def)
			if cmd != nil {
				t.Errorf("Build() returned %s alongside error", cmd)
			}
			if !errors.Is(err, ErrMalformedCommand) {
				t.Fatalf("Build() error = %v, want ErrMalformedCommand", err)
			}
			if !IsMalformed(err) {
				t.Error("IsMalformed() = false")
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Build() error = %v, want cause %v", err, tt.cause)
			}
		})
	}
}

func TestBuildFromProperties(t *testing.T) {
	b := NewCommandBuilder(nil)
	cmd, err := b.BuildFromProperties(map[string]string{
		PropertyGroupAddress: "1/1/1",
		PropertyCommand:      "RANGE",
		PropertyDPT:          "VALUE_1_UCOUNT",
		PropertyValue:        "50",
	})
	if err != nil {
		t.Fatalf("BuildFromProperties: %v", err)
	}
	if cmd != build(t, "RANGE", "1/1/1", "5.010", "50") {
		t.Errorf("BuildFromProperties = %s", cmd)
	}

	if _, err := b.BuildFromProperties(map[string]string{PropertyCommand: "ON"}); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("missing address error = %v", err)
	}
}

func TestDefinitionJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"groupAddress":"1/1/1","command":"RANGE","dpt":"5.010","value":50}`, "50"},
		{`{"groupAddress":"1/1/1","command":"RANGE","dpt":"5.010","value":"12"}`, "12"},
		{`{"groupAddress":"1/1/1","command":"ON","dpt":"1.001"}`, ""},
		{`{"groupAddress":"1/1/1","command":"ON","dpt":"1.001","value":null}`, ""},
	}
	for _, tt := range tests {
		var d Definition
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if d.Value != tt.want || d.GroupAddress != "1/1/1" {
			t.Errorf("Unmarshal(%s) = %+v", tt.in, d)
		}
	}

	var d Definition
	if err := json.Unmarshal([]byte(`{"value":true}`), &d); err == nil {
		t.Error("boolean value accepted")
	}
}

func TestBuilderConcurrentUse(t *testing.T) {
	b := NewCommandBuilder(nil)
	want := build(t, "SCALE 75", "2/3/4", "5.001", "")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := b.Build(Definition{GroupAddress: "2/3/4", Command: "scale_75", DPT: "5.001"})
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- errors.New("mismatched command")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func BenchmarkBuildCommand(b *testing.B) {
	builder := NewCommandBuilder(nil)
	def := Definition{GroupAddress: "1/1/1", Command: "RANGE", DPT: "5.010", Value: "50"}
	for i := 0; i < b.N; i++ {
		_, _ = builder.Build(def)
	}
}
