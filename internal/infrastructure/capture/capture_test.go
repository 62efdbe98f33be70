package capture

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	client  = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 50100}
	gateway = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 3671}

	// TUNNELING_ACK channel 1 sequence 0
	ackFrame = []byte{0x06, 0x10, 0x04, 0x21, 0x00, 0x0A, 0x04, 0x01, 0x00, 0x00}
)

func readPackets(t *testing.T, data []byte) []gopacket.Packet {
	t.Helper()

	r, err := pcapgo.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("pcapgo.NewReader() error = %v", err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("LinkType = %v, want Ethernet", r.LinkType())
	}

	var packets []gopacket.Packet
	for {
		raw, ci, err := r.ReadPacketData()
		if err != nil {
			break
		}
		pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)
		pkt.Metadata().CaptureInfo = ci
		packets = append(packets, pkt)
	}
	return packets
}

func TestRecorderWritesUDPFrames(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := rec.WriteDatagram(ts, client, gateway, ackFrame); err != nil {
		t.Fatalf("WriteDatagram() error = %v", err)
	}
	if err := rec.WriteDatagram(ts.Add(time.Millisecond), gateway, client, ackFrame); err != nil {
		t.Fatalf("WriteDatagram() error = %v", err)
	}
	if rec.Packets() != 2 {
		t.Errorf("Packets() = %d, want 2", rec.Packets())
	}

	packets := readPackets(t, buf.Bytes())
	if len(packets) != 2 {
		t.Fatalf("read %d packets, want 2", len(packets))
	}

	first := packets[0]
	ip, ok := first.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatal("first packet has no IPv4 layer")
	}
	if !ip.SrcIP.Equal(client.IP) || !ip.DstIP.Equal(gateway.IP) {
		t.Errorf("IPv4 %s -> %s, want %s -> %s", ip.SrcIP, ip.DstIP, client.IP, gateway.IP)
	}

	udp, ok := first.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("first packet has no UDP layer")
	}
	if udp.SrcPort != 50100 || udp.DstPort != 3671 {
		t.Errorf("UDP ports %d -> %d, want 50100 -> 3671", udp.SrcPort, udp.DstPort)
	}
	if !bytes.Equal(udp.Payload, ackFrame) {
		t.Errorf("payload = %X, want %X", udp.Payload, ackFrame)
	}
	if !first.Metadata().Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", first.Metadata().Timestamp, ts)
	}

	reply, ok := packets[1].Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("second packet has no UDP layer")
	}
	if reply.SrcPort != 3671 {
		t.Errorf("reply SrcPort = %d, want 3671", reply.SrcPort)
	}
}

func TestRecorderStableMACs(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	rec.RecordDatagram(client, gateway, ackFrame)
	rec.RecordDatagram(gateway, client, ackFrame)

	packets := readPackets(t, buf.Bytes())
	if len(packets) != 2 {
		t.Fatalf("read %d packets, want 2", len(packets))
	}
	a := packets[0].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	b := packets[1].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !bytes.Equal(a.SrcMAC, b.DstMAC) || !bytes.Equal(a.DstMAC, b.SrcMAC) {
		t.Errorf("MACs not stable per endpoint: %s/%s vs %s/%s", a.SrcMAC, a.DstMAC, b.SrcMAC, b.DstMAC)
	}
}

func TestRecorderNilAddresses(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if err := rec.WriteDatagram(time.Now(), nil, gateway, ackFrame); err != nil {
		t.Fatalf("WriteDatagram(nil src) error = %v", err)
	}
	if got := len(readPackets(t, buf.Bytes())); got != 1 {
		t.Errorf("read %d packets, want 1", got)
	}
}

func TestOpenAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.pcap")

	rec, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rec.RecordDatagram(client, gateway, ackFrame)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := rec.WriteDatagram(time.Now(), client, gateway, ackFrame); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteDatagram after Close error = %v, want ErrClosed", err)
	}
	rec.RecordDatagram(client, gateway, ackFrame)
	if rec.Errors() != 0 {
		t.Errorf("Errors() = %d, want 0 (closed recorder is silent)", rec.Errors())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := len(readPackets(t, data)); got != 1 {
		t.Errorf("file holds %d packets, want 1", got)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "x.pcap"))
	if err == nil {
		t.Fatal("Open() expected error for missing directory")
	}
}

func BenchmarkRecordDatagram(b *testing.B) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec.RecordDatagram(client, gateway, ackFrame)
	}
}
