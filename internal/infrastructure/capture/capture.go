package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// snapLen is the pcap snapshot length; KNXnet/IP datagrams are far smaller.
const snapLen = 65535

// ErrClosed is returned when writing to a closed Recorder.
var ErrClosed = errors.New("capture: recorder closed")

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

// Recorder writes UDP datagrams as Ethernet frames to a pcap stream.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	writer *pcapgo.Writer
	closer io.Closer
	closed bool

	logger Logger

	packets atomic.Uint64
	errors  atomic.Uint64
}

// Open creates (or truncates) the pcap file at path and writes the file
// header.
//
// Parameters:
//   - path: Output file path
//
// Returns:
//   - *Recorder: Recorder owning the file
//   - error: If the file cannot be created or the header written
func Open(path string) (*Recorder, error) {
	file, err := os.Create(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}

	r, err := NewRecorder(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewRecorder writes a pcap file header to w and returns a Recorder that
// appends packets to it. Close does not close w.
func NewRecorder(w io.Writer) (*Recorder, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{writer: writer}, nil
}

// SetLogger sets the logger used to report write failures.
func (r *Recorder) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// WriteDatagram appends one UDP datagram from src to dst.
//
// Parameters:
//   - ts: Capture timestamp
//   - src, dst: IPv4 UDP endpoints
//   - payload: UDP payload (the KNXnet/IP frame)
//
// Returns:
//   - error: ErrClosed, or a serialisation/write error
func (r *Recorder) WriteDatagram(ts time.Time, src, dst *net.UDPAddr, payload []byte) error {
	frame, err := serialise(src, dst, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	r.packets.Add(1)
	return nil
}

// RecordDatagram records a datagram seen now. Failures are counted and
// logged, never returned, so capture can never disturb the tunnel.
func (r *Recorder) RecordDatagram(src, dst *net.UDPAddr, datagram []byte) {
	if err := r.WriteDatagram(time.Now(), src, dst, datagram); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		r.errors.Add(1)

		r.mu.Lock()
		logger := r.logger
		r.mu.Unlock()
		if logger != nil {
			logger.Warn("pcap capture failed", "error", err)
		}
	}
}

// Packets returns the number of packets written.
func (r *Recorder) Packets() uint64 {
	return r.packets.Load()
}

// Errors returns the number of failed writes.
func (r *Recorder) Errors() uint64 {
	return r.errors.Load()
}

// Close stops recording and closes the file opened by Open.
// Safe to call multiple times.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// serialise builds Ethernet/IPv4/UDP headers around payload.
func serialise(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP, dstIP := ipv4(src), ipv4(dst)

	ethernet := &layers.Ethernet{
		SrcMAC:       macFor(srcIP),
		DstMAC:       macFor(dstIP),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(port(src)),
		DstPort: layers.UDPPort(port(dst)),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("udp checksum layer: %w", err)
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ethernet, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	return buffer.Bytes(), nil
}

func ipv4(addr *net.UDPAddr) net.IP {
	if addr != nil {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return net.IPv4zero.To4()
}

func port(addr *net.UDPAddr) uint16 {
	if addr == nil {
		return 0
	}
	return uint16(addr.Port) //nolint:gosec // UDP ports fit in 16 bits
}

// macFor derives a stable locally administered MAC from an IPv4 address so
// each endpoint keeps one hardware address across the capture.
func macFor(ip net.IP) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, ip[0], ip[1], ip[2], ip[3]}
}
