// Package capture records KNXnet/IP tunnel traffic to a pcap file.
//
// The tunnel hands every datagram it sends or receives to a Recorder,
// which wraps it in synthesised Ethernet, IPv4 and UDP headers so the
// file opens directly in Wireshark with the KNXnet/IP dissector.
//
//	rec, err := capture.Open("/var/lib/knxip/tunnel.pcap")
//	tunnel := knx.NewTunnel(cfg, knx.WithFrameRecorder(rec))
//	defer rec.Close()
//
// Capture is optional and off by default (capture.enabled in config.yaml).
package capture
