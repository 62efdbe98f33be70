package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/capture"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/logging"
)

// gatewayFlags are the persistent flags shared by every command that
// opens a tunnel or searches for gateways.
type gatewayFlags struct {
	gateway       string
	interfaceName string
	localAddress  string
	natMode       bool
	loopback      bool
	timeout       time.Duration
	pcap          string
	logLevel      string
}

func (f *gatewayFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.gateway, "gateway", "g", "", "Gateway control endpoint host:port (default: discover)")
	pf.StringVar(&f.interfaceName, "interface", "", "Network interface for discovery multicast")
	pf.StringVar(&f.localAddress, "local", "", "Local address to bind the tunnel socket")
	pf.BoolVar(&f.natMode, "nat", false, "Use NAT mode (0.0.0.0:0 endpoints)")
	pf.BoolVar(&f.loopback, "loopback", false, "Enable multicast loopback (gateway simulators on this host)")
	pf.DurationVar(&f.timeout, "timeout", 5*time.Second, "Connect, discovery and response timeout")
	pf.StringVar(&f.pcap, "pcap", "", "Write tunnel datagrams to this pcap file")
	pf.StringVar(&f.logLevel, "log-level", "warn", "Log level on stderr: debug|info|warn|error")
}

func (f *gatewayFlags) logger() *logging.Logger {
	return logging.NewWithWriter(os.Stderr, config.LoggingConfig{
		Level:  f.logLevel,
		Format: "text",
	}, "knxctl", version)
}

func (f *gatewayFlags) discoveryConfig() knxnet.DiscoveryConfig {
	return knxnet.DiscoveryConfig{
		Interface: f.interfaceName,
		Timeout:   f.timeout,
		Loopback:  f.loopback,
	}
}

// session is an open tunnel plus the optional capture behind it.
type session struct {
	tunnel  *knx.Tunnel
	capture *capture.Recorder
}

// openTunnel connects a one-shot tunnel. Reconnection is disabled: a lost
// connection fails the command instead.
func (f *gatewayFlags) openTunnel(ctx context.Context) (*session, error) {
	log := f.logger()
	s := &session{}

	opts := []knx.TunnelOption{knx.WithLogger(log)}
	if f.pcap != "" {
		rec, err := capture.Open(f.pcap)
		if err != nil {
			return nil, err
		}
		rec.SetLogger(log)
		s.capture = rec
		opts = append(opts, knx.WithFrameRecorder(rec))
	}

	s.tunnel = knx.NewTunnel(knx.TunnelConfig{
		Gateway:          f.gateway,
		LocalAddress:     f.localAddress,
		NATMode:          f.natMode,
		Discovery:        f.discoveryConfig(),
		ConnectTimeout:   f.timeout,
		DisableReconnect: true,
	}, opts...)

	if err := s.tunnel.Connect(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

// Close disconnects the tunnel and flushes the capture.
func (s *session) Close() {
	if s.tunnel != nil {
		_ = s.tunnel.Close()
	}
	if s.capture != nil {
		_ = s.capture.Close()
	}
}
