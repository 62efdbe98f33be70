package knxnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// Discovery defaults.
const (
	defaultDiscoveryTimeout = 3 * time.Second
	defaultMulticastTTL     = 16
	discoveryPollInterval   = 250 * time.Millisecond
)

// DiscoveryConfig controls a gateway search.
type DiscoveryConfig struct {
	// SearchAddress is where the SEARCH_REQUEST is sent.
	// Default: "224.0.23.12:3671".
	SearchAddress string

	// Interface is the network interface used for multicast, empty for
	// the system default.
	Interface string

	// Timeout bounds how long responses are collected. Default: 3s.
	Timeout time.Duration

	// TTL is the multicast TTL. Default: 16.
	TTL int

	// Loopback enables multicast loopback so gateways on the same host
	// (simulators) can answer.
	Loopback bool

	// FirstOnly stops at the first tunnelling-capable gateway.
	FirstOnly bool
}

// Gateway is a KNXnet/IP server that answered a search request.
type Gateway struct {
	// Control is the gateway's control endpoint. When the gateway
	// advertises NAT mode the datagram's source is used instead.
	Control *net.UDPAddr

	Device   DeviceInfo
	Families []ServiceFamily
}

// Tunnelling reports whether the gateway offers tunnelling connections.
func (g Gateway) Tunnelling() bool {
	return SupportsTunnelling(g.Families)
}

// Discover sends a SEARCH_REQUEST and collects responses until the
// timeout expires or ctx is cancelled. Duplicate answers from the same
// control endpoint are reported once. An empty result is not an error.
func Discover(ctx context.Context, cfg DiscoveryConfig) ([]Gateway, error) {
	if cfg.SearchAddress == "" {
		cfg.SearchAddress = fmt.Sprintf("%s:%d", SystemSetupMulticast, DefaultPort)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDiscoveryTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultMulticastTTL
	}

	target, err := net.ResolveUDPAddr("udp4", cfg.SearchAddress)
	if err != nil {
		return nil, fmt.Errorf("resolving search address %q: %w", cfg.SearchAddress, err)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("interface %q: %w", cfg.Interface, err)
		}
	}

	localIP, err := localIPv4(ifi, target)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP})
	if err != nil {
		return nil, fmt.Errorf("listen UDP for discovery: %w", err)
	}
	defer conn.Close()

	if target.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		if ifi != nil {
			if err := p.SetMulticastInterface(ifi); err != nil {
				return nil, fmt.Errorf("set multicast interface: %w", err)
			}
		}
		if err := p.SetMulticastTTL(cfg.TTL); err != nil {
			return nil, fmt.Errorf("set multicast TTL: %w", err)
		}
		if err := p.SetMulticastLoopback(cfg.Loopback); err != nil {
			return nil, fmt.Errorf("set multicast loopback: %w", err)
		}
	}

	local, _ := conn.LocalAddr().(*net.UDPAddr)
	req := Encode(&SearchRequest{Discovery: NewHPAI(local)})
	if _, err := conn.WriteToUDP(req, target); err != nil {
		return nil, fmt.Errorf("sending search request: %w", err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var (
		gateways []Gateway
		seen     = make(map[string]bool)
		buf      = make([]byte, maxDatagram)
	)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return gateways, err
		}

		poll := time.Now().Add(discoveryPollInterval)
		if poll.After(deadline) {
			poll = deadline
		}
		if err := conn.SetReadDeadline(poll); err != nil {
			return gateways, fmt.Errorf("set read deadline: %w", err)
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return gateways, fmt.Errorf("reading search responses: %w", err)
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		res, ok := msg.(*SearchResponse)
		if !ok {
			continue
		}

		gw := Gateway{Control: res.Control.UDPAddr(), Device: res.Device, Families: res.Families}
		if res.Control.IsUnspecified() {
			gw.Control = src
		}
		key := gw.Control.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		gateways = append(gateways, gw)

		if cfg.FirstOnly && gw.Tunnelling() {
			return gateways, nil
		}
	}

	return gateways, nil
}

// localIPv4 picks the address the search response should be sent to: the
// first IPv4 address of ifi, or the address the kernel would route target
// from.
func localIPv4(ifi *net.Interface, target *net.UDPAddr) (net.IP, error) {
	if ifi != nil {
		addrs, err := ifi.Addrs()
		if err != nil {
			return nil, fmt.Errorf("interface %s addresses: %w", ifi.Name, err)
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if ip4 := ipNet.IP.To4(); ip4 != nil {
					return ip4, nil
				}
			}
		}
		return nil, fmt.Errorf("interface %s has no IPv4 address", ifi.Name)
	}

	probe, err := net.DialUDP("udp4", nil, target)
	if err != nil {
		return nil, fmt.Errorf("no route to %s: %w", target, err)
	}
	defer probe.Close()
	return probe.LocalAddr().(*net.UDPAddr).IP, nil
}
