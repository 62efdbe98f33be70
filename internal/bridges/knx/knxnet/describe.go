package knxnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrNoDescription is returned when a gateway does not answer a
// DESCRIPTION_REQUEST in time.
var ErrNoDescription = errors.New("knxnet: no description response")

const defaultDescribeTimeout = 2 * time.Second

// Describe sends a unicast DESCRIPTION_REQUEST to the control endpoint at
// address and returns the gateway's self description.
//
// The request is answered on the same socket, so this works against
// servers bound to loopback and through NAT. A zero timeout uses 2s; an
// earlier ctx deadline wins.
func Describe(ctx context.Context, address string, timeout time.Duration) (Gateway, error) {
	if timeout <= 0 {
		timeout = defaultDescribeTimeout
	}

	target, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return Gateway{}, fmt.Errorf("resolving gateway address %q: %w", address, err)
	}

	conn, err := net.DialUDP("udp4", nil, target)
	if err != nil {
		return Gateway{}, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	local, _ := conn.LocalAddr().(*net.UDPAddr)
	if _, err := conn.Write(Encode(&DescriptionRequest{Control: NewHPAI(local)})); err != nil {
		return Gateway{}, fmt.Errorf("sending description request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return Gateway{}, err
		}

		poll := time.Now().Add(discoveryPollInterval)
		if poll.After(deadline) {
			poll = deadline
		}
		if err := conn.SetReadDeadline(poll); err != nil {
			return Gateway{}, fmt.Errorf("set read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if !time.Now().Before(deadline) {
					return Gateway{}, fmt.Errorf("%w from %s", ErrNoDescription, target)
				}
				continue
			}
			// ICMP port unreachable surfaces here on Linux
			return Gateway{}, fmt.Errorf("%w from %s: %v", ErrNoDescription, target, err)
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		if res, ok := msg.(*DescriptionResponse); ok {
			return Gateway{Control: target, Device: res.Device, Families: res.Families}, nil
		}
	}
}
