package knxnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDescriber answers DESCRIPTION_REQUESTs with the given device,
// replying to the datagram source.
func startDescriber(t *testing.T, device DeviceInfo, families ...ServiceFamily) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := Decode(buf[:n])
			if err != nil {
				continue
			}
			if _, ok := msg.(*DescriptionRequest); !ok {
				continue
			}
			// Noise first; Describe must skip it
			_, _ = conn.WriteToUDP(searchResponse(NewHPAI(nil), "noise"), src)
			_, _ = conn.WriteToUDP(Encode(&DescriptionResponse{Device: device, Families: families}), src)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestDescribe(t *testing.T) {
	addr := startDescriber(t,
		DeviceInfo{Medium: 0x02, Address: [2]byte{0x00, 0x01}, Name: "knxd"},
		ServiceFamily{FamilyCore, 1}, ServiceFamily{FamilyTunnelling, 1},
	)

	gw, err := Describe(context.Background(), addr.String(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, "knxd", gw.Device.Name)
	assert.Equal(t, "0.0.1", gw.Device.IndividualAddress())
	assert.True(t, gw.Tunnelling())
	assert.Equal(t, addr.Port, gw.Control.Port)
}

func TestDescribeNoAnswer(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	start := time.Now()
	_, err = Describe(context.Background(), silent.LocalAddr().String(), 200*time.Millisecond)
	require.ErrorIs(t, err, ErrNoDescription)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDescribeContextDeadline(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Describe(ctx, silent.LocalAddr().String(), 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDescribeBadAddress(t *testing.T) {
	_, err := Describe(context.Background(), "not an address", 0)
	require.Error(t, err)
}
