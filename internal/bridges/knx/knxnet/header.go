package knxnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned while decoding frames.
var (
	// ErrInvalidHeader is returned when the 6-byte header is malformed.
	ErrInvalidHeader = errors.New("knxnet: invalid header")

	// ErrUnsupportedService is returned for service types this package
	// does not decode.
	ErrUnsupportedService = errors.New("knxnet: unsupported service")

	// ErrShortBody is returned when a body or block is truncated.
	ErrShortBody = errors.New("knxnet: body too short")
)

// Header constants.
const (
	// HeaderSize is the fixed KNXnet/IP header length.
	HeaderSize = 6

	// ProtocolVersion is KNXnet/IP version 1.0.
	ProtocolVersion = 0x10

	// DefaultPort is the standard KNXnet/IP UDP port.
	DefaultPort = 3671

	// SystemSetupMulticast is the multicast group for search requests.
	SystemSetupMulticast = "224.0.23.12"

	// maxDatagram bounds the datagram size accepted by Decode.
	maxDatagram = 512
)

// ServiceType identifies a KNXnet/IP service.
type ServiceType uint16

// Service types used by a tunnelling client.
const (
	ServiceSearchRequest           ServiceType = 0x0201
	ServiceSearchResponse          ServiceType = 0x0202
	ServiceDescriptionRequest      ServiceType = 0x0203
	ServiceDescriptionResponse     ServiceType = 0x0204
	ServiceConnectRequest          ServiceType = 0x0205
	ServiceConnectResponse         ServiceType = 0x0206
	ServiceConnectionStateRequest  ServiceType = 0x0207
	ServiceConnectionStateResponse ServiceType = 0x0208
	ServiceDisconnectRequest       ServiceType = 0x0209
	ServiceDisconnectResponse      ServiceType = 0x020A
	ServiceTunnelingRequest        ServiceType = 0x0420
	ServiceTunnelingAck            ServiceType = 0x0421
)

// String returns the service name as used in the KNXnet/IP documents.
func (s ServiceType) String() string {
	switch s {
	case ServiceSearchRequest:
		return "SEARCH_REQUEST"
	case ServiceSearchResponse:
		return "SEARCH_RESPONSE"
	case ServiceDescriptionRequest:
		return "DESCRIPTION_REQUEST"
	case ServiceDescriptionResponse:
		return "DESCRIPTION_RESPONSE"
	case ServiceConnectRequest:
		return "CONNECT_REQUEST"
	case ServiceConnectResponse:
		return "CONNECT_RESPONSE"
	case ServiceConnectionStateRequest:
		return "CONNECTIONSTATE_REQUEST"
	case ServiceConnectionStateResponse:
		return "CONNECTIONSTATE_RESPONSE"
	case ServiceDisconnectRequest:
		return "DISCONNECT_REQUEST"
	case ServiceDisconnectResponse:
		return "DISCONNECT_RESPONSE"
	case ServiceTunnelingRequest:
		return "TUNNELING_REQUEST"
	case ServiceTunnelingAck:
		return "TUNNELING_ACK"
	default:
		return fmt.Sprintf("SERVICE_0x%04X", uint16(s))
	}
}

// Header is the common 6-byte frame header.
type Header struct {
	Service     ServiceType
	TotalLength uint16
}

// ParseHeader validates and decodes the header at the start of data.
// TotalLength must match len(data).
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}
	if data[0] != HeaderSize || data[1] != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: length/version %02X %02X", ErrInvalidHeader, data[0], data[1])
	}
	h := Header{
		Service:     ServiceType(binary.BigEndian.Uint16(data[2:4])),
		TotalLength: binary.BigEndian.Uint16(data[4:6]),
	}
	if int(h.TotalLength) != len(data) {
		return Header{}, fmt.Errorf("%w: total length %d, datagram %d bytes", ErrInvalidHeader, h.TotalLength, len(data))
	}
	return h, nil
}

// appendHeader writes a header for a body of bodyLen bytes.
func appendHeader(b []byte, service ServiceType, bodyLen int) []byte {
	b = append(b, HeaderSize, ProtocolVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(service))
	return binary.BigEndian.AppendUint16(b, uint16(HeaderSize+bodyLen)) //nolint:gosec // bodies are far below 64 KiB
}
