package knxnet

import (
	"bytes"
	"fmt"
)

// Status codes carried in responses and acknowledgements.
const (
	StatusNoError          byte = 0x00
	StatusHostProtocol     byte = 0x01
	StatusVersion          byte = 0x02
	StatusSequenceNumber   byte = 0x04
	StatusConnectionID     byte = 0x21
	StatusConnectionType   byte = 0x22
	StatusConnectionOption byte = 0x23
	StatusNoMoreConnection byte = 0x24
	StatusDataConnection   byte = 0x26
	StatusKNXConnection    byte = 0x27
	StatusTunnellingLayer  byte = 0x29
)

// StatusText describes a status code for logs and errors.
func StatusText(code byte) string {
	switch code {
	case StatusNoError:
		return "no error"
	case StatusHostProtocol:
		return "host protocol type not supported"
	case StatusVersion:
		return "protocol version not supported"
	case StatusSequenceNumber:
		return "out of sequence"
	case StatusConnectionID:
		return "unknown connection id"
	case StatusConnectionType:
		return "connection type not supported"
	case StatusConnectionOption:
		return "connection option not supported"
	case StatusNoMoreConnection:
		return "no more connections"
	case StatusDataConnection:
		return "data connection error"
	case StatusKNXConnection:
		return "KNX connection error"
	case StatusTunnellingLayer:
		return "tunnelling layer not supported"
	default:
		return fmt.Sprintf("status 0x%02X", code)
	}
}

// Message is a KNXnet/IP service body.
type Message interface {
	// Service returns the service type written to the header.
	Service() ServiceType

	appendBody(b []byte) []byte
}

// Encode returns the complete datagram for msg.
func Encode(msg Message) []byte {
	body := msg.appendBody(make([]byte, 0, 64))
	out := appendHeader(make([]byte, 0, HeaderSize+len(body)), msg.Service(), len(body))
	return append(out, body...)
}

// Decode parses a datagram into its concrete message type.
func Decode(datagram []byte) (Message, error) {
	if len(datagram) > maxDatagram {
		return nil, fmt.Errorf("%w: %d byte datagram", ErrInvalidHeader, len(datagram))
	}
	h, err := ParseHeader(datagram)
	if err != nil {
		return nil, err
	}

	var msg interface {
		Message
		parseBody([]byte) error
	}
	switch h.Service {
	case ServiceSearchRequest:
		msg = &SearchRequest{}
	case ServiceSearchResponse:
		msg = &SearchResponse{}
	case ServiceDescriptionRequest:
		msg = &DescriptionRequest{}
	case ServiceDescriptionResponse:
		msg = &DescriptionResponse{}
	case ServiceConnectRequest:
		msg = &ConnectRequest{}
	case ServiceConnectResponse:
		msg = &ConnectResponse{}
	case ServiceConnectionStateRequest:
		msg = &ConnectionStateRequest{}
	case ServiceConnectionStateResponse:
		msg = &ConnectionStateResponse{}
	case ServiceDisconnectRequest:
		msg = &DisconnectRequest{}
	case ServiceDisconnectResponse:
		msg = &DisconnectResponse{}
	case ServiceTunnelingRequest:
		msg = &TunnelingRequest{}
	case ServiceTunnelingAck:
		msg = &TunnelingAck{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedService, h.Service)
	}

	if err := msg.parseBody(datagram[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("%s: %w", h.Service, err)
	}
	return msg, nil
}

// ─── Search / Description ──────────────────────────────────────────

// SearchRequest asks all gateways to describe themselves.
type SearchRequest struct {
	Discovery HPAI
}

func (*SearchRequest) Service() ServiceType { return ServiceSearchRequest }

func (m *SearchRequest) appendBody(b []byte) []byte { return m.Discovery.appendTo(b) }

func (m *SearchRequest) parseBody(data []byte) (err error) {
	m.Discovery, _, err = parseHPAI(data)
	return err
}

// SearchResponse describes one gateway.
type SearchResponse struct {
	Control  HPAI
	Device   DeviceInfo
	Families []ServiceFamily
}

func (*SearchResponse) Service() ServiceType { return ServiceSearchResponse }

func (m *SearchResponse) appendBody(b []byte) []byte {
	b = m.Control.appendTo(b)
	b = m.Device.appendTo(b)
	return appendFamilies(b, m.Families)
}

func (m *SearchResponse) parseBody(data []byte) error {
	var err error
	if m.Control, data, err = parseHPAI(data); err != nil {
		return err
	}
	m.Device, m.Families, err = parseDIBs(data)
	return err
}

// DescriptionRequest asks a single gateway to describe itself.
type DescriptionRequest struct {
	Control HPAI
}

func (*DescriptionRequest) Service() ServiceType { return ServiceDescriptionRequest }

func (m *DescriptionRequest) appendBody(b []byte) []byte { return m.Control.appendTo(b) }

func (m *DescriptionRequest) parseBody(data []byte) (err error) {
	m.Control, _, err = parseHPAI(data)
	return err
}

// DescriptionResponse is a gateway's self description.
type DescriptionResponse struct {
	Device   DeviceInfo
	Families []ServiceFamily
}

func (*DescriptionResponse) Service() ServiceType { return ServiceDescriptionResponse }

func (m *DescriptionResponse) appendBody(b []byte) []byte {
	return appendFamilies(m.Device.appendTo(b), m.Families)
}

func (m *DescriptionResponse) parseBody(data []byte) (err error) {
	m.Device, m.Families, err = parseDIBs(data)
	return err
}

// ─── Connection management ─────────────────────────────────────────

// ConnectRequest opens a tunnelling connection.
type ConnectRequest struct {
	Control HPAI
	Data    HPAI

	// Layer is the requested tunnelling layer; zero means TunnelLinkLayer.
	Layer byte
}

func (*ConnectRequest) Service() ServiceType { return ServiceConnectRequest }

func (m *ConnectRequest) appendBody(b []byte) []byte {
	layer := m.Layer
	if layer == 0 {
		layer = TunnelLinkLayer
	}
	b = m.Control.appendTo(b)
	b = m.Data.appendTo(b)
	return append(b, criSize, connTypeTunnel, layer, 0x00)
}

func (m *ConnectRequest) parseBody(data []byte) error {
	var err error
	if m.Control, data, err = parseHPAI(data); err != nil {
		return err
	}
	if m.Data, data, err = parseHPAI(data); err != nil {
		return err
	}
	if len(data) < criSize || data[0] != criSize {
		return fmt.Errorf("%w: CRI", ErrShortBody)
	}
	if data[1] != connTypeTunnel {
		return fmt.Errorf("%w: connection type 0x%02X", ErrUnsupportedService, data[1])
	}
	m.Layer = data[2]
	return nil
}

// ConnectResponse answers a ConnectRequest. On success it carries the
// channel id, the gateway's data endpoint and the individual address
// assigned to the tunnel.
type ConnectResponse struct {
	Channel byte
	Status  byte
	Data    HPAI
	Address [2]byte
}

func (*ConnectResponse) Service() ServiceType { return ServiceConnectResponse }

func (m *ConnectResponse) appendBody(b []byte) []byte {
	b = append(b, m.Channel, m.Status)
	if m.Status != StatusNoError {
		return b
	}
	b = m.Data.appendTo(b)
	return append(b, crdSize, connTypeTunnel, m.Address[0], m.Address[1])
}

func (m *ConnectResponse) parseBody(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: connect response", ErrShortBody)
	}
	m.Channel, m.Status = data[0], data[1]
	if m.Status != StatusNoError {
		return nil
	}
	var err error
	if m.Data, data, err = parseHPAI(data[2:]); err != nil {
		return err
	}
	if len(data) < crdSize || data[0] != crdSize {
		return fmt.Errorf("%w: CRD", ErrShortBody)
	}
	m.Address = [2]byte{data[2], data[3]}
	return nil
}

// ConnectionStateRequest is the heartbeat a client sends to keep the
// tunnel open.
type ConnectionStateRequest struct {
	Channel byte
	Control HPAI
}

func (*ConnectionStateRequest) Service() ServiceType { return ServiceConnectionStateRequest }

func (m *ConnectionStateRequest) appendBody(b []byte) []byte {
	return m.Control.appendTo(append(b, m.Channel, 0x00))
}

func (m *ConnectionStateRequest) parseBody(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: connection state request", ErrShortBody)
	}
	m.Channel = data[0]
	var err error
	m.Control, _, err = parseHPAI(data[2:])
	return err
}

// ConnectionStateResponse answers a heartbeat.
type ConnectionStateResponse struct {
	Channel byte
	Status  byte
}

func (*ConnectionStateResponse) Service() ServiceType { return ServiceConnectionStateResponse }

func (m *ConnectionStateResponse) appendBody(b []byte) []byte { return append(b, m.Channel, m.Status) }

func (m *ConnectionStateResponse) parseBody(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: connection state response", ErrShortBody)
	}
	m.Channel, m.Status = data[0], data[1]
	return nil
}

// DisconnectRequest closes a tunnel. Either side may send it.
type DisconnectRequest struct {
	Channel byte
	Control HPAI
}

func (*DisconnectRequest) Service() ServiceType { return ServiceDisconnectRequest }

func (m *DisconnectRequest) appendBody(b []byte) []byte {
	return m.Control.appendTo(append(b, m.Channel, 0x00))
}

func (m *DisconnectRequest) parseBody(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: disconnect request", ErrShortBody)
	}
	m.Channel = data[0]
	var err error
	m.Control, _, err = parseHPAI(data[2:])
	return err
}

// DisconnectResponse acknowledges a DisconnectRequest.
type DisconnectResponse struct {
	Channel byte
	Status  byte
}

func (*DisconnectResponse) Service() ServiceType { return ServiceDisconnectResponse }

func (m *DisconnectResponse) appendBody(b []byte) []byte { return append(b, m.Channel, m.Status) }

func (m *DisconnectResponse) parseBody(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: disconnect response", ErrShortBody)
	}
	m.Channel, m.Status = data[0], data[1]
	return nil
}

// ─── Tunnelling ────────────────────────────────────────────────────

// connHeaderSize is the length of the connection header in tunnelling
// frames: length, channel, sequence, status.
const connHeaderSize = 4

// TunnelingRequest carries a cEMI frame over an open tunnel.
type TunnelingRequest struct {
	Channel  byte
	Sequence byte
	Payload  []byte
}

func (*TunnelingRequest) Service() ServiceType { return ServiceTunnelingRequest }

func (m *TunnelingRequest) appendBody(b []byte) []byte {
	b = append(b, connHeaderSize, m.Channel, m.Sequence, 0x00)
	return append(b, m.Payload...)
}

func (m *TunnelingRequest) parseBody(data []byte) error {
	if len(data) < connHeaderSize || data[0] != connHeaderSize {
		return fmt.Errorf("%w: connection header", ErrShortBody)
	}
	m.Channel, m.Sequence = data[1], data[2]
	m.Payload = bytes.Clone(data[connHeaderSize:])
	return nil
}

// TunnelingAck acknowledges a TunnelingRequest with the same sequence.
type TunnelingAck struct {
	Channel  byte
	Sequence byte
	Status   byte
}

func (*TunnelingAck) Service() ServiceType { return ServiceTunnelingAck }

func (m *TunnelingAck) appendBody(b []byte) []byte {
	return append(b, connHeaderSize, m.Channel, m.Sequence, m.Status)
}

func (m *TunnelingAck) parseBody(data []byte) error {
	if len(data) < connHeaderSize || data[0] != connHeaderSize {
		return fmt.Errorf("%w: connection header", ErrShortBody)
	}
	m.Channel, m.Sequence, m.Status = data[1], data[2], data[3]
	return nil
}
