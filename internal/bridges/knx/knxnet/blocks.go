package knxnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Host protocol codes used in an HPAI.
const (
	ProtocolUDP4 byte = 0x01
	ProtocolTCP4 byte = 0x02
)

// Block sizes and type codes.
const (
	hpaiSize = 8
	criSize  = 4
	crdSize  = 4

	// connTypeTunnel is the tunnelling connection type in CRI/CRD.
	connTypeTunnel byte = 0x04

	// TunnelLinkLayer requests a data link layer tunnel.
	TunnelLinkLayer byte = 0x02

	dibDeviceInfo        byte = 0x01
	dibSupportedFamilies byte = 0x02
	deviceInfoSize            = 54
	deviceNameSize            = 30
)

// Service family identifiers in a supported-families DIB.
const (
	FamilyCore             byte = 0x02
	FamilyDeviceManagement byte = 0x03
	FamilyTunnelling       byte = 0x04
	FamilyRouting          byte = 0x05
)

// HPAI is a host protocol address information block: where the peer
// should send frames. An all-zero address selects NAT mode, in which the
// gateway replies to the datagram's source address.
type HPAI struct {
	Protocol byte
	IP       [4]byte
	Port     uint16
}

// NewHPAI builds a UDP HPAI for addr. A nil address or one without an
// IPv4 part yields the NAT-mode HPAI 0.0.0.0:0.
func NewHPAI(addr *net.UDPAddr) HPAI {
	h := HPAI{Protocol: ProtocolUDP4}
	if addr == nil {
		return h
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(h.IP[:], ip4)
		h.Port = uint16(addr.Port) //nolint:gosec // UDP ports fit in 16 bits
	}
	return h
}

// UDPAddr returns the endpoint described by the HPAI.
func (h HPAI) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(h.IP[0], h.IP[1], h.IP[2], h.IP[3]), Port: int(h.Port)}
}

// IsUnspecified reports whether the HPAI selects NAT mode.
func (h HPAI) IsUnspecified() bool {
	return h.IP == [4]byte{} || h.Port == 0
}

// String returns "ip:port".
func (h HPAI) String() string {
	return h.UDPAddr().String()
}

func (h HPAI) appendTo(b []byte) []byte {
	b = append(b, hpaiSize, h.Protocol)
	b = append(b, h.IP[:]...)
	return binary.BigEndian.AppendUint16(b, h.Port)
}

func parseHPAI(data []byte) (HPAI, []byte, error) {
	if len(data) < hpaiSize || data[0] != hpaiSize {
		return HPAI{}, nil, fmt.Errorf("%w: HPAI", ErrShortBody)
	}
	h := HPAI{Protocol: data[1], Port: binary.BigEndian.Uint16(data[6:8])}
	copy(h.IP[:], data[2:6])
	return h, data[hpaiSize:], nil
}

// ServiceFamily is one entry of a supported-families DIB.
type ServiceFamily struct {
	ID      byte
	Version byte
}

// DeviceInfo is the device hardware DIB of a search or description
// response.
type DeviceInfo struct {
	Medium    byte
	Status    byte
	Address   [2]byte
	ProjectID uint16
	Serial    [6]byte
	Multicast [4]byte
	MAC       net.HardwareAddr
	Name      string
}

// IndividualAddress formats the device's bus address as area.line.device.
func (d DeviceInfo) IndividualAddress() string {
	return fmt.Sprintf("%d.%d.%d", d.Address[0]>>4, d.Address[0]&0x0F, d.Address[1])
}

// ProgrammingMode reports whether the device is in programming mode.
func (d DeviceInfo) ProgrammingMode() bool {
	return d.Status&0x01 != 0
}

func (d DeviceInfo) appendTo(b []byte) []byte {
	b = append(b, deviceInfoSize, dibDeviceInfo, d.Medium, d.Status)
	b = append(b, d.Address[:]...)
	b = binary.BigEndian.AppendUint16(b, d.ProjectID)
	b = append(b, d.Serial[:]...)
	b = append(b, d.Multicast[:]...)
	var mac [6]byte
	copy(mac[:], d.MAC)
	b = append(b, mac[:]...)
	var name [deviceNameSize]byte
	copy(name[:], d.Name)
	return append(b, name[:]...)
}

func parseDeviceInfo(block []byte) (DeviceInfo, error) {
	if len(block) != deviceInfoSize {
		return DeviceInfo{}, fmt.Errorf("%w: device info DIB is %d bytes", ErrShortBody, len(block))
	}
	d := DeviceInfo{
		Medium:    block[2],
		Status:    block[3],
		Address:   [2]byte{block[4], block[5]},
		ProjectID: binary.BigEndian.Uint16(block[6:8]),
		MAC:       net.HardwareAddr(bytes.Clone(block[18:24])),
		Name:      string(bytes.TrimRight(block[24:54], "\x00")),
	}
	copy(d.Serial[:], block[8:14])
	copy(d.Multicast[:], block[14:18])
	return d, nil
}

func appendFamilies(b []byte, families []ServiceFamily) []byte {
	b = append(b, byte(2+2*len(families)), dibSupportedFamilies) //nolint:gosec // a handful of families
	for _, f := range families {
		b = append(b, f.ID, f.Version)
	}
	return b
}

// parseDIBs walks description information blocks, keeping the ones this
// package understands and skipping the rest.
func parseDIBs(data []byte) (DeviceInfo, []ServiceFamily, error) {
	var (
		info     DeviceInfo
		families []ServiceFamily
	)
	for len(data) > 0 {
		if len(data) < 2 || int(data[0]) < 2 || int(data[0]) > len(data) {
			return info, families, fmt.Errorf("%w: DIB", ErrShortBody)
		}
		block := data[:data[0]]
		switch block[1] {
		case dibDeviceInfo:
			var err error
			if info, err = parseDeviceInfo(block); err != nil {
				return info, families, err
			}
		case dibSupportedFamilies:
			for i := 2; i+1 < len(block); i += 2 {
				families = append(families, ServiceFamily{ID: block[i], Version: block[i+1]})
			}
		}
		data = data[len(block):]
	}
	return info, families, nil
}

// SupportsTunnelling reports whether families lists the tunnelling service.
func SupportsTunnelling(families []ServiceFamily) bool {
	for _, f := range families {
		if f.ID == FamilyTunnelling {
			return true
		}
	}
	return false
}
