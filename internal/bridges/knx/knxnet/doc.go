// Package knxnet implements the KNXnet/IP frames used by a tunnelling
// client: the common header, host protocol address information (HPAI),
// connection request/response data blocks, device information blocks and
// the service bodies for search, description, connect, connection state,
// disconnect and tunnelling.
//
// Every frame is a plain struct implementing Message. Encode produces the
// complete datagram including header; Decode parses a datagram and returns
// the concrete message type.
//
//	datagram := knxnet.Encode(&knxnet.ConnectRequest{Control: hpai, Data: hpai})
//	msg, err := knxnet.Decode(datagram)
//	switch m := msg.(type) {
//	case *knxnet.ConnectResponse:
//	    ...
//	}
//
// Discover sends a SEARCH_REQUEST to the KNXnet/IP system setup multicast
// address and collects the gateways that answer.
//
// The package only knows about bytes on the wire. Group addresses,
// datapoint types and cEMI framing live in the parent knx package.
package knxnet
