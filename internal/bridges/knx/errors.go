package knx

import "errors"

// Domain errors for the KNX protocol core and tunnel.
var (
	// ErrMalformedCommand is returned when a command definition is missing a
	// mandatory property, carries unrecognised command text, or cannot be
	// encoded for its datapoint type. No frame is ever produced for it.
	ErrMalformedCommand = errors.New("knx: malformed command")

	// ErrValueOutOfRange is returned when a value lies outside the domain of
	// the datapoint type it is encoded with.
	ErrValueOutOfRange = errors.New("knx: value out of range")

	// ErrUnknownDatapointType is returned when a datapoint type identifier
	// is not present in the registry.
	ErrUnknownDatapointType = errors.New("knx: unknown datapoint type")

	// ErrInvalidGroupAddress is returned when a group address string
	// cannot be parsed.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidDPT is returned when a datapoint type cannot be used for the
	// requested operation (for example a 3-bit control type for RANGE).
	ErrInvalidDPT = errors.New("knx: invalid datapoint type")

	// ErrEncodingFailed is returned when encoding a value to KNX format fails.
	ErrEncodingFailed = errors.New("knx: encoding failed")

	// ErrDecodingFailed is returned when decoding KNX data to a value fails.
	ErrDecodingFailed = errors.New("knx: decoding failed")

	// ErrInvalidFrame is returned when an inbound cEMI frame or APDU is
	// malformed. Such frames are dropped, never fatal.
	ErrInvalidFrame = errors.New("knx: invalid frame")

	// ErrNotConnected is returned when an operation requires an active
	// tunnel but none is established.
	ErrNotConnected = errors.New("knx: tunnel not connected")

	// ErrConnectionFailed is returned when the tunnel cannot be established.
	ErrConnectionFailed = errors.New("knx: tunnel connection failed")

	// ErrConnectionRejected is returned when the gateway answers a
	// CONNECT_REQUEST with a non-zero status.
	ErrConnectionRejected = errors.New("knx: gateway rejected connection")

	// ErrDiscoveryFailed is returned when no tunnelling gateway answers a
	// search request in time.
	ErrDiscoveryFailed = errors.New("knx: gateway discovery failed")

	// ErrAckTimeout is returned when the gateway does not acknowledge a
	// tunnelling request. The caller may retry.
	ErrAckTimeout = errors.New("knx: tunnelling request not acknowledged")

	// ErrUnknownCommand is returned when a command name is not in the
	// catalogue.
	ErrUnknownCommand = errors.New("knx: unknown command")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("knx: operation timed out")
)
