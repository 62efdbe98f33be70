// Package knx implements the KNX side of the KNXnet/IP gateway.
//
// It talks to a KNX bus through a KNXnet/IP tunnelling server (an IP
// interface or router), builds group telegrams from textual command
// definitions and translates bus traffic into decoded state.
//
// # Architecture
//
//	┌──────────────┐  MQTT / HTTP  ┌──────────────┐  KNXnet/IP  ┌──────────┐
//	│   Clients    │◄─────────────►│    Bridge    │◄───────────►│ Gateway  │◄──► KNX bus
//	└──────────────┘               └──────────────┘    UDP      └──────────┘
//	                                      │
//	                       StatusCache, GARecorder, ValueWriter
//
// # Building commands
//
// A Definition names a group address, a command word, a datapoint type and
// an optional value. The CommandBuilder resolves it into a Command, which is
// either a GroupValueWrite or a GroupValueRead:
//
//	cmd, err := knx.NewCommandBuilder(nil).Build(knx.Definition{
//	    GroupAddress: "1/2/3",
//	    Command:      "SCALE 50",
//	    DPT:          "5.001",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("% X\n", cmd.Frame()) // 11 00 BC E0 00 00 0A 03 02 00 80 80
//
// Commands are plain values: two commands built from the same definition
// compare equal with ==.
//
// # Group addresses
//
// Group addresses use the 3-level format Main/Middle/Sub ("1/2/3"), with
// 5, 3 and 8 bits per level. MQTT topics carry them as "1-2-3".
//
// # Tunnelling
//
// Tunnel owns the UDP session with the gateway: CONNECT, heartbeat,
// sequence-numbered TUNNELING_REQUEST/ACK exchange and reconnection with
// backoff. Wire encoding of the KNXnet/IP frames lives in the knxnet
// subpackage.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - KNX Standard 03.08.02 (cEMI) and 03.08.04 (Tunnelling)
//   - https://www.knx.org
package knx
