// Package knxd runs a local knxd as a KNXnet/IP server.
//
// Installations without an IP gateway drive the bus through a USB
// interface or a TP-UART transceiver. knxipd then starts knxd with its
// KNXnet/IP server enabled (-D -T -S) and points its own tunnel at
// 127.0.0.1, so the rest of the daemon only ever speaks KNXnet/IP.
//
// The process is supervised by internal/process: restarts with backoff,
// an optional usbreset before each restart, and a watchdog that probes
// USB presence, the process state and the server itself.
//
// Example configuration:
//
//	knxd:
//	  managed: true
//	  physical_address: "0.0.1"
//	  client_addresses: "0.0.2:8"
//	  backend:
//	    type: usb
//	    usb_vendor_id: "0e77"
//	    usb_product_id: "0104"
//	    usb_reset_on_retry: true
//
// With managed knxd and no tunnel.gateway set, the tunnel connects to the
// local server.
package knxd
