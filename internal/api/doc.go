// Package api implements the HTTP REST API and WebSocket server for the
// KNXnet/IP gateway.
//
// This package provides:
//   - Command endpoints for catalogue entries and ad-hoc definitions
//   - Status endpoints backed by the bridge's status cache
//   - Bus discovery from the group address recorder
//   - ETS export preview for commissioning
//   - A WebSocket telegram stream filtered by group address patterns
//     ("1/2/*"), which also accepts GroupValue_Read requests
//
// # Architecture
//
// The server holds a *knx.Bridge and never talks to the tunnel directly.
// Commands and reads go through the bridge so HTTP and MQTT clients share
// one path to the bus and one set of counters. Bridge errors are mapped to
// HTTP status codes from the same error codes the MQTT acks carry.
//
// # Graceful Degradation
//
// The bus recorder, database and MQTT client are optional. Without the
// recorder the discovery endpoints answer 503; the rest of the API works.
// While the tunnel is down, health reports "degraded" and commands fail
// with 503.
package api
