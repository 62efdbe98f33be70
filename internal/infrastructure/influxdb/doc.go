// Package influxdb writes KNX history to InfluxDB 2.x.
//
// Points go through the batching, non-blocking WriteAPI of
// influxdb-client-go, so the bus path never waits on the database.
//
//	knx_value   ga, dpt tags; value field (bool as 0/1)
//	knx_tunnel  gateway tag; connected, tx, rx, dropped, ack_timeouts, reconnects
//
// Non-numeric values (3-bit control, strings) are not recorded.
package influxdb
