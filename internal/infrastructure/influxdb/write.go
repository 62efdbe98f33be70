package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the gateway.
const (
	// MeasurementGroupValue holds decoded numeric group values.
	MeasurementGroupValue = "knx_value"

	// MeasurementTunnel holds tunnel statistics snapshots.
	MeasurementTunnel = "knx_tunnel"
)

// TunnelSample is one snapshot of tunnel counters.
type TunnelSample struct {
	Gateway          string
	Connected        bool
	TelegramsTx      uint64
	TelegramsRx      uint64
	TelegramsDropped uint64
	AckTimeouts      uint64
	Reconnects       uint64
}

// WriteGroupValue records a decoded group value as a knx_value point.
//
// Booleans are stored as 0/1 and integers as floats so a group address
// always has one field type. Values with no numeric form (3-bit control,
// strings) are skipped and reported as false.
//
// Parameters:
//   - ga: Group address in "m/n/s" form (tag "ga")
//   - dpt: Datapoint type id such as "9.001" (tag "dpt")
//   - value: Decoded value
//   - ts: Time the telegram was received
//
// Example:
//
//	client.WriteGroupValue("1/2/3", "9.001", 21.5, time.Now())
func (c *Client) WriteGroupValue(ga, dpt string, value any, ts time.Time) bool {
	point, ok := groupValuePoint(ga, dpt, value, ts)
	if !ok || !c.IsConnected() {
		return false
	}
	c.writeAPI.WritePoint(point)
	return true
}

// WriteTunnelSample records tunnel counters as a knx_tunnel point.
func (c *Client) WriteTunnelSample(s TunnelSample, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(tunnelPoint(s, ts))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Example:
//
//	client.WritePoint("knx_bus_load",
//	    map[string]string{"line": "1.1"},
//	    map[string]interface{}{"telegrams_per_second": 4.2}, time.Now())
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

func groupValuePoint(ga, dpt string, value any, ts time.Time) (*write.Point, bool) {
	v, ok := numeric(value)
	if !ok {
		return nil, false
	}
	return write.NewPoint(
		MeasurementGroupValue,
		map[string]string{"ga": ga, "dpt": dpt},
		map[string]interface{}{"value": v},
		ts,
	), true
}

func tunnelPoint(s TunnelSample, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTunnel,
		map[string]string{"gateway": s.Gateway},
		map[string]interface{}{
			"connected":    s.Connected,
			"tx":           s.TelegramsTx,
			"rx":           s.TelegramsRx,
			"dropped":      s.TelegramsDropped,
			"ack_timeouts": s.AckTimeouts,
			"reconnects":   s.Reconnects,
		},
		ts,
	)
}

// numeric converts the decoded value kinds produced by the DPT codecs.
func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
