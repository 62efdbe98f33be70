package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/knxd"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	MQTT          MQTTMetrics       `json:"mqtt"`
	KNX           knx.BridgeMetrics `json:"knx"`
	Database      *DatabaseMetrics  `json:"database,omitempty"`
	KNXD          *knxd.Stats       `json:"knxd,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedFrames    uint64 `json:"dropped_frames"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Configured bool `json:"configured"`
	Connected  bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// TunnelInfo is the JSON view of the tunnel connection.
type TunnelInfo struct {
	State            string     `json:"state"`
	Connected        bool       `json:"connected"`
	Reconnecting     bool       `json:"reconnecting"`
	Gateway          string     `json:"gateway,omitempty"`
	Channel          byte       `json:"channel"`
	TunnelAddress    string     `json:"tunnel_address,omitempty"`
	TelegramsTx      uint64     `json:"telegrams_tx"`
	TelegramsRx      uint64     `json:"telegrams_rx"`
	TelegramsDropped uint64     `json:"telegrams_dropped"`
	AckTimeouts      uint64     `json:"ack_timeouts"`
	Errors           uint64     `json:"errors"`
	Reconnects       uint64     `json:"reconnects"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

func newTunnelInfo(state knx.TunnelState, stats knx.TunnelStats) TunnelInfo {
	info := TunnelInfo{
		State:            state.String(),
		Connected:        stats.Connected,
		Reconnecting:     stats.Reconnecting,
		Gateway:          stats.Gateway,
		Channel:          stats.Channel,
		TunnelAddress:    stats.TunnelAddress,
		TelegramsTx:      stats.TelegramsTx,
		TelegramsRx:      stats.TelegramsRx,
		TelegramsDropped: stats.TelegramsDropped,
		AckTimeouts:      stats.AckTimeouts,
		Errors:           stats.ErrorsTotal,
		Reconnects:       stats.ReconnectsTotal,
	}
	if !stats.LastActivity.IsZero() {
		ts := stats.LastActivity.UTC()
		info.LastActivity = &ts
	}
	return info
}

// handleTunnel returns the tunnel connection state and counters.
func (s *Server) handleTunnel(w http.ResponseWriter, _ *http.Request) {
	tunnel := s.bridge.Tunnel()
	writeJSON(w, http.StatusOK, newTunnelInfo(tunnel.State(), tunnel.Stats()))
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedFrames:    s.hub.Dropped(),
		},
		KNX: s.bridge.GetMetrics(),
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{
			Configured: true,
			Connected:  s.mqtt.IsConnected(),
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.knxd != nil {
		stats := s.knxd.Stats()
		metrics.KNXD = &stats
	}

	writeJSON(w, http.StatusOK, metrics)
}
