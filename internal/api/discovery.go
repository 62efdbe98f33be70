package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// DiscoveredGA represents a group address seen on the KNX bus.
type DiscoveredGA struct {
	knx.SeenGroupAddress
	LastSeenAgo string `json:"last_seen_ago"`
	Configured  bool   `json:"configured"`
}

// DiscoveredDevice represents a KNX device (individual address) seen on the bus.
type DiscoveredDevice struct {
	knx.SeenDevice
	LastSeenAgo string `json:"last_seen_ago"`
}

// DiscoverySummary provides aggregate statistics about discovered data.
type DiscoverySummary struct {
	Total               int `json:"total"`
	RespondingAddresses int `json:"responding_addresses,omitempty"`
	Unconfigured        int `json:"unconfigured,omitempty"`
	ActiveLast5Min      int `json:"active_last_5min"`
	ActiveLast1Hour     int `json:"active_last_1hour"`
}

// handleListBusAddresses returns the group addresses seen on the bus,
// flagging the ones that have no catalogue status point yet.
func (s *Server) handleListBusAddresses(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeUnavailable(w, "bus recorder not available")
		return
	}

	seen, err := s.bus.GroupAddresses(r.Context())
	if err != nil {
		s.logger.Error("listing seen group addresses failed", "error", err)
		writeInternalError(w, "failed to query group addresses")
		return
	}

	now := time.Now()
	catalog := s.bridge.Catalog()
	out := make([]DiscoveredGA, 0, len(seen))
	summary := DiscoverySummary{Total: len(seen)}

	for _, row := range seen {
		configured := false
		if ga, perr := knx.ParseGroupAddress(row.GroupAddress); perr == nil {
			_, _, configured = catalog.StatusPoint(ga)
		}
		if row.HasReadResponse {
			summary.RespondingAddresses++
		}
		if !configured {
			summary.Unconfigured++
		}
		countActive(&summary, now, row.LastSeen)

		out = append(out, DiscoveredGA{
			SeenGroupAddress: row,
			LastSeenAgo:      formatDuration(now.Sub(row.LastSeen)),
			Configured:       configured,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group_addresses": out,
		"summary":         summary,
	})
}

// handleListBusDevices returns the source devices seen on the bus.
func (s *Server) handleListBusDevices(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeUnavailable(w, "bus recorder not available")
		return
	}

	seen, err := s.bus.Devices(r.Context())
	if err != nil {
		s.logger.Error("listing seen devices failed", "error", err)
		writeInternalError(w, "failed to query devices")
		return
	}

	now := time.Now()
	out := make([]DiscoveredDevice, 0, len(seen))
	summary := DiscoverySummary{Total: len(seen)}
	for _, row := range seen {
		countActive(&summary, now, row.LastSeen)
		out = append(out, DiscoveredDevice{
			SeenDevice:  row,
			LastSeenAgo: formatDuration(now.Sub(row.LastSeen)),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"summary": summary,
	})
}

func countActive(summary *DiscoverySummary, now, lastSeen time.Time) {
	age := now.Sub(lastSeen)
	if age <= 5*time.Minute {
		summary.ActiveLast5Min++
	}
	if age <= time.Hour {
		summary.ActiveLast1Hour++
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", mins)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := int(d.Hours() / 24) //nolint:mnd // 24 hours per day
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
