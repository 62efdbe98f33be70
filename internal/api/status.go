package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// handleListStatus returns every cached value, ordered by group address.
func (s *Server) handleListStatus(w http.ResponseWriter, _ *http.Request) {
	entries := s.bridge.Cache().All()
	states := make([]knx.StateMessage, 0, len(entries))
	for _, e := range entries {
		states = append(states, knx.NewStateMessage(e, ""))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"states": states,
		"count":  len(states),
	})
}

// handleGetStatus returns the cached value of one group address.
// The address uses the path-safe form "1-2-3".
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ga, ok := parseGAParam(w, r)
	if !ok {
		return
	}

	entry, found := s.bridge.Cache().Get(ga)
	if !found {
		writeNotFound(w, "no value seen for "+ga.String())
		return
	}

	writeJSON(w, http.StatusOK, knx.NewStateMessage(entry, ""))
}

// handleReadStatus sends a GroupValue_Read. The response telegram updates
// the cache and the WebSocket stream once the device answers.
func (s *Server) handleReadStatus(w http.ResponseWriter, r *http.Request) {
	ga, ok := parseGAParam(w, r)
	if !ok {
		return
	}

	if err := s.bridge.Read(r.Context(), ga); err != nil {
		writeKNXError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"address": ga.String(),
		"message": "read request sent, state update will follow",
	})
}

// handleReadAll polls every status point marked poll.
func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.bridge.ReadAll(r.Context())
	if err != nil {
		s.logger.Warn("read-all interrupted", "reads_sent", n, "error", err)
		writeKNXError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"reads_sent": n,
	})
}

func parseGAParam(w http.ResponseWriter, r *http.Request) (knx.GroupAddress, bool) {
	ga, err := knx.ParseGroupAddressTopic(chi.URLParam(r, "ga"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return knx.GroupAddress{}, false
	}
	return ga, true
}
