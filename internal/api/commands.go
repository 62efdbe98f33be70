package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// CommandInfo describes one catalogue command.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	GroupAddress string `json:"group_address"`
	Command      string `json:"command"`
	DPT          string `json:"dpt"`
	Value        string `json:"value,omitempty"`
	Frame        string `json:"frame"`
}

// CommandResult is returned after a command is built or sent.
type CommandResult struct {
	Name        string `json:"name,omitempty"`
	Destination string `json:"destination"`
	Command     string `json:"command"`
	Frame       string `json:"frame"`
	Sent        bool   `json:"sent"`
}

func newCommandResult(name string, cmd knx.Command, sent bool) CommandResult {
	return CommandResult{
		Name:        name,
		Destination: cmd.Destination().String(),
		Command:     cmd.String(),
		Frame:       hex.EncodeToString(cmd.Frame()),
		Sent:        sent,
	}
}

// handleListCommands lists the catalogue commands with their frames.
func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	catalog := s.bridge.Catalog()
	names := catalog.Names()

	commands := make([]CommandInfo, 0, len(names))
	for _, name := range names {
		entry, _ := catalog.Entry(name)
		cmd, _ := catalog.Command(name)
		commands = append(commands, CommandInfo{
			Name:         name,
			Description:  entry.Description,
			GroupAddress: cmd.Destination().String(),
			Command:      entry.Command,
			DPT:          entry.DPT,
			Value:        entry.Value,
			Frame:        hex.EncodeToString(cmd.Frame()),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": commands,
		"count":    len(commands),
	})
}

// handleExecuteCommand sends a catalogue command by name.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cmd, err := s.bridge.Execute(r.Context(), name)
	if err != nil {
		s.logger.Warn("command failed", "command", name, "error", err)
		writeKNXError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newCommandResult(name, cmd, true))
}

// handleExecuteDefinition builds and sends an ad-hoc definition.
//
// Request body:
//
//	{"groupAddress": "1/2/3", "command": "SCALE", "dpt": "5.001", "value": 50}
func (s *Server) handleExecuteDefinition(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r)
	if !ok {
		return
	}

	cmd, err := s.bridge.ExecuteDefinition(r.Context(), def)
	if err != nil {
		s.logger.Warn("ad-hoc command failed", "group_address", def.GroupAddress, "error", err)
		writeKNXError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newCommandResult("", cmd, true))
}

// handleBuildFrame builds the cEMI frame for a definition without sending it.
func (s *Server) handleBuildFrame(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r)
	if !ok {
		return
	}

	cmd, err := s.bridge.Builder().Build(def)
	if err != nil {
		writeKNXError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newCommandResult("", cmd, false))
}

func decodeDefinition(w http.ResponseWriter, r *http.Request) (knx.Definition, bool) {
	var def knx.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return def, false
	}
	return def, true
}
