package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/commissioning/etsimport"
)

// ETSParseResponse is the preview returned for an uploaded ETS export.
type ETSParseResponse struct {
	*etsimport.ParseResult

	// StatusPoints are the catalogue entries the addresses convert to.
	StatusPoints []knx.StatusPoint `json:"status_points"`

	// Skipped lists addresses that could not become status points.
	Skipped []etsimport.ParseWarning `json:"skipped,omitempty"`

	// New counts status points not yet present in the running catalogue.
	New int `json:"new"`
}

// handleETSParse parses an uploaded ETS export (.knxproj, .xml, or .csv)
// and returns the group addresses with the status points they would add.
// The running catalogue is not modified; "knxctl import" writes the file.
//
// Request: multipart/form-data with a "file" field containing the export.
func (s *Server) handleETSParse(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(etsimport.MaxFileSize); err != nil {
		writeBadRequest(w, "failed to parse multipart form: file may be too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "missing required 'file' field in form data")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("ETS parse: failed to read file", "error", err)
		writeBadRequest(w, "failed to read uploaded file")
		return
	}

	result, err := s.parser.ParseBytes(data, header.Filename)
	if err != nil {
		s.logger.Warn("ETS parse failed", "filename", header.Filename, "error", err)
		switch {
		case errors.Is(err, etsimport.ErrFileTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
				"file exceeds maximum size of 50MB")
		case errors.Is(err, etsimport.ErrInvalidFile):
			writeBadRequest(w, "invalid file format: expected .knxproj, .xml, or .csv")
		case errors.Is(err, etsimport.ErrCorruptArchive):
			writeBadRequest(w, "corrupt archive: unable to read .knxproj file")
		case errors.Is(err, etsimport.ErrNoGroupAddresses):
			writeBadRequest(w, "no group addresses found in file")
		default:
			writeInternalError(w, "failed to parse ETS file")
		}
		return
	}

	points, skipped := s.parser.StatusPoints(result)
	resp := ETSParseResponse{
		ParseResult:  result,
		StatusPoints: points,
		Skipped:      skipped,
	}
	catalog := s.bridge.Catalog()
	for _, sp := range points {
		ga, perr := knx.ParseGroupAddress(sp.GroupAddress)
		if perr != nil {
			continue
		}
		if _, _, exists := catalog.StatusPoint(ga); !exists {
			resp.New++
		}
	}

	s.logger.Info("ETS file parsed",
		"filename", header.Filename,
		"format", result.Format,
		"group_addresses", result.Statistics.TotalGroupAddresses,
		"status_points", len(points),
		"warnings", len(result.Warnings),
	)

	writeJSON(w, http.StatusOK, resp)
}
