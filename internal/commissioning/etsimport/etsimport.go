package etsimport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// MaxFileSize bounds an export, and every file inside a .knxproj (50 MiB).
const MaxFileSize = 50 << 20

var (
	ErrInvalidFile      = errors.New("invalid ETS project file")
	ErrCorruptArchive   = errors.New("corrupt archive")
	ErrNoGroupAddresses = errors.New("no group addresses found in project")
	ErrFileTooLarge     = errors.New("file exceeds maximum size limit")
)

// Warning codes.
const (
	WarnDPTUnknown     = "DPT_UNKNOWN"
	WarnDuplicateGA    = "DUPLICATE_GA"
	WarnMissingDPT     = "MISSING_DPT"
	WarnInvalidAddress = "INVALID_ADDRESS"
)

const (
	formatKNXProj = "knxproj"
	formatXML     = "xml"
	formatCSV     = "csv"
)

// ParseResult is the group address table of one export.
type ParseResult struct {
	SourceFile string          `json:"source_file"`
	Format     string          `json:"format"` // knxproj, xml or csv
	ETSVersion string          `json:"ets_version,omitempty"`
	ParsedAt   time.Time       `json:"parsed_at"`
	Statistics ParseStatistics `json:"statistics"`

	// GroupAddresses is in file order, one entry per address, with
	// 3-level addresses and "main.sub" DPTs.
	GroupAddresses []GroupAddress `json:"group_addresses"`
	Warnings       []ParseWarning `json:"warnings,omitempty"`
}

type ParseStatistics struct {
	TotalGroupAddresses int `json:"total_group_addresses"`
	WithDPT             int `json:"with_dpt"`
	SupportedDPT        int `json:"supported_dpt"`
	Duplicates          int `json:"duplicates"`
}

// GroupAddress is one row of the ETS group address table.
type GroupAddress struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	DPT         string `json:"dpt,omitempty"`
	Description string `json:"description,omitempty"`

	// Location is the group range path, e.g. "Lighting > Kitchen".
	Location string `json:"location,omitempty"`
}

// ParseWarning is an address that was dropped or flagged.
type ParseWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Address string `json:"address,omitempty"`
}

func (r *ParseResult) warn(code, address, format string, args ...any) {
	r.Warnings = append(r.Warnings, ParseWarning{Code: code, Message: fmt.Sprintf(format, args...), Address: address})
}

// add normalises ga and appends it. Addresses outside the KNX range are
// reported instead.
func (r *ParseResult) add(ga GroupAddress) {
	raw := ga.Address
	ga.Address = normaliseGA(raw)
	if _, err := knx.ParseGroupAddress(ga.Address); err != nil {
		r.warn(WarnInvalidAddress, raw, "skipping %q: %v", raw, err)
		return
	}
	ga.Name = strings.TrimSpace(ga.Name)
	ga.DPT = normaliseDPT(ga.DPT)
	r.GroupAddresses = append(r.GroupAddresses, ga)
}

// Parser reads ETS exports and checks their DPTs against a registry.
type Parser struct {
	registry *knx.Registry
}

// NewParser checks DPTs against knx.DefaultRegistry().
func NewParser() *Parser {
	return NewParserWithRegistry(nil)
}

// NewParserWithRegistry checks DPTs against registry, or the default
// registry when nil.
func NewParserWithRegistry(registry *knx.Registry) *Parser {
	if registry == nil {
		registry = knx.DefaultRegistry()
	}
	return &Parser{registry: registry}
}

// Supported reports whether the gateway can decode dpt.
func (p *Parser) Supported(dpt string) bool {
	_, err := p.registry.Lookup(dpt)
	return err == nil
}

// ParseFile parses the export at path.
func (p *Parser) ParseFile(path string) (*ParseResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading ETS export: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading ETS export: %w", err)
	}
	return p.ParseBytes(data, path)
}

var decoders = map[string]func(*Parser, []byte, *ParseResult) error{
	formatKNXProj: (*Parser).parseKNXProj,
	formatXML:     (*Parser).parseXML,
	formatCSV:     (*Parser).parseCSV,
}

// ParseBytes parses an export held in memory. filename picks the format by
// extension; without a known extension the content is sniffed.
//
// Returns:
//   - *ParseResult: unique addresses in file order
//   - error: ErrFileTooLarge, ErrInvalidFile, ErrCorruptArchive or
//     ErrNoGroupAddresses
func (p *Parser) ParseBytes(data []byte, filename string) (*ParseResult, error) {
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	format := detectFormat(filename, data)
	decode, ok := decoders[format]
	if !ok {
		return nil, ErrInvalidFile
	}

	result := &ParseResult{
		SourceFile: filepath.Base(filename),
		Format:     format,
		ParsedAt:   time.Now().UTC(),
	}
	if err := decode(p, data, result); err != nil {
		return nil, err
	}

	p.finalise(result)
	if len(result.GroupAddresses) == 0 {
		return nil, ErrNoGroupAddresses
	}
	return result, nil
}

func detectFormat(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".knxproj":
		return formatKNXProj
	case ".xml":
		return formatXML
	case ".csv":
		return formatCSV
	}
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return formatKNXProj
	case bytes.HasPrefix(bytes.TrimLeftFunc(data, unicode.IsSpace), []byte("<")):
		return formatXML
	}
	return ""
}

// finalise keeps the first occurrence of each address, flags missing and
// undecodable DPTs and fills in the statistics.
func (p *Parser) finalise(r *ParseResult) {
	first := make(map[string]string, len(r.GroupAddresses))
	kept := r.GroupAddresses[:0]
	var stats ParseStatistics

	for _, ga := range r.GroupAddresses {
		if name, dup := first[ga.Address]; dup {
			stats.Duplicates++
			r.warn(WarnDuplicateGA, ga.Address, "%s appears more than once; keeping %q", ga.Address, name)
			continue
		}
		first[ga.Address] = ga.Name

		if ga.DPT == "" {
			r.warn(WarnMissingDPT, ga.Address, "%s %q has no datapoint type", ga.Address, ga.Name)
		} else {
			stats.WithDPT++
			if p.Supported(ga.DPT) {
				stats.SupportedDPT++
			} else {
				r.warn(WarnDPTUnknown, ga.Address, "%s uses unsupported DPT %s", ga.Address, ga.DPT)
			}
		}
		kept = append(kept, ga)
	}

	stats.TotalGroupAddresses = len(kept)
	r.GroupAddresses = kept
	r.Statistics = stats
}
