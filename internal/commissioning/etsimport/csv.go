package etsimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Header spellings seen in ETS exports (English and German).
var (
	addressHeaders     = []string{"address", "groupaddress", "group address", "ga"}
	nameHeaders        = []string{"group name", "name", "bezeichnung"}
	dptHeaders         = []string{"datapointtype", "dpt", "datapoint", "datapoint type"}
	descriptionHeaders = []string{"description", "beschreibung"}
)

type csvLayout struct {
	address, name, dpt, description int
}

func newCSVLayout(header []string) csvLayout {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	column := func(names []string) int {
		for _, n := range names {
			if i, ok := index[n]; ok {
				return i
			}
		}
		return -1
	}
	return csvLayout{
		address:     column(addressHeaders),
		name:        column(nameHeaders),
		dpt:         column(dptHeaders),
		description: column(descriptionHeaders),
	}
}

func (l csvLayout) field(record []string, col int) string {
	if col < 0 || col >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[col])
}

// parseCSV reads a group address CSV export. ETS writes ";" or tab
// separated files depending on the export options, often with a BOM.
func (p *Parser) parseCSV(data []byte, r *ParseResult) error {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffSeparator(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return ErrNoGroupAddresses
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	layout := newCSVLayout(header)
	if layout.address < 0 {
		return fmt.Errorf("%w: no address column in CSV header", ErrInvalidFile)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
		// Group range rows carry no address, or only a main group.
		addr := layout.field(record, layout.address)
		if !isValidGA(addr) {
			continue
		}
		r.add(GroupAddress{
			Address:     addr,
			Name:        layout.field(record, layout.name),
			DPT:         layout.field(record, layout.dpt),
			Description: layout.field(record, layout.description),
		})
	}

	if len(r.GroupAddresses) == 0 {
		return ErrNoGroupAddresses
	}
	return nil
}

// sniffSeparator picks the most frequent of , ; and tab in the header line.
func sniffSeparator(data []byte) rune {
	header, _, _ := bytes.Cut(data, []byte("\n"))
	best, most := ',', bytes.Count(header, []byte(","))
	for _, sep := range []rune{';', '\t'} {
		if n := bytes.Count(header, []byte(string(sep))); n > most {
			best, most = sep, n
		}
	}
	return best
}
