package etsimport

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// xmlAddress is a GroupAddress element. ETS writes the same attributes in
// GroupAddresses.xml and in the project's 0.xml; other tools use DPT.
type xmlAddress struct {
	Address     string `xml:"Address,attr"`
	Name        string `xml:"Name,attr"`
	DPT         string `xml:"DatapointType,attr"`
	DPTShort    string `xml:"DPT,attr"`
	Description string `xml:"Description,attr"`
}

type xmlRange struct {
	Name      string       `xml:"Name,attr"`
	Ranges    []xmlRange   `xml:"GroupRange"`
	Addresses []xmlAddress `xml:"GroupAddress"`
}

// parseKNXProj reads the address table out of a .knxproj archive:
// GroupAddresses.xml when present, else the first 0.xml.
func (p *Parser) parseKNXProj(data []byte, r *ParseResult) error {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}

	var addresses, installation *zip.File
	for _, f := range archive.File {
		switch strings.ToLower(path.Base(f.Name)) {
		case "groupaddresses.xml":
			addresses = f
		case "0.xml":
			if installation == nil {
				installation = f
			}
		case "project.xml":
			content, err := readArchived(f)
			if err != nil {
				return err
			}
			r.ETSVersion = toolVersion(content)
		}
	}

	switch {
	case addresses != nil:
		content, err := readArchived(addresses)
		if err != nil {
			return err
		}
		return parseAddressExport(content, r)
	case installation != nil:
		content, err := readArchived(installation)
		if err != nil {
			return err
		}
		return parseInstallation(content, r)
	}
	return ErrNoGroupAddresses
}

// parseXML handles a standalone export: the ETS address table, a bare
// project file, or any XML carrying GroupAddress elements.
func (p *Parser) parseXML(data []byte, r *ParseResult) error {
	if err := parseAddressExport(data, r); err == nil {
		return nil
	}
	r.GroupAddresses, r.Warnings = nil, nil
	if bytes.Contains(data, []byte("<KNX")) {
		return parseInstallation(data, r)
	}
	return scanAddresses(data, r)
}

func parseAddressExport(data []byte, r *ParseResult) error {
	var doc struct {
		XMLName xml.Name   `xml:"GroupAddresses"`
		Ranges  []xmlRange `xml:"GroupRange"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	addRanges(r, doc.Ranges, nil)
	if len(r.GroupAddresses) == 0 {
		return ErrNoGroupAddresses
	}
	return nil
}

// parseInstallation reads a project 0.xml, where ETS 5 and 6 store
// addresses as 16-bit integers. Anything it cannot map is scanned.
func parseInstallation(data []byte, r *ParseResult) error {
	var doc struct {
		XMLName xml.Name   `xml:"KNX"`
		Ranges  []xmlRange `xml:"Project>Installations>Installation>GroupAddresses>GroupRanges>GroupRange"`
	}
	if err := xml.Unmarshal(data, &doc); err == nil {
		addRanges(r, doc.Ranges, nil)
	}
	if len(r.GroupAddresses) == 0 {
		return scanAddresses(data, r)
	}
	return nil
}

// addRanges walks the group range tree depth first.
func addRanges(r *ParseResult, ranges []xmlRange, parents []string) {
	for _, gr := range ranges {
		trail := append(parents[:len(parents):len(parents)], gr.Name)
		location := strings.Join(trail, " > ")
		for _, a := range gr.Addresses {
			r.add(GroupAddress{
				Address:     a.Address,
				Name:        a.Name,
				DPT:         a.DPT,
				Description: a.Description,
				Location:    location,
			})
		}
		addRanges(r, gr.Ranges, trail)
	}
}

// scanAddresses accepts GroupAddress elements anywhere in the document.
func scanAddresses(data []byte, r *ParseResult) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "GroupAddress" {
			continue
		}
		var a xmlAddress
		if dec.DecodeElement(&a, &start) != nil || !isValidGA(a.Address) {
			continue
		}
		if a.DPT == "" {
			a.DPT = a.DPTShort
		}
		r.add(GroupAddress{Address: a.Address, Name: a.Name, DPT: a.DPT, Description: a.Description})
	}

	if len(r.GroupAddresses) == 0 {
		return ErrNoGroupAddresses
	}
	return nil
}

func readArchived(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptArchive, f.Name, err)
	}
	return data, nil
}

// toolVersion returns the ToolVersion attribute of the root element of
// project.xml, e.g. "5.7.1093.38570".
func toolVersion(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			for _, attr := range start.Attr {
				if attr.Name.Local == "ToolVersion" {
					return attr.Value
				}
			}
			return ""
		}
	}
}
