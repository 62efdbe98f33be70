// Package etsimport reads the group address table out of ETS exports and
// turns it into catalogue status points.
//
// Accepted inputs are a .knxproj archive, the GroupAddresses XML export
// and the CSV export in any of its separator variants. Addresses are
// rewritten to 3-level form (2048 and 1/0 become 1/0/0) and datapoint
// identifiers such as "DPST-5-1" to "5.001".
//
//	parser := etsimport.NewParserWithRegistry(builder.Registry())
//	result, err := parser.ParseFile("project.knxproj")
//	if err != nil {
//	    return err
//	}
//	points, skipped := parser.StatusPoints(result)
package etsimport
