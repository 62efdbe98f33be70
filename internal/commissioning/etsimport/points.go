package etsimport

import (
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// pollKeywords mark addresses that carry feedback rather than commands.
var pollKeywords = []string{"status", "feedback", "rückmeldung", "ruckmeldung", "state", "actual"}

// StatusPoints converts parsed addresses into catalogue status points.
//
// Only addresses with a DPT the gateway can decode are converted. Names are
// slugged from the ETS name (falling back to the address) and made unique.
// A point is polled when its name looks like a feedback object or its DPT
// is a measured value (9.x).
//
// Returns:
//   - []knx.StatusPoint: Points in file order
//   - []ParseWarning: One DPT_UNKNOWN or MISSING_DPT warning per skipped address
func (p *Parser) StatusPoints(result *ParseResult) ([]knx.StatusPoint, []ParseWarning) {
	if result == nil {
		return nil, nil
	}

	var (
		points   []knx.StatusPoint
		warnings []ParseWarning
		used     = make(map[string]int)
	)

	for _, ga := range result.GroupAddresses {
		if ga.DPT == "" {
			warnings = append(warnings, ParseWarning{
				Code:    WarnMissingDPT,
				Message: fmt.Sprintf("%s skipped: no datapoint type", ga.Address),
				Address: ga.Address,
			})
			continue
		}
		dt, err := p.registry.Lookup(ga.DPT)
		if err != nil {
			warnings = append(warnings, ParseWarning{
				Code:    WarnDPTUnknown,
				Message: fmt.Sprintf("%s skipped: %v", ga.Address, err),
				Address: ga.Address,
			})
			continue
		}

		base := generateSlug(ga.Name)
		if base == "" {
			base = "ga_" + strings.ReplaceAll(ga.Address, "/", "_")
		}
		name := base
		if n := used[base]; n > 0 {
			name = fmt.Sprintf("%s_%d", base, n+1)
		}
		used[base]++

		description := ga.Description
		if description == "" {
			description = ga.Location
		}

		points = append(points, knx.StatusPoint{
			Name:         name,
			GroupAddress: ga.Address,
			DPT:          string(dt.ID()),
			Poll:         shouldPoll(ga.Name, dt.ID()),
			Description:  description,
		})
	}

	return points, warnings
}

func shouldPoll(name string, dpt knx.DPT) bool {
	if strings.HasPrefix(string(dpt), "9.") {
		return true
	}
	lower := strings.ToLower(name)
	for _, kw := range pollKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// generateSlug creates a URL-safe identifier from a name.
func generateSlug(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == 'ä':
			b.WriteString("ae")
			lastUnderscore = false
		case r == 'ö':
			b.WriteString("oe")
			lastUnderscore = false
		case r == 'ü':
			b.WriteString("ue")
			lastUnderscore = false
		case r == 'ß':
			b.WriteString("ss")
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
