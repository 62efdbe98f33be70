package etsimport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// gaDigits is the maximum digits per level for the three address
// notations ETS writes: integer, 2-level and 3-level.
var gaDigits = map[int][]int{
	1: {5},
	2: {2, 4},
	3: {2, 2, 3},
}

// isValidGA reports whether addr is written in one of the ETS notations.
// Ranges are checked later, when the address is parsed.
func isValidGA(addr string) bool {
	levels := strings.Split(strings.TrimSpace(addr), "/")
	digits, ok := gaDigits[len(levels)]
	if !ok {
		return false
	}
	for i, level := range levels {
		if level == "" || len(level) > digits[i] || strings.Trim(level, "0123456789") != "" {
			return false
		}
	}
	return true
}

// normaliseGA rewrites integer (2048) and 2-level (1/0) addresses to
// 3-level form. Anything else is returned trimmed.
func normaliseGA(addr string) string {
	addr = strings.TrimSpace(addr)
	levels := strings.Split(addr, "/")

	switch len(levels) {
	case 1:
		if raw, err := strconv.ParseUint(addr, 10, 16); err == nil {
			return knx.GroupAddressFromUint16(uint16(raw)).String()
		}
	case 2:
		main, errMain := strconv.Atoi(levels[0])
		sub, errSub := strconv.Atoi(levels[1])
		if errMain == nil && errSub == nil {
			// 2-level sub is 11 bits: 3 bits middle, 8 bits sub.
			return fmt.Sprintf("%d/%d/%d", main, sub>>8&0x07, sub&0xFF)
		}
	}
	return addr
}

// normaliseDPT maps ETS datapoint identifiers to "main.sub":
// DPST-5-1 and 5.1 become 5.001, DPT-9 becomes 9.001. Of a list such as
// "DPST-1-1 DPST-1-2" only the first entry is kept. Unknown notations are
// returned as is.
func normaliseDPT(dpt string) string {
	fields := strings.Fields(dpt)
	if len(fields) == 0 {
		return ""
	}
	dpt = fields[0]

	var main, sub string
	switch {
	case strings.HasPrefix(dpt, "DPST-"):
		main, sub, _ = strings.Cut(dpt[len("DPST-"):], "-")
	case strings.HasPrefix(dpt, "DPT"):
		main, sub = strings.TrimPrefix(dpt[len("DPT"):], "-"), "1"
	default:
		main, sub, _ = strings.Cut(dpt, ".")
	}

	m, errMain := strconv.Atoi(main)
	s, errSub := strconv.Atoi(sub)
	if errMain != nil || errSub != nil || m < 0 || s < 0 {
		return dpt
	}
	return fmt.Sprintf("%d.%03d", m, s)
}
