package classify

import (
	"strconv"
	"strings"

	"aprsgw/aprs"
)

// IsTampered reports whether the comment looks like it was rewritten by an
// iGate appending signal-quality metadata (LoRa gateways are the usual
// culprit). The check is heuristic and errs toward "not tampered".
//
// The trailing "DS <n> RS <n>" form is matched purely by token position, so
// an unrelated comment ending in that shape is also flagged.
func IsTampered(p *aprs.Packet) bool {
	if p == nil || p.Comment == nil {
		return false
	}
	comment := *p.Comment
	upper := strings.ToUpper(comment)

	if strings.Contains(upper, "RSSI") && strings.Contains(upper, "SNR") && strings.Contains(upper, "DB") {
		return true
	}
	if strings.Contains(upper, "RSSI=") && strings.Contains(upper, "SNR=") {
		return true
	}
	return hasTrailingSignalReport(comment)
}

// hasTrailingSignalReport matches comments ending "... DS -15.75 RS -106".
func hasTrailingSignalReport(comment string) bool {
	fields := strings.Split(strings.TrimRight(comment, " "), " ")
	n := len(fields)
	if n < 4 {
		return false
	}
	if fields[n-2] != "RS" || fields[n-4] != "DS" {
		return false
	}
	if _, err := strconv.ParseFloat(fields[n-1], 64); err != nil {
		return false
	}
	if _, err := strconv.ParseFloat(fields[n-3], 64); err != nil {
		return false
	}
	return true
}
