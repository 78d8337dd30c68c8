// Package strutil holds small string helpers for callsigns and APRS path elements.
package strutil

import "strings"

// NormalizeUpper trims surrounding whitespace and converts to upper case.
// Use for callsigns, tocalls, and other tokens where case is not significant.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// HasPrefixAny reports whether value starts with any of the prefixes.
// Empty prefixes never match.
func HasPrefixAny(value string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

// BaseCall strips any -SSID suffix: "KJ6IJM-12" becomes "KJ6IJM".
func BaseCall(call string) string {
	call = NormalizeUpper(call)
	if idx := strings.IndexByte(call, '-'); idx >= 0 {
		return call[:idx]
	}
	return call
}
