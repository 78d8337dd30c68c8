package aprs

import (
	"fmt"

	"aprsgw/strutil"
)

// Passcode computes the APRS-IS login passcode for a callsign. The SSID is
// not part of the hash.
func Passcode(call string) int {
	base := strutil.BaseCall(call)
	hash := 0x73e2
	for i := 0; i < len(base); i += 2 {
		hash ^= int(base[i]) << 8
		if i+1 < len(base) {
			hash ^= int(base[i+1])
		}
	}
	return hash & 0x7fff
}

// maxMessageText is the longest message text APRS allows.
const maxMessageText = 67

// FormatMessage builds an addressed APRS message as sent to APRS-IS:
//
//	FROM>APRS,TCPIP*::ADDRESSEE:text
//
// The addressee field is padded to the fixed 9 character width and the text
// is clipped to the APRS limit.
func FormatMessage(from, to, text string) string {
	addressee := strutil.NormalizeUpper(to)
	if len(addressee) > 9 {
		addressee = addressee[:9]
	}
	if len(text) > maxMessageText {
		text = text[:maxMessageText]
	}
	return fmt.Sprintf("%s>APRS,TCPIP*::%-9s:%s", strutil.NormalizeUpper(from), addressee, text)
}
