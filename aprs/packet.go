// Package aprs decodes TNC2-format APRS packets as they arrive from APRS-IS
// into a structured record, and provides the small amount of APRS-IS
// plumbing the gateway needs (passcodes, addressed messages).
//
// Supported information fields:
//
//	! =    position without timestamp
//	/ @    position with timestamp (DDHHMMz, DDHHMM/ or HHMMSSh)
//	` '    Mic-E position
//	;      object report (Format "object")
//	:      message (no position)
//	>      status (no position)
//
// Positions may be uncompressed or base-91 compressed. Third-party payloads
// are reported as ErrUnknownFormat.
package aprs

import (
	"errors"
	"strings"
)

// Format tags carried in Packet.Format.
const (
	FormatUncompressed = "uncompressed"
	FormatCompressed   = "compressed"
	FormatMicE         = "mic-e"
	FormatObject       = "object"
	FormatMsg          = "message"
	FormatStatus       = "status"
)

var (
	// ErrParse marks a packet whose header or body is malformed.
	ErrParse = errors.New("aprs: parse error")
	// ErrUnknownFormat marks a well-formed packet whose data type we do not decode.
	ErrUnknownFormat = errors.New("aprs: unknown format")
)

// Packet is a decoded APRS packet.
type Packet struct {
	From        string   // source callsign
	To          string   // destination / tocall
	Path        []string // digipeater and q-construct path, in order
	Symbol      byte     // symbol code, 0 when absent
	SymbolTable byte     // '/' primary, '\\' alternate or an overlay, 0 when absent
	Format      string

	HasPosition bool
	Latitude    float64
	Longitude   float64
	Altitude    *float64 // metres

	Comment   *string // nil when the packet carries no comment
	Timestamp int64   // epoch seconds, 0 when the packet has none
	Raw       string
}

// LastHop returns the final path element, which on APRS-IS is the station
// that gated the packet onto the network.
func (p *Packet) LastHop() string {
	if p == nil || len(p.Path) == 0 {
		return ""
	}
	return p.Path[len(p.Path)-1]
}

// JoinedPath returns the path as a comma separated string.
func (p *Packet) JoinedPath() string {
	if p == nil {
		return ""
	}
	return strings.Join(p.Path, ",")
}

// CommentText returns the comment or "" when absent.
func (p *Packet) CommentText() string {
	if p == nil || p.Comment == nil {
		return ""
	}
	return *p.Comment
}

// Body returns the packet text after the routing header (everything after the
// first ':'). Packets re-broadcast through different gates share a body.
func (p *Packet) Body() string {
	if p == nil {
		return ""
	}
	_, body, ok := strings.Cut(p.Raw, ":")
	if !ok {
		return p.Raw
	}
	return body
}
