// Package upload builds the records the gateway forwards and delivers them:
// telemetry to an MQTT topic, listener positions to an HTTP endpoint.
package upload

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"aprsgw/aprs"
	"aprsgw/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimeLayout is the UTC microsecond timestamp format used in every record.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Modulation tags telemetry heard over APRS.
const Modulation = "APRS"

var (
	// ErrMissingAltitude marks a balloon packet that cannot be uploaded
	// because it carries no altitude.
	ErrMissingAltitude = errors.New("upload: packet has no altitude")
	// ErrMissingPath marks a packet with no uploader in its path.
	ErrMissingPath = errors.New("upload: packet has no path")
	// ErrMissingPosition marks a packet with no coordinates.
	ErrMissingPosition = errors.New("upload: packet has no position")
)

// Software identifies this gateway in every record.
type Software struct {
	Name    string
	Version string
}

// Telemetry is one balloon position report. Build it with NewTelemetry; the
// value is not modified afterwards.
type Telemetry struct {
	Software         Software
	UploaderCallsign string
	Path             string
	TimeReceived     time.Time
	PayloadCallsign  string
	Datetime         time.Time
	Lat              float64
	Lon              float64
	Alt              float64
	Comment          *string
	Raw              string
	Tocall           string
	Fields           telemetry.Fields
}

// NewTelemetry builds a telemetry record from an accepted balloon packet.
// datetime is the resolved packet time, received the local receive time.
func NewTelemetry(p *aprs.Packet, sw Software, datetime, received time.Time, fields telemetry.Fields) (Telemetry, error) {
	if p == nil || !p.HasPosition {
		return Telemetry{}, ErrMissingPosition
	}
	if p.Altitude == nil {
		return Telemetry{}, fmt.Errorf("%s: %w", p.From, ErrMissingAltitude)
	}
	uploader := p.LastHop()
	if uploader == "" {
		return Telemetry{}, fmt.Errorf("%s: %w", p.From, ErrMissingPath)
	}
	var comment *string
	if p.Comment != nil {
		c := *p.Comment
		comment = &c
	}
	copied := make(telemetry.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Telemetry{
		Software:         sw,
		UploaderCallsign: uploader,
		Path:             p.JoinedPath(),
		TimeReceived:     received.UTC(),
		PayloadCallsign:  p.From,
		Datetime:         datetime.UTC(),
		Lat:              p.Latitude,
		Lon:              p.Longitude,
		Alt:              *p.Altitude,
		Comment:          comment,
		Raw:              p.Raw,
		Tocall:           p.To,
		Fields:           copied,
	}, nil
}

// MarshalJSON flattens the extracted fields into the top level object.
// Extracted values win over base keys of the same name.
func (t Telemetry) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"software_name":     t.Software.Name,
		"software_version":  t.Software.Version,
		"uploader_callsign": t.UploaderCallsign,
		"path":              t.Path,
		"time_received":     t.TimeReceived.UTC().Format(TimeLayout),
		"payload_callsign":  t.PayloadCallsign,
		"datetime":          t.Datetime.UTC().Format(TimeLayout),
		"lat":               t.Lat,
		"lon":               t.Lon,
		"alt":               t.Alt,
		"comment":           t.Comment,
		"raw":               t.Raw,
		"aprs_tocall":       t.Tocall,
		"modulation":        Modulation,
	}
	for k, v := range t.Fields {
		m[k] = v
	}
	return json.Marshal(m)
}

// Listener is a ground station position. Chase-car records are mobile and
// also carry the packet path, raw text and tocall.
type Listener struct {
	Software         Software
	UploaderCallsign string
	Position         [3]float64 // lat, lon, alt
	Radio            *string
	Mobile           bool

	Path    string
	Raw     string
	Tocall  string
	Comment *string
}

// NewFixedListener builds the record for a fixed receive station from its
// cached position.
func NewFixedListener(sw Software, call string, lat, lon, alt float64, radio *string) Listener {
	return Listener{
		Software:         sw,
		UploaderCallsign: call,
		Position:         [3]float64{lat, lon, alt},
		Radio:            radio,
	}
}

// NewChaseListener builds the mobile record for a chase car packet.
func NewChaseListener(p *aprs.Packet, sw Software) (Listener, error) {
	if p == nil || !p.HasPosition {
		return Listener{}, ErrMissingPosition
	}
	alt := 0.0
	if p.Altitude != nil {
		alt = *p.Altitude
	}
	return Listener{
		Software:         sw,
		UploaderCallsign: p.From,
		Position:         [3]float64{p.Latitude, p.Longitude, alt},
		Radio:            p.Comment,
		Mobile:           true,
		Path:             p.JoinedPath(),
		Raw:              p.Raw,
		Tocall:           p.To,
		Comment:          p.Comment,
	}, nil
}

// MarshalJSON omits uploader_radio on fixed listeners without a comment and
// always writes it (possibly null) on chase records.
func (l Listener) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"software_name":     l.Software.Name,
		"software_version":  l.Software.Version,
		"uploader_callsign": l.UploaderCallsign,
		"uploader_position": l.Position,
		"mobile":            l.Mobile,
	}
	if l.Radio != nil || l.Mobile {
		m["uploader_radio"] = l.Radio
	}
	if l.Mobile {
		m["path"] = l.Path
		m["raw"] = l.Raw
		m["aprs_tocall"] = l.Tocall
		if l.Comment != nil {
			m["comment"] = *l.Comment
		}
	}
	return json.Marshal(m)
}
