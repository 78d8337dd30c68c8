package telemetry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tocalls and markers used by the built-in decoders.
const (
	stratoTrackPrefix = ",StrTrk"
	skyTrackerPrefix  = "APELK"
	lightAPRSTocall   = "APLIGA"
	lightAPRSWTocall  = "APLIGP"
	rs41ngTocall      = "APZ41N"
	m20Tocall         = "APRM20"
	rs41NFWTocall     = "APRNFW"
)

// zeroFixTocalls are trackers known to beacon stale positions while reporting
// "S0" (no GNSS lock) in the comment.
var zeroFixTocalls = []string{"APZQAP"}

var zeroFixMarkers = []string{"S0", "Sats=0", "Sat=0"}

// letter followed by a signed integer, e.g. "P6" "T-12" "V2947".
var taggedIntRE = regexp.MustCompile(`([A-Za-z])(-?\d+)`)

// DefaultRegistry returns the built-in tracker families in priority order.
func DefaultRegistry() *Registry {
	return NewRegistry(
		StratoTrack(),
		SkyTracker(),
		LightAPRS(),
		RS41ng(),
		M20(),
		RS41NFW(),
		ZeroFix(),
	)
}

// StratoTrack decodes ",StrTrk,84,9,1.46V,-14C,2127Pa," (High Altitude
// Science StratoTrack). Pressure arrives in Pa and is reported in hPa.
func StratoTrack() Decoder {
	return Decoder{
		Name: "stratotrack",
		Match: func(_, comment string) bool {
			return strings.HasPrefix(comment, stratoTrackPrefix)
		},
		Decode: func(_, comment string) (Fields, error) {
			parts := strings.Split(comment, ",")
			if len(parts) < 4 {
				return nil, fmt.Errorf("stratotrack: %d fields", len(parts))
			}
			frame, err := strconv.Atoi(parts[2])
			if err != nil {
				return nil, fmt.Errorf("stratotrack frame: %w", err)
			}
			sats, err := strconv.Atoi(parts[3])
			if err != nil {
				return nil, fmt.Errorf("stratotrack sats: %w", err)
			}
			out := Fields{"model": "StratoTrack", "frame": frame, "sats": sats}
			suffixed := []struct {
				idx    int
				suffix string
				key    string
				scale  float64
			}{
				{4, "V", "batt", 1},
				{5, "C", "temp", 1},
				{6, "Pa", "ext_pressure", 100},
			}
			for _, f := range suffixed {
				if f.idx >= len(parts) || !strings.HasSuffix(parts[f.idx], f.suffix) {
					continue
				}
				v, err := strconv.ParseFloat(strings.TrimSuffix(parts[f.idx], f.suffix), 64)
				if err != nil {
					return nil, fmt.Errorf("stratotrack %s: %w", f.key, err)
				}
				out[f.key] = v / f.scale
			}
			return out, nil
		},
	}
}

// SkyTracker decodes the WB8ELK SkyTracker comment "12 4.34 33 1991 101":
// sats, solar panel volts, temperature, altitude (ignored), frame.
func SkyTracker() Decoder {
	return Decoder{
		Name: "skytracker",
		Match: func(tocall, _ string) bool {
			return strings.HasPrefix(tocall, skyTrackerPrefix)
		},
		Decode: func(_, comment string) (Fields, error) {
			tokens := strings.Fields(comment)
			if len(tokens) != 5 {
				return Fields{}, nil
			}
			sats, err := strconv.Atoi(tokens[0])
			if err != nil {
				return nil, fmt.Errorf("skytracker sats: %w", err)
			}
			solar, err := strconv.ParseFloat(tokens[1], 64)
			if err != nil {
				return nil, fmt.Errorf("skytracker solar: %w", err)
			}
			temp, err := strconv.ParseFloat(tokens[2], 64)
			if err != nil {
				return nil, fmt.Errorf("skytracker temp: %w", err)
			}
			frame, err := strconv.Atoi(tokens[4])
			if err != nil {
				return nil, fmt.Errorf("skytracker frame: %w", err)
			}
			return Fields{
				"model":       "WB8ELK SkyTracker",
				"sats":        sats,
				"solar_panel": solar,
				"temp":        temp,
				"frame":       frame,
			}, nil
		},
	}
}

// LightAPRS decodes "010TxC 24.50C 1006.45hPa 4.35V 08S ..." from LightAPRS
// (APLIGA) and the LoRa LightTracker (APLIGP). Every token is optional.
func LightAPRS() Decoder {
	return Decoder{
		Name: "lightaprs",
		Match: func(tocall, _ string) bool {
			return tocall == lightAPRSTocall || tocall == lightAPRSWTocall
		},
		Decode: func(tocall, comment string) (Fields, error) {
			out := Fields{"model": "LightAPRS"}
			if tocall == lightAPRSWTocall {
				out["model"] = "LightTracker (LoRa)"
			}
			for _, tok := range strings.Fields(comment) {
				switch {
				case strings.HasSuffix(tok, "TxC"):
					setInt(out, "frame", strings.TrimSuffix(tok, "TxC"))
				case strings.HasSuffix(tok, "hPa"):
					setFloat(out, "ext_pressure", strings.TrimSuffix(tok, "hPa"))
				case strings.HasSuffix(tok, "C"):
					setFloat(out, "temp", strings.TrimSuffix(tok, "C"))
				case strings.HasSuffix(tok, "V"):
					setFloat(out, "batt", strings.TrimSuffix(tok, "V"))
				case strings.HasSuffix(tok, "S"):
					setInt(out, "sats", strings.TrimSuffix(tok, "S"))
				}
			}
			return out, nil
		},
	}
}

// RS41ng decodes the first comment token of RS41ng firmware, "P6S7T29V2947C00".
func RS41ng() Decoder {
	return taggedDecoder("rs41ng", rs41ngTocall, "RS41ng", map[byte]taggedField{
		'P': {key: "frame"},
		'S': {key: "sats"},
		'T': {key: "temp"},
		'V': {key: "batt", div: 1000},
	})
}

// M20 decodes modified Meteomodem M20 firmware, "C5S6R0T23P10002E-349V2176A1234".
func M20() Decoder {
	return taggedDecoder("m20", m20Tocall, "M20", map[byte]taggedField{
		'C': {key: "frame"},
		'S': {key: "sats"},
		'R': {key: "gps_restarts"},
		'T': {key: "temp"},
		'P': {key: "ext_pressure", div: 10},
		'E': {key: "ext_temp", div: 10},
		'V': {key: "batt", div: 1000},
		'A': {key: "pv_voltage", div: 1000},
	})
}

// rs41Subtypes names the board revision reported in the RS41-NFW R tag.
var rs41Subtypes = map[int]string{
	4: "RSM4x4/5 PCB revision",
}

// RS41NFW decodes RS41-NFW firmware, "F2S5V3110C-7I11T-1H88P9967J0R4".
// I is the board temperature, T/H/P the external sensor boom.
func RS41NFW() Decoder {
	return taggedDecoder("rs41-nfw", rs41NFWTocall, "RS41-NFW", map[byte]taggedField{
		'F': {key: "frame"},
		'S': {key: "sats"},
		'V': {key: "batt", div: 1000},
		'C': {key: "ascent_rate", div: 100},
		'I': {key: "temp"},
		'T': {key: "ext_temperature"},
		'H': {key: "ext_humidity"},
		'P': {key: "ext_pressure", div: 10},
		'J': {key: "jam_warning"},
		'R': {key: "subtype", names: rs41Subtypes},
	})
}

// taggedField maps one letter tag; div > 0 turns the integer into a scaled
// float, names turns it into a label and drops codes it does not know.
type taggedField struct {
	key   string
	div   float64
	names map[int]string
}

func taggedDecoder(name, tocall, model string, tags map[byte]taggedField) Decoder {
	return Decoder{
		Name: name,
		Match: func(t, _ string) bool {
			return t == tocall
		},
		Decode: func(_, comment string) (Fields, error) {
			out := Fields{"model": model}
			tokens := strings.Fields(comment)
			if len(tokens) == 0 {
				return out, nil
			}
			for _, m := range taggedIntRE.FindAllStringSubmatch(tokens[0], -1) {
				f, ok := tags[m[1][0]]
				if !ok {
					continue
				}
				v, err := strconv.Atoi(m[2])
				if err != nil {
					continue
				}
				switch {
				case f.names != nil:
					if name, ok := f.names[v]; ok {
						out[f.key] = name
					}
				case f.div > 0:
					out[f.key] = float64(v) / f.div
				default:
					out[f.key] = v
				}
			}
			return out, nil
		},
	}
}

// ZeroFix flags trackers reporting no GNSS lock. It matches the known
// zero-fix tocalls carrying "S0", and as a catch-all any comment with one of
// the no-fix markers.
func ZeroFix() Decoder {
	return Decoder{
		Name: "zero-fix",
		Match: func(tocall, comment string) bool {
			for _, t := range zeroFixTocalls {
				if tocall == t && strings.Contains(comment, "S0") {
					return true
				}
			}
			for _, marker := range zeroFixMarkers {
				if strings.Contains(comment, marker) {
					return true
				}
			}
			return false
		},
		Decode: func(_, _ string) (Fields, error) {
			return Fields{"sats": 0}, nil
		},
	}
}

func setInt(out Fields, key, s string) {
	if v, err := strconv.Atoi(s); err == nil {
		out[key] = v
	}
}

func setFloat(out Fields, key, s string) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		out[key] = v
	}
}
