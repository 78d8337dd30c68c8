package telemetry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestExtractStratoTrack(t *testing.T) {
	got := DefaultRegistry().Extract("CQ", ptr(",StrTrk,84,9,1.46V,-14C,2127Pa,"))
	want := Fields{
		"model":        "StratoTrack",
		"frame":        84,
		"sats":         9,
		"batt":         1.46,
		"temp":         -14.0,
		"ext_pressure": 21.27,
	}
	assert.Equal(t, want, got)
}

func TestExtractStratoTrackSkipsWrongUnits(t *testing.T) {
	got := DefaultRegistry().Extract("CQ", ptr(",StrTrk,84,9,1.46,-14F,2127Pa,"))
	assert.Equal(t, Fields{"model": "StratoTrack", "frame": 84, "sats": 9, "ext_pressure": 21.27}, got)
}

func TestExtractSkyTracker(t *testing.T) {
	got := DefaultRegistry().Extract("APELK0", ptr("12 4.34 33 1991 101"))
	want := Fields{
		"model":       "WB8ELK SkyTracker",
		"sats":        12,
		"solar_panel": 4.34,
		"temp":        33.0,
		"frame":       101,
	}
	assert.Equal(t, want, got)

	assert.Empty(t, DefaultRegistry().Extract("APELK0", ptr("12 4.34 33 1991")))
}

func TestExtractLightAPRS(t *testing.T) {
	got := DefaultRegistry().Extract("APLIGA", ptr("010TxC 24.50C 1006.45hPa 4.35V 08S http://example"))
	want := Fields{
		"model":        "LightAPRS",
		"frame":        10,
		"temp":         24.5,
		"ext_pressure": 1006.45,
		"batt":         4.35,
		"sats":         8,
	}
	assert.Equal(t, want, got)

	got = DefaultRegistry().Extract("APLIGP", ptr("203TXC 31C  911.24hPa 4.5V 14S LoRa APRS LightTracker"))
	want = Fields{
		"model":        "LightTracker (LoRa)",
		"temp":         31.0,
		"ext_pressure": 911.24,
		"batt":         4.5,
		"sats":         14,
	}
	assert.Equal(t, want, got)
}

func TestExtractRS41ng(t *testing.T) {
	got := DefaultRegistry().Extract("APZ41N", ptr("P6S7T29V2947C00 rs41ng tracker"))
	want := Fields{"model": "RS41ng", "frame": 6, "sats": 7, "temp": 29, "batt": 2.947}
	assert.Equal(t, want, got)
}

func TestExtractM20(t *testing.T) {
	got := DefaultRegistry().Extract("APRM20", ptr("C5S6R0T23P10002E-349V2176A1234 M20 radiosonde test"))
	want := Fields{
		"model":        "M20",
		"frame":        5,
		"sats":         6,
		"gps_restarts": 0,
		"temp":         23,
		"ext_pressure": 1000.2,
		"ext_temp":     -34.9,
		"batt":         2.176,
		"pv_voltage":   1.234,
	}
	assert.Equal(t, want, got)
}

func TestExtractRS41NFW(t *testing.T) {
	got := DefaultRegistry().Extract("APRNFW", ptr("F2S5V3110C-7I11T-1H88P9967J0R4 test NO flight @RS41-NFW"))
	want := Fields{
		"model":           "RS41-NFW",
		"frame":           2,
		"sats":            5,
		"batt":            3.11,
		"ascent_rate":     -0.07,
		"temp":            11,
		"ext_temperature": -1,
		"ext_humidity":    88,
		"ext_pressure":    996.7,
		"jam_warning":     0,
		"subtype":         "RSM4x4/5 PCB revision",
	}
	assert.Equal(t, want, got)

	// Unknown board revisions are left out rather than guessed.
	got = DefaultRegistry().Extract("APRNFW", ptr("F3S5R9"))
	assert.Equal(t, Fields{"model": "RS41-NFW", "frame": 3, "sats": 5}, got)
}

func TestExtractZeroFix(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, Fields{"sats": 0}, r.Extract("APZQAP", ptr("P8/S0/T24/V269/ 08:48:05/EV")))
	assert.Equal(t, Fields{"sats": 0}, r.Extract("APRS", ptr("Sats=0 alt ok")))
	assert.Equal(t, Fields{"sats": 0}, r.Extract("APRS", ptr("Sat=0")))
	assert.Empty(t, r.Extract("APRS", ptr("Sats=7")))
}

func TestExtractNoComment(t *testing.T) {
	got := DefaultRegistry().Extract("APZ41N", nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, DefaultRegistry().Extract("TW1VU7", ptr("mou CT3001 S8 2.8C  955hPa 3.4V")))
}

func TestExtractRecoversDecoderFailure(t *testing.T) {
	r := NewRegistry(
		Decoder{
			Name:   "boom",
			Match:  func(tocall, _ string) bool { return tocall == "APBOOM" },
			Decode: func(_, _ string) (Fields, error) { panic("bad decoder") },
		},
		Decoder{
			Name:   "err",
			Match:  func(tocall, _ string) bool { return tocall == "APERR" },
			Decode: func(_, _ string) (Fields, error) { return Fields{"sats": 3}, errors.New("bad") },
		},
	)
	assert.Empty(t, r.Extract("apboom", ptr("x")))
	assert.Empty(t, r.Extract("APERR", ptr("x")))
}

func TestExtractFirstMatchWins(t *testing.T) {
	r := DefaultRegistry()
	// StratoTrack comment prefix outranks the SkyTracker tocall.
	got := r.Extract("APELK0", ptr(",StrTrk,1,2"))
	assert.Equal(t, Fields{"model": "StratoTrack", "frame": 1, "sats": 2}, got)

	r.Register(Decoder{
		Name:   "late",
		Match:  func(string, string) bool { return true },
		Decode: func(string, string) (Fields, error) { return Fields{"model": "late"}, nil },
	})
	assert.Equal(t, Fields{"model": "late"}, r.Extract("APXXXX", ptr("nothing here")))
	assert.Equal(t, []string{"stratotrack", "skytracker", "lightaprs", "rs41ng", "m20", "rs41-nfw", "zero-fix", "late"}, r.Names())
}

func TestExtractMalformedStratoTrackIsEmpty(t *testing.T) {
	assert.Empty(t, DefaultRegistry().Extract("CQ", ptr(",StrTrk,xx,9")))
}
