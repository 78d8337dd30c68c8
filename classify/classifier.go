// Package classify decides which APRS position reports are amateur balloon
// payloads. It holds only static block-lists and is safe for concurrent use.
package classify

import (
	"strings"

	"aprsgw/aprs"
	"aprsgw/strutil"
)

// Reason names the rule that produced a Decision.
type Reason string

const (
	ReasonAccepted      Reason = "accepted"
	ReasonNonHamGateway Reason = "non_ham_gateway"
	ReasonOptOut        Reason = "opt_out"
	ReasonBlockedTocall Reason = "blocked_tocall"
	ReasonBlockedSource Reason = "blocked_source"
	ReasonComment       Reason = "comment"
	ReasonTampered      Reason = "tampered"
	ReasonNotPositional Reason = "not_positional"
)

// Decision is the classifier verdict for one packet.
type Decision struct {
	Accept bool
	Reason Reason
}

// Config carries the block-lists. Zero-valued slices fall back to the defaults.
type Config struct {
	GatewayMarkers []string
	OptOutMarkers  []string
	BlockedTocalls []string
	BlockedSources []string
	RejectPhrases  []string
	SelfAddressed  []string // phrases rejected only when To == From
	ChaseMarkers   []string
}

// DefaultConfig returns the built-in lists.
func DefaultConfig() Config {
	return Config{
		GatewayMarkers: []string{"SONDEGATE"},
		OptOutMarkers:  []string{"NOHUB"},
		BlockedTocalls: []string{
			"APHAX",  // radiosonde uploads via HAX
			"APAT51", // Anytone AT-D578UV
			"APAT81", // Anytone AT-D878UV
			"APDR",   // APRSdroid
			"APRARX", // radiosonde_auto_rx
			"APRRDZ", // rdzTTGOsonde
			"APLRG",  // LoRa iGates
			"APDG",   // D-STAR gateways
			"APBM",   // BrandMeister
			"APDPRS", // D-PRS
			"APOSB",  // OpenSondeBridge
			"OGFLR",  // Open Glider Network
			"OGNFNT",
			"OGNTRK",
			"OGADSB",
			"APWW", // APRSIS32
			"APY",  // Yaesu radios
			"APK0", // Kenwood radios
		},
		BlockedSources: []string{"ON6DP-15", "WIDE"},
		RejectPhrases: []string{
			"NSM is Not Sonde Monitor",
			"SondeID",
			"Ozonesonde",
			"Recupero Radiosonde",
		},
		SelfAddressed: []string{"Weather Balloon"},
		ChaseMarkers:  []string{"SHUB", "SHUB1-1"},
	}
}

// Classifier applies the rejection rules in order, first match wins.
type Classifier struct {
	gateway  map[string]struct{}
	optOut   map[string]struct{}
	chase    map[string]struct{}
	tocalls  []string
	sources  []string
	phrases  []string
	selfOnly []string
}

// New builds a Classifier; empty lists in cfg are replaced by the defaults.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	pick := func(v, d []string) []string {
		if len(v) == 0 {
			return d
		}
		return v
	}
	return &Classifier{
		gateway:  toSet(pick(cfg.GatewayMarkers, def.GatewayMarkers)),
		optOut:   toSet(pick(cfg.OptOutMarkers, def.OptOutMarkers)),
		chase:    toSet(pick(cfg.ChaseMarkers, def.ChaseMarkers)),
		tocalls:  upperAll(pick(cfg.BlockedTocalls, def.BlockedTocalls)),
		sources:  upperAll(pick(cfg.BlockedSources, def.BlockedSources)),
		phrases:  pick(cfg.RejectPhrases, def.RejectPhrases),
		selfOnly: pick(cfg.SelfAddressed, def.SelfAddressed),
	}
}

// Classify returns the verdict for a position report. Packets without a
// position are never classified and come back rejected as not positional.
func (c *Classifier) Classify(p *aprs.Packet) Decision {
	if p == nil || !p.HasPosition {
		return Decision{Reason: ReasonNotPositional}
	}
	if pathContains(p.Path, c.gateway) {
		return Decision{Reason: ReasonNonHamGateway}
	}
	if pathContains(p.Path, c.optOut) {
		return Decision{Reason: ReasonOptOut}
	}
	if strutil.HasPrefixAny(strutil.NormalizeUpper(p.To), c.tocalls) {
		return Decision{Reason: ReasonBlockedTocall}
	}
	if strutil.HasPrefixAny(strutil.NormalizeUpper(p.From), c.sources) {
		return Decision{Reason: ReasonBlockedSource}
	}
	if p.Comment != nil {
		comment := *p.Comment
		for _, phrase := range c.phrases {
			if strings.Contains(comment, phrase) {
				return Decision{Reason: ReasonComment}
			}
		}
		if p.To == p.From {
			for _, phrase := range c.selfOnly {
				if strings.Contains(comment, phrase) {
					return Decision{Reason: ReasonComment}
				}
			}
		}
	}
	if IsTampered(p) {
		return Decision{Reason: ReasonTampered}
	}
	return Decision{Accept: true, Reason: ReasonAccepted}
}

// IsChaseCar reports whether the path carries a chase-car marker.
func (c *Classifier) IsChaseCar(p *aprs.Packet) bool {
	if p == nil {
		return false
	}
	return pathContains(p.Path, c.chase)
}

// IsBalloonCandidate reports whether the packet is a non-object position
// report using the primary-table balloon symbol.
func IsBalloonCandidate(p *aprs.Packet) bool {
	if p == nil || !p.HasPosition {
		return false
	}
	return p.Format != aprs.FormatObject && p.Symbol == 'O' && p.SymbolTable == '/'
}

func pathContains(path []string, set map[string]struct{}) bool {
	for _, hop := range path {
		if _, ok := set[hop]; ok {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func upperAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strutil.NormalizeUpper(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
