// Package telemetry extracts structured fields from the free-text comment of
// balloon trackers. Each tracker family is a Decoder; a Registry tries them
// in order and the first whose Match accepts the packet decodes it.
package telemetry

import (
	"fmt"

	"github.com/charmbracelet/log"

	"aprsgw/strutil"
)

// Fields holds extracted values keyed by their upload field name
// (model, frame, sats, batt, temp, ext_pressure, ...).
type Fields map[string]any

// Decoder is one tracker family. Match sees the upper-cased tocall and the raw
// comment; Decode may return partial fields alongside a nil error.
type Decoder struct {
	Name   string
	Match  func(tocall, comment string) bool
	Decode func(tocall, comment string) (Fields, error)
}

// Registry is an ordered list of decoders. Register before sharing it between
// goroutines; Extract itself does not mutate the registry.
type Registry struct {
	decoders []Decoder
}

// NewRegistry returns a registry holding decoders in priority order.
func NewRegistry(decoders ...Decoder) *Registry {
	r := &Registry{}
	for _, d := range decoders {
		r.Register(d)
	}
	return r
}

// Register appends a decoder after the existing ones.
func (r *Registry) Register(d Decoder) {
	if d.Match == nil || d.Decode == nil {
		return
	}
	r.decoders = append(r.decoders, d)
}

// Names lists the registered decoders in priority order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.decoders))
	for _, d := range r.decoders {
		out = append(out, d.Name)
	}
	return out
}

// Extract runs the first matching decoder. A nil comment, no match, or a
// decoder failure all yield an empty (non-nil) result; failures are logged.
func (r *Registry) Extract(tocall string, comment *string) Fields {
	if r == nil || comment == nil {
		return Fields{}
	}
	tocall = strutil.NormalizeUpper(tocall)
	for _, d := range r.decoders {
		if !d.Match(tocall, *comment) {
			continue
		}
		fields, err := runDecoder(d, tocall, *comment)
		if err != nil {
			log.Error("comment telemetry decode failed", "decoder", d.Name, "tocall", tocall, "comment", *comment, "err", err)
			return Fields{}
		}
		if fields == nil {
			fields = Fields{}
		}
		return fields
	}
	return Fields{}
}

func runDecoder(d Decoder, tocall, comment string) (fields Fields, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			fields = nil
			err = fmt.Errorf("decoder panic: %v", rec)
		}
	}()
	return d.Decode(tocall, comment)
}
