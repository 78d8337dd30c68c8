// Command aprsdecode runs raw APRS-IS lines through the gateway's parser,
// classifier and telemetry decoders without forwarding anything. Lines come
// from the arguments, or from stdin when none are given.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/pflag"

	"aprsgw/aprs"
	"aprsgw/classify"
	"aprsgw/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// result is the decoded view of one line.
type result struct {
	Raw       string           `json:"raw"`
	Error     string           `json:"error,omitempty"`
	From      string           `json:"from,omitempty"`
	Tocall    string           `json:"tocall,omitempty"`
	Uploader  string           `json:"uploader,omitempty"`
	Format    string           `json:"format,omitempty"`
	Lat       float64          `json:"lat,omitempty"`
	Lon       float64          `json:"lon,omitempty"`
	Alt       *float64         `json:"alt,omitempty"`
	Comment   *string          `json:"comment,omitempty"`
	ChaseCar  bool             `json:"chase_car"`
	Candidate bool             `json:"balloon_candidate"`
	Decision  string           `json:"decision,omitempty"`
	Tampered  bool             `json:"tampered"`
	Fields    telemetry.Fields `json:"fields,omitempty"`
}

func main() {
	asJSON := pflag.BoolP("json", "j", false, "Print one JSON object per line.")
	help := pflag.Bool("help", false, "Display help text.")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [packet ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Reads packets from stdin when none are given.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	d := newDecoder()
	if pflag.NArg() > 0 {
		for _, line := range pflag.Args() {
			emit(os.Stdout, d.decode(line), *asJSON)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		emit(os.Stdout, d.decode(line), *asJSON)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
		os.Exit(1)
	}
}

type decoder struct {
	classifier *classify.Classifier
	registry   *telemetry.Registry
	now        func() time.Time
}

func newDecoder() *decoder {
	return &decoder{
		classifier: classify.New(classify.Config{}),
		registry:   telemetry.DefaultRegistry(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *decoder) decode(line string) result {
	r := result{Raw: line}
	p, err := aprs.ParseAt(line, d.now())
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.From, r.Tocall, r.Uploader, r.Format = p.From, p.To, p.LastHop(), p.Format
	r.Lat, r.Lon, r.Alt, r.Comment = p.Latitude, p.Longitude, p.Altitude, p.Comment
	r.ChaseCar = d.classifier.IsChaseCar(p)
	r.Candidate = classify.IsBalloonCandidate(p)
	r.Tampered = classify.IsTampered(p)
	if p.HasPosition {
		r.Decision = string(d.classifier.Classify(p).Reason)
	}
	r.Fields = d.registry.Extract(p.To, p.Comment)
	return r
}

func emit(w io.Writer, r result, asJSON bool) {
	if asJSON {
		raw, err := json.Marshal(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, formatText(r))
}

func formatText(r result) string {
	if r.Error != "" {
		return fmt.Sprintf("%s\n  error: %s", r.Raw, r.Error)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n  from=%s tocall=%s uploader=%s format=%s", r.Raw, r.From, r.Tocall, r.Uploader, r.Format)
	if r.Alt != nil {
		fmt.Fprintf(&b, " lat=%.5f lon=%.5f alt=%.1f", r.Lat, r.Lon, *r.Alt)
	} else if r.Decision != "" {
		fmt.Fprintf(&b, " lat=%.5f lon=%.5f", r.Lat, r.Lon)
	}
	fmt.Fprintf(&b, "\n  chase_car=%t balloon_candidate=%t tampered=%t", r.ChaseCar, r.Candidate, r.Tampered)
	if r.Decision != "" {
		fmt.Fprintf(&b, " decision=%s", r.Decision)
	}
	if len(r.Fields) > 0 {
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, r.Fields[k]))
		}
		fmt.Fprintf(&b, "\n  telemetry: %s", strings.Join(parts, " "))
	}
	return b.String()
}
