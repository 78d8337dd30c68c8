package aprs

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const feetToMetres = 0.3048

var (
	// "/A=001234" or "/A=-01234" anywhere in the comment.
	altitudeRE = regexp.MustCompile(`/A=(-\d{5}|\d{6})`)
	// Course/speed data extension "ddd/sss" leading the comment.
	courseSpeedRE = regexp.MustCompile(`^\d{3}/\d{3}`)
	// Datum/extra precision "!DAO!" extension.
	daoRE = regexp.MustCompile(`![\x21-\x7b][\x20-\x7b]{2}!`)
	// Base-91 comment telemetry "|ssaabb...|", an even number of 4 to 14 characters.
	commentTelemetryRE = regexp.MustCompile(`^(.*?)\|([!-{]{4,14})\|(.*)$`)
	// Mic-E altitude: three base-91 digits followed by '}', metres above -10 km.
	micEAltitudeRE = regexp.MustCompile(`([!-{]{3})\}`)
)

// Parse decodes a raw TNC2 packet using the current time to resolve
// timestamps that only carry day or time of day.
func Parse(raw string) (*Packet, error) {
	return ParseAt(raw, time.Now().UTC())
}

// ParseAt is Parse with an explicit reference time.
func ParseAt(raw string, now time.Time) (*Packet, error) {
	raw = strings.TrimRight(raw, "\r\n")
	header, info, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("%w: no header/body separator", ErrParse)
	}
	from, rest, ok := strings.Cut(header, ">")
	if !ok || from == "" {
		return nil, fmt.Errorf("%w: no source callsign", ErrParse)
	}
	fields := strings.Split(rest, ",")
	if fields[0] == "" {
		return nil, fmt.Errorf("%w: no destination", ErrParse)
	}
	if strings.ContainsAny(from, " \t") || strings.ContainsAny(fields[0], " \t") {
		return nil, fmt.Errorf("%w: whitespace in address", ErrParse)
	}
	if info == "" {
		return nil, fmt.Errorf("%w: empty information field", ErrParse)
	}

	p := &Packet{
		From: from,
		To:   fields[0],
		Path: append([]string(nil), fields[1:]...),
		Raw:  raw,
	}

	var err error
	switch info[0] {
	case '!', '=':
		err = p.decodePosition(info[1:])
	case '/', '@':
		if len(info) < 8 {
			return nil, fmt.Errorf("%w: truncated timestamp", ErrParse)
		}
		ts, tsErr := parseTimestamp(info[1:8], now)
		if tsErr != nil {
			return nil, tsErr
		}
		p.Timestamp = ts.Unix()
		err = p.decodePosition(info[8:])
	case ';':
		err = p.decodeObject(info[1:], now)
	case ':':
		p.Format = FormatMsg
	case '>':
		p.Format = FormatStatus
		p.setComment(info[1:])
	case '`', '\'':
		err = p.decodeMicE(info)
	case '}':
		return nil, fmt.Errorf("%w: third-party header", ErrUnknownFormat)
	default:
		return nil, fmt.Errorf("%w: data type %q", ErrUnknownFormat, info[0])
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// decodeObject handles ";NAME_____*DDHHMMz<position>".
func (p *Packet) decodeObject(body string, now time.Time) error {
	if len(body) < 17 {
		return fmt.Errorf("%w: truncated object", ErrParse)
	}
	if body[9] != '*' && body[9] != '_' {
		return fmt.Errorf("%w: bad object live/killed flag %q", ErrParse, body[9])
	}
	ts, err := parseTimestamp(body[10:17], now)
	if err != nil {
		return err
	}
	p.Timestamp = ts.Unix()
	if err := p.decodePosition(body[17:]); err != nil {
		return err
	}
	p.Format = FormatObject
	return nil
}

func (p *Packet) decodePosition(body string) error {
	if body == "" {
		return fmt.Errorf("%w: empty position", ErrParse)
	}
	var rest string
	if isDigit(body[0]) {
		if len(body) < 19 {
			return fmt.Errorf("%w: truncated position", ErrParse)
		}
		lat, err := parseLatitude(body[0:8])
		if err != nil {
			return err
		}
		lon, err := parseLongitude(body[9:18])
		if err != nil {
			return err
		}
		p.Latitude, p.Longitude = lat, lon
		p.SymbolTable = body[8]
		p.Symbol = body[18]
		p.Format = FormatUncompressed
		rest = body[19:]
		if courseSpeedRE.MatchString(rest) {
			rest = rest[7:]
		}
	} else {
		if len(body) < 13 {
			return fmt.Errorf("%w: truncated compressed position", ErrParse)
		}
		if err := p.decodeCompressed(body[:13]); err != nil {
			return err
		}
		p.Format = FormatCompressed
		rest = body[13:]
	}
	p.HasPosition = true

	if m := altitudeRE.FindStringSubmatchIndex(rest); m != nil {
		feet, err := strconv.Atoi(rest[m[2]:m[3]])
		if err == nil {
			alt := float64(feet) * feetToMetres
			p.Altitude = &alt
		}
		rest = rest[:m[0]] + rest[m[1]:]
	}
	p.finishComment(rest)
	return nil
}

// decodeMicE handles the Mic-E encoding: latitude and the N/S, longitude
// offset and E/W flags live in the destination address, longitude in the
// three bytes after the data type.
func (p *Packet) decodeMicE(info string) error {
	if len(info) < 9 {
		return fmt.Errorf("%w: truncated mic-e", ErrParse)
	}
	dest, _, _ := strings.Cut(p.To, "-")
	if len(dest) != 6 {
		return fmt.Errorf("%w: mic-e destination %q", ErrParse, p.To)
	}
	var d [6]int
	for i := range d {
		v, ok := micEDigit(dest[i])
		if !ok {
			return fmt.Errorf("%w: mic-e destination %q", ErrParse, p.To)
		}
		d[i] = v
	}
	lat := float64(d[0]*10+d[1]) + float64(d[2]*1000+d[3]*100+d[4]*10+d[5])/6000
	if lat > 90 {
		return fmt.Errorf("%w: mic-e latitude out of range %q", ErrParse, p.To)
	}
	if !micEFlag(dest[3]) {
		lat = -lat
	}
	lon, err := micELongitude(info[1], info[2], info[3], micEFlag(dest[4]))
	if err != nil {
		return err
	}
	if micEFlag(dest[5]) {
		lon = -lon
	}
	p.Latitude, p.Longitude = lat, lon
	p.Symbol = info[7]
	p.SymbolTable = info[8]
	p.Format = FormatMicE
	p.HasPosition = true

	rest := info[9:]
	if m := micEAltitudeRE.FindStringSubmatchIndex(rest); m != nil {
		alt := float64(base91(rest[m[2]:m[3]]) - 10000)
		p.Altitude = &alt
		rest = rest[:m[0]] + rest[m[1]:]
	}
	p.finishComment(rest)
	return nil
}

// micEDigit decodes one destination character. K, L and Z are position
// ambiguity and read as zero.
func micEDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'J':
		return int(c - 'A'), true
	case c >= 'P' && c <= 'Y':
		return int(c - 'P'), true
	case c == 'K' || c == 'L' || c == 'Z':
		return 0, true
	}
	return 0, false
}

// micEFlag reports the north, +100 degree offset and west bits carried by
// destination characters 4 to 6.
func micEFlag(c byte) bool {
	return c >= 'P' && c <= 'Z'
}

func micELongitude(d, m, h byte, offset bool) (float64, error) {
	var deg int
	switch {
	case offset && d >= 118 && d <= 127:
		deg = int(d) - 118
	case !offset && d >= 38 && d <= 127:
		deg = int(d) - 38 + 10
	case offset && d >= 108 && d <= 117:
		deg = int(d) - 108 + 100
	case offset && d >= 38 && d <= 107:
		deg = int(d) - 38 + 110
	default:
		return 0, fmt.Errorf("%w: mic-e longitude degrees 0x%02x", ErrParse, d)
	}
	var minutes int
	switch {
	case m >= 88 && m <= 97:
		minutes = int(m) - 88
	case m >= 38 && m <= 87:
		minutes = int(m) - 38 + 10
	default:
		return 0, fmt.Errorf("%w: mic-e longitude minutes 0x%02x", ErrParse, m)
	}
	if h < 28 || h > 127 {
		return 0, fmt.Errorf("%w: mic-e longitude hundredths 0x%02x", ErrParse, h)
	}
	return float64(deg) + float64(minutes)/60 + float64(int(h)-28)/6000, nil
}

// finishComment drops base-91 comment telemetry and then any DAO extension,
// so a DAO-shaped run inside the telemetry block is never mistaken for one.
func (p *Packet) finishComment(rest string) {
	if m := commentTelemetryRE.FindStringSubmatch(rest); m != nil && len(m[2])%2 == 0 {
		rest = m[1] + m[3]
	}
	rest = daoRE.ReplaceAllString(rest, "")
	p.setComment(strings.TrimPrefix(rest, "/"))
}

// decodeCompressed handles the 13 byte "TYYYYXXXXScst" block.
func (p *Packet) decodeCompressed(block string) error {
	for i := 1; i <= 8; i++ {
		if block[i] < '!' || block[i] > '{' {
			return fmt.Errorf("%w: invalid base-91 character in compressed position", ErrParse)
		}
	}
	p.Latitude = 90 - float64(base91(block[1:5]))/380926.0
	p.Longitude = -180 + float64(base91(block[5:9]))/190463.0

	table := block[0]
	if table >= 'a' && table <= 'j' {
		table = table - 'a' + '0'
	}
	p.SymbolTable = table
	p.Symbol = block[9]

	c, s, t := block[10], block[11], block[12]
	if c != ' ' && (int(t)-33)&0x18 == 0x10 {
		feet := math.Pow(1.002, float64(int(c)-33)*91+float64(int(s)-33))
		alt := feet * feetToMetres
		p.Altitude = &alt
	}
	return nil
}

func (p *Packet) setComment(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		p.Comment = nil
		return
	}
	p.Comment = &text
}

func base91(s string) int {
	v := 0
	for i := 0; i < len(s); i++ {
		v = v*91 + int(s[i]) - 33
	}
	return v
}

// parseLatitude decodes "ddmm.hhN". Position ambiguity spaces are read as zeros.
func parseLatitude(s string) (float64, error) {
	deg, minutes, err := parseDegMin(s[:7], 2)
	if err != nil {
		return 0, fmt.Errorf("%w: latitude %q", ErrParse, s)
	}
	v := deg + minutes/60
	if v > 90 {
		return 0, fmt.Errorf("%w: latitude out of range %q", ErrParse, s)
	}
	switch s[7] {
	case 'N', 'n':
		return v, nil
	case 'S', 's':
		return -v, nil
	}
	return 0, fmt.Errorf("%w: latitude hemisphere %q", ErrParse, s[7])
}

// parseLongitude decodes "dddmm.hhW".
func parseLongitude(s string) (float64, error) {
	deg, minutes, err := parseDegMin(s[:8], 3)
	if err != nil {
		return 0, fmt.Errorf("%w: longitude %q", ErrParse, s)
	}
	v := deg + minutes/60
	if v > 180 {
		return 0, fmt.Errorf("%w: longitude out of range %q", ErrParse, s)
	}
	switch s[8] {
	case 'E', 'e':
		return v, nil
	case 'W', 'w':
		return -v, nil
	}
	return 0, fmt.Errorf("%w: longitude hemisphere %q", ErrParse, s[8])
}

func parseDegMin(s string, degDigits int) (float64, float64, error) {
	s = strings.ReplaceAll(s, " ", "0")
	if s[degDigits+2] != '.' {
		return 0, 0, fmt.Errorf("missing decimal point")
	}
	deg, err := strconv.Atoi(s[:degDigits])
	if err != nil {
		return 0, 0, err
	}
	minutes, err := strconv.ParseFloat(s[degDigits:], 64)
	if err != nil || minutes >= 60 {
		return 0, 0, fmt.Errorf("bad minutes %q", s[degDigits:])
	}
	return float64(deg), minutes, nil
}

// parseTimestamp decodes the 7 character APRS timestamp. DHM timestamps carry
// only day of month, HMS only time of day; both are pinned to the month or day
// nearest to now.
func parseTimestamp(s string, now time.Time) (time.Time, error) {
	for i := 0; i < 6; i++ {
		if !isDigit(s[i]) {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrParse, s)
		}
	}
	a, _ := strconv.Atoi(s[0:2])
	b, _ := strconv.Atoi(s[2:4])
	c, _ := strconv.Atoi(s[4:6])
	now = now.UTC()

	switch s[6] {
	case 'z', '/':
		if a < 1 || a > 31 || b > 23 || c > 59 {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrParse, s)
		}
		ts := time.Date(now.Year(), now.Month(), a, b, c, 0, 0, time.UTC)
		if ts.Sub(now) > 12*time.Hour {
			ts = time.Date(now.Year(), now.Month()-1, a, b, c, 0, 0, time.UTC)
		}
		return ts, nil
	case 'h':
		if a > 23 || b > 59 || c > 59 {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrParse, s)
		}
		ts := time.Date(now.Year(), now.Month(), now.Day(), a, b, c, 0, time.UTC)
		if ts.Sub(now) > 12*time.Hour {
			ts = ts.AddDate(0, 0, -1)
		}
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("%w: timestamp indicator %q", ErrParse, s[6])
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
