package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"aprsgw/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logDayLayout       = "02-Jan-2006"
	logFileExt         = ".log"
	logPartialLimit    = 16 * 1024
	logErrorInterval   = time.Minute
)

// logSink receives complete log lines from a logTee.
type logSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

// writerSink forwards lines to an io.Writer, newline terminated.
type writerSink struct {
	w io.Writer
}

func (s *writerSink) WriteLine(line string, _ time.Time) {
	if s != nil && s.w != nil {
		io.WriteString(s.w, line+"\n")
	}
}

func (s *writerSink) Close() error { return nil }

// rotateFunc is called after the day log switches files. It runs on the
// goroutine that wrote the first line of the new day, with no sink lock held.
type rotateFunc func(prevDay time.Time, prevPath, newPath string)

// rotation describes a completed file switch.
type rotation struct {
	fn       rotateFunc
	prevDay  time.Time
	prevPath string
	newPath  string
}

func (r rotation) fire() {
	if r.fn != nil && !r.prevDay.IsZero() {
		r.fn(r.prevDay, r.prevPath, r.newPath)
	}
}

// dayLog writes one file per UTC day under dir and prunes files older than
// keepDays.
type dayLog struct {
	mu       sync.Mutex
	dir      string
	keepDays int
	day      string
	path     string
	f        *os.File
	onRotate rotateFunc
	errAt    time.Time
}

func openDayLog(dir string, keepDays int) (*dayLog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("log directory is empty")
	}
	if keepDays <= 0 {
		keepDays = 7
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	if err := pruneDayLogs(dir, time.Now().UTC(), keepDays); err != nil {
		fmt.Fprintf(os.Stderr, "logging: prune %s: %v\n", dir, err)
	}
	return &dayLog{dir: dir, keepDays: keepDays}, nil
}

func (d *dayLog) WriteLine(line string, now time.Time) {
	if d == nil {
		return
	}
	now = now.UTC()
	day := now.Format(logDayLayout)

	var r rotation
	d.mu.Lock()
	if d.f == nil || d.day != day {
		r = d.switchLocked(day, now)
	}
	if d.f != nil {
		if _, err := d.f.WriteString(line + "\n"); err != nil {
			d.complainLocked(now, fmt.Errorf("write: %w", err))
		}
	}
	d.mu.Unlock()

	r.fire()
}

// OnRotate installs fn as the day-change callback.
func (d *dayLog) OnRotate(fn rotateFunc) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.onRotate = fn
	d.mu.Unlock()
}

func (d *dayLog) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f, d.day, d.path = nil, "", ""
	return err
}

func (d *dayLog) switchLocked(day string, now time.Time) rotation {
	var r rotation
	if d.day != "" && d.day != day {
		if prev, err := time.ParseInLocation(logDayLayout, d.day, time.UTC); err == nil {
			r.prevDay = prev
		}
		r.prevPath = d.path
		r.fn = d.onRotate
	}
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		d.complainLocked(now, fmt.Errorf("create log directory %q: %w", d.dir, err))
		return rotation{}
	}
	path := filepath.Join(d.dir, dayLogName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		d.complainLocked(now, fmt.Errorf("open %s: %w", path, err))
		return rotation{}
	}
	d.f, d.day, d.path = f, day, path
	r.newPath = path
	if err := pruneDayLogs(d.dir, now, d.keepDays); err != nil {
		d.complainLocked(now, fmt.Errorf("prune: %w", err))
	}
	return r
}

// complainLocked reports sink failures on stderr at most once per
// logErrorInterval, since the logger itself is what failed.
func (d *dayLog) complainLocked(now time.Time, err error) {
	if !d.errAt.IsZero() && now.Sub(d.errAt) < logErrorInterval {
		return
	}
	d.errAt = now
	fmt.Fprintf(os.Stderr, "logging: %v\n", err)
}

// logTee is the io.Writer handed to the charm logger. It reassembles lines
// and copies each one to the console and day log sinks.
type logTee struct {
	mu      sync.Mutex
	partial []byte
	console logSink
	file    logSink
}

func newLogTee(console, file logSink) *logTee {
	return &logTee{console: console, file: file}
}

// setupLogging builds the tee for cfg. A day log that cannot be opened is
// reported but still leaves a working console tee.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logTee, error) {
	var con logSink
	if cfg.ConsoleLogging() && console != nil {
		con = &writerSink{w: console}
	}
	tee := newLogTee(con, nil)
	if strings.TrimSpace(cfg.Dir) == "" {
		return tee, nil
	}
	dl, err := openDayLog(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return tee, err
	}
	tee.setFile(dl)
	return tee, nil
}

// configureLogger installs the default charm logger. Console-only runs on a
// terminal write styled output straight to stdout; everything else goes
// through the tee as plain text.
func configureLogger(cfg config.LoggingConfig, tee *logTee, stdout *os.File) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	var out io.Writer = tee
	if !tee.hasFile() && cfg.ConsoleLogging() && stdout != nil && term.IsTerminal(int(stdout.Fd())) {
		out = stdout
	}
	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      logTimestampLayout,
		Level:           level,
	})
	log.SetDefault(logger)
	return logger
}

func (t *logTee) setFile(s logSink) {
	t.mu.Lock()
	t.file = s
	t.mu.Unlock()
}

func (t *logTee) hasFile() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file != nil
}

// OnRotate forwards fn to the day log; without one it does nothing.
func (t *logTee) OnRotate(fn rotateFunc) {
	if t == nil {
		return
	}
	t.mu.Lock()
	dl, _ := t.file.(*dayLog)
	t.mu.Unlock()
	dl.OnRotate(fn)
}

func (t *logTee) Write(p []byte) (int, error) {
	if t == nil {
		return len(p), nil
	}
	t.mu.Lock()
	var lines []string
	lines, t.partial = splitLogLines(append(t.partial, p...))
	con, file := t.console, t.file
	t.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if con != nil {
			con.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// splitLogLines returns the complete lines in buf and the unterminated tail.
// A tail longer than logPartialLimit is flushed as a line of its own.
func splitLogLines(buf []byte) ([]string, []byte) {
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(buf[:i], "\r")))
		buf = buf[i+1:]
	}
	if len(buf) > logPartialLimit {
		if s := string(bytes.TrimRight(buf, "\r")); s != "" {
			lines = append(lines, s)
		}
		buf = buf[:0]
	}
	return lines, buf
}

func (t *logTee) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	con, file := t.console, t.file
	t.mu.Unlock()
	if con != nil {
		con.Close()
	}
	if file != nil {
		return file.Close()
	}
	return nil
}

func dayLogName(now time.Time) string {
	return now.UTC().Format(logDayLayout) + logFileExt
}

// dayLogDate parses a file name written by dayLogName.
func dayLogDate(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, logFileExt)
	if !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(logDayLayout, base, time.UTC)
	return day, err == nil
}

// pruneDayLogs removes day logs older than keepDays, counting today. Other
// files in dir are left alone.
func pruneDayLogs(dir string, now time.Time, keepDays int) error {
	if keepDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, dd := now.UTC().Date()
	cutoff := time.Date(y, m, dd, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1-keepDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := dayLogDate(e.Name()); ok && day.Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
