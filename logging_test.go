package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"aprsgw/config"
)

func TestDayLogName(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := dayLogName(when); got != "22-Jan-2026.log" {
		t.Fatalf("expected log filename to be 22-Jan-2026.log, got %q", got)
	}
}

func TestDayLogDate(t *testing.T) {
	parsed, ok := dayLogDate("22-Jan-2026.log")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parsed date: %s", parsed.Format(time.RFC3339))
	}
	if _, ok := dayLogDate("notes.txt"); ok {
		t.Fatalf("expected non-log file to be rejected")
	}
}

func TestPruneDayLogs(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"20-Jan-2026.log",
		"21-Jan-2026.log",
		"22-Jan-2026.log",
		"notes.txt",
	}
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := pruneDayLogs(dir, now, 2); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	expectMissing := []string{"20-Jan-2026.log"}
	for _, name := range expectMissing {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Fatalf("expected %s to be removed", name)
		} else if !os.IsNotExist(err) {
			t.Fatalf("stat %s: %v", name, err)
		}
	}
	expectPresent := []string{"21-Jan-2026.log", "22-Jan-2026.log", "notes.txt"}
	for _, name := range expectPresent {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDayLogRotateCallback(t *testing.T) {
	dir := t.TempDir()
	sink, err := openDayLog(dir, 1)
	if err != nil {
		t.Fatalf("openDayLog: %v", err)
	}
	defer sink.Close()

	var gotPrevDate time.Time
	var gotPrevPath string
	var gotNewPath string
	rotated := make(chan struct{})
	var rotatedOnce sync.Once
	sink.OnRotate(func(prevDate time.Time, prevPath, newPath string) {
		gotPrevDate = prevDate
		gotPrevPath = prevPath
		gotNewPath = newPath
		rotatedOnce.Do(func() { close(rotated) })
	})

	day1 := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	sink.WriteLine("first", day1)
	sink.WriteLine("second", day2)

	select {
	case <-rotated:
	case <-time.After(2 * time.Second):
		t.Fatalf("rotate callback did not complete")
	}
	if gotPrevDate.IsZero() {
		t.Fatalf("expected rotate callback to capture previous date")
	}
	if gotPrevDate.Year() != day1.Year() || gotPrevDate.Month() != day1.Month() || gotPrevDate.Day() != day1.Day() {
		t.Fatalf("unexpected prev date: %s", gotPrevDate.Format(time.RFC3339))
	}
	if gotPrevPath == "" || gotNewPath == "" {
		t.Fatalf("expected prev/new log paths to be set")
	}
	if filepath.Base(gotPrevPath) != "22-Jan-2026.log" {
		t.Fatalf("unexpected prev log path: %s", gotPrevPath)
	}
	if filepath.Base(gotNewPath) != "23-Jan-2026.log" {
		t.Fatalf("unexpected new log path: %s", gotNewPath)
	}
}

func TestRotateCallbackLoggingDoesNotDeadlock(t *testing.T) {
	dir := t.TempDir()
	sink, err := openDayLog(dir, 1)
	if err != nil {
		t.Fatalf("openDayLog: %v", err)
	}
	defer sink.Close()

	tee := newLogTee(nil, sink)
	logger := log.New(tee)

	now := time.Now().UTC()
	sink.WriteLine("prime", now)

	// Force the next log write to rotate without relying on wall-clock midnight.
	sink.mu.Lock()
	sink.day = now.Add(-24 * time.Hour).Format(logDayLayout)
	sink.mu.Unlock()

	rotated := make(chan struct{})
	var rotatedOnce sync.Once
	// The charm logger holds its lock while writing, so callbacks that log must
	// do so off the writing goroutine.
	sink.OnRotate(func(prevDate time.Time, prevPath, newPath string) {
		go func() {
			logger.Info("rotate callback", "prev", prevDate.Format(time.RFC3339))
			rotatedOnce.Do(func() { close(rotated) })
		}()
	})

	done := make(chan struct{})
	go func() {
		logger.Info("trigger rotation")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("logger.Info deadlocked during rotate callback logging")
	}
	select {
	case <-rotated:
	case <-time.After(2 * time.Second):
		t.Fatalf("rotate callback did not complete")
	}
}

func TestLogTeeSplitsLines(t *testing.T) {
	var console bytes.Buffer
	tee := newLogTee(&writerSink{w: &console}, nil)
	tee.Write([]byte("first\r\nsec"))
	if console.String() != "first\n" {
		t.Fatalf("expected only the complete line, got %q", console.String())
	}
	tee.Write([]byte("ond\n"))
	if console.String() != "first\nsecond\n" {
		t.Fatalf("expected buffered remainder to be flushed, got %q", console.String())
	}
}

func TestSetupLoggingWritesFileSink(t *testing.T) {
	dir := t.TempDir()
	off := false
	cfg := config.LoggingConfig{Level: "debug", Dir: dir, RetentionDays: 2, Console: &off}
	tee, err := setupLogging(cfg, os.Stdout)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer tee.Close()
	if !tee.hasFile() {
		t.Fatalf("expected a file sink")
	}

	logger := log.NewWithOptions(tee, log.Options{Level: log.DebugLevel})
	logger.Debug("balloon", "payload", "VK5QI-11")

	data, err := os.ReadFile(filepath.Join(dir, dayLogName(time.Now())))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "payload=VK5QI-11") {
		t.Fatalf("log line missing from file: %q", string(data))
	}
}

func TestSetupLoggingWithoutDir(t *testing.T) {
	tee, err := setupLogging(config.LoggingConfig{Level: "info"}, os.Stdout)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	if tee.hasFile() {
		t.Fatalf("expected console-only logging")
	}
}

func TestSplitLogLinesFlushesOversizedTail(t *testing.T) {
	lines, rest := splitLogLines([]byte("a\r\nb\npartial"))
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Fatalf("unexpected lines: %q", lines)
	}
	if string(rest) != "partial" {
		t.Fatalf("expected unterminated tail to be kept, got %q", rest)
	}

	long := bytes.Repeat([]byte("x"), logPartialLimit+1)
	lines, rest = splitLogLines(long)
	if len(lines) != 1 || len(lines[0]) != logPartialLimit+1 {
		t.Fatalf("expected oversized tail to be flushed as one line, got %d lines", len(lines))
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty remainder, got %d bytes", len(rest))
	}
}

func TestLogTeeOnRotateWithoutDayLog(t *testing.T) {
	tee := newLogTee(&writerSink{w: &bytes.Buffer{}}, nil)
	tee.OnRotate(func(time.Time, string, string) {})
	if tee.hasFile() {
		t.Fatalf("expected console-only tee")
	}
}
