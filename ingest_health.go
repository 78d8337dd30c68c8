package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"aprsgw/aprsis"
)

const (
	feedHealthInterval = 30 * time.Second
	feedIdleThreshold  = 2 * time.Minute
)

type feedHealthSource interface {
	HealthSnapshot() aprsis.HealthSnapshot
}

type feedHealthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// startFeedHealthMonitor logs when the feed connects, drops or goes idle.
// Steady state is silent.
func startFeedHealthMonitor(ctx context.Context, name string, source feedHealthSource) {
	if source == nil {
		return
	}
	ticker := time.NewTicker(feedHealthInterval)
	go func() {
		defer ticker.Stop()
		var state feedHealthState
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state = checkFeedHealth(name, source.HealthSnapshot(), state, time.Now().UTC())
			}
		}
	}()
}

func checkFeedHealth(name string, snap aprsis.HealthSnapshot, prev feedHealthState, now time.Time) feedHealthState {
	idle := feedIsIdle(snap, now)
	if prev.initialized && prev.connected == snap.Connected && prev.idle == idle {
		return prev
	}
	line := formatFeedHealthLine(name, snap, idle, now)
	if !snap.Connected || idle {
		log.Warn("feed health", "state", line)
	} else {
		log.Info("feed health", "state", line)
	}
	return feedHealthState{connected: snap.Connected, idle: idle, initialized: true}
}

func feedIsIdle(snap aprsis.HealthSnapshot, now time.Time) bool {
	if snap.LastLineAt.IsZero() {
		return true
	}
	return now.Sub(snap.LastLineAt) > feedIdleThreshold
}

func formatFeedHealthLine(name string, snap aprsis.HealthSnapshot, idle bool, now time.Time) string {
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	state := "active"
	if idle {
		state = "idle"
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(status)
	b.WriteString(" ")
	b.WriteString(state)
	b.WriteString(" last_line=")
	b.WriteString(ageString(now, snap.LastLineAt))
	if snap.LineQueueCap > 0 {
		fmt.Fprintf(&b, " line_q=%d/%d", snap.LineQueueLen, snap.LineQueueCap)
	}
	if snap.LineDrops > 0 {
		fmt.Fprintf(&b, " drops=%d", snap.LineDrops)
	}
	return b.String()
}

func ageString(now time.Time, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < 0 {
		age = 0
	}
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}
