package server

import "time"

// FloodVerdict is the outcome of a flood check.
type FloodVerdict int

const (
	Allowed FloodVerdict = iota
	Blocked
)

func (v FloodVerdict) String() string {
	if v == Blocked {
		return "blocked"
	}
	return "allowed"
}

// FloodGuard counts chat messages per session over a trailing window.
// It is owned by the hub loop and is not safe for concurrent use.
type FloodGuard struct {
	threshold int
	window    time.Duration
	history   map[string][]time.Time
}

// NewFloodGuard returns a guard allowing threshold messages per window.
func NewFloodGuard(threshold int, window time.Duration) *FloodGuard {
	return &FloodGuard{
		threshold: threshold,
		window:    window,
		history:   make(map[string][]time.Time),
	}
}

// RecordAndCheck prunes entries older than the window, then either blocks
// the attempt (without recording it) or records it and allows it. Exempt
// sessions are recorded but never blocked.
func (g *FloodGuard) RecordAndCheck(sessionID string, exempt bool, now time.Time) FloodVerdict {
	stamps := g.prune(sessionID, now)
	if !exempt && len(stamps) >= g.threshold {
		return Blocked
	}
	g.history[sessionID] = append(stamps, now)
	return Allowed
}

// Count returns how many messages of sessionID fall inside the window.
func (g *FloodGuard) Count(sessionID string, now time.Time) int {
	return len(g.prune(sessionID, now))
}

// Forget drops all history for sessionID.
func (g *FloodGuard) Forget(sessionID string) {
	delete(g.history, sessionID)
}

func (g *FloodGuard) prune(sessionID string, now time.Time) []time.Time {
	stamps := g.history[sessionID]
	// Stamps are appended in loop order, so they are sorted.
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= g.window {
		cut++
	}
	if cut > 0 {
		stamps = append(stamps[:0], stamps[cut:]...)
		g.history[sessionID] = stamps
	}
	return stamps
}
