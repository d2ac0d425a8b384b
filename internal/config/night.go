package config

import "time"

// NightWindow is an hours-of-day interval in a fixed timezone. Wrap-around
// windows (e.g. 22..5) are supported.
type NightWindow struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// NewNightWindow builds a window from ingest config, falling back to local
// time when the zone name does not resolve.
func NewNightWindow(cfg IngestConfig) NightWindow {
	loc := time.Local
	if cfg.Timezone != "" {
		if parsed, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = parsed
		}
	}
	start, end := cfg.NightStart, cfg.NightEnd
	if start < 0 || start > 23 {
		start = 1
	}
	if end < 0 || end > 23 {
		end = 6
	}
	return NightWindow{StartHour: start, EndHour: end, Location: loc}
}

// Contains reports whether t falls inside the window.
func (w NightWindow) Contains(t time.Time) bool {
	hour := t.In(w.location()).Hour()
	if w.StartHour == w.EndHour {
		return false
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// Wrap-around, e.g. 22..5.
	return hour >= w.StartHour || hour < w.EndHour
}

func (w NightWindow) location() *time.Location {
	if w.Location != nil {
		return w.Location
	}
	return time.Local
}
