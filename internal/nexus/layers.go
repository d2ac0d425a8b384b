package nexus

import "sync"

// Layer names known to the UI surface.
const (
	LayerChat      = "chat"
	LayerSystem    = "system"
	LayerEmoji     = "emoji"
	LayerUIControl = "ui_control"
)

// LayerState is the UI-visible state of one presentation layer.
type LayerState struct {
	Active  bool    `json:"active"`
	Opacity float64 `json:"opacity"`
	Visible bool    `json:"visible"`
}

// Layers tracks presentation-layer state for the regulator's gating
// decisions.
type Layers struct {
	mu     sync.Mutex
	states map[string]LayerState
}

// NewLayers creates the default layer map: everything active and visible.
func NewLayers() *Layers {
	states := make(map[string]LayerState, 4)
	for _, name := range []string{LayerChat, LayerSystem, LayerEmoji, LayerUIControl} {
		states[name] = LayerState{Active: true, Opacity: 1.0, Visible: true}
	}
	return &Layers{states: states}
}

// Get returns the state of a layer; unknown layers read as inactive.
func (l *Layers) Get(name string) LayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[name]
}

// Set replaces a layer's state.
func (l *Layers) Set(name string, state LayerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[name] = state
}

// SetActive flips only the active flag.
func (l *Layers) SetActive(name string, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.states[name]
	state.Active = active
	l.states[name] = state
}

// Snapshot copies the whole map for status reporting.
func (l *Layers) Snapshot() map[string]LayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]LayerState, len(l.states))
	for k, v := range l.states {
		out[k] = v
	}
	return out
}
