package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"antigravity/internal/logging"
)

// ErrOpen reports a short-circuited call.
var ErrOpen = errors.New("breaker: open")

// CoreServices get higher failure thresholds and a shorter cool-down because
// most of the system degrades without them.
var CoreServices = map[string]bool{
	"system-control": true,
	"time":           true,
	"filesystem":     true,
	"project-memory": true,
}

const (
	nonCoreThreshold = 5
	nonCoreCooldown  = 60 * time.Second
	coreThreshold    = 10
	coreCooldown     = 30 * time.Second
)

// Breaker guards one named dependency.
type Breaker struct {
	name string
	core bool
	cb   *gobreaker.CircuitBreaker
}

// Registry hands out per-dependency breakers, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   logging.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logging.OrNop(logger),
	}
}

// Get returns the breaker for name, creating it with core or non-core
// settings on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	core := CoreServices[name]
	threshold := uint32(nonCoreThreshold)
	cooldown := nonCoreCooldown
	if core {
		threshold = coreThreshold
		cooldown = coreCooldown
	}

	logger := r.logger
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Breaker %q: %s -> %s", name, from, to)
		},
	}

	b := &Breaker{name: name, core: core, cb: gobreaker.NewCircuitBreaker(settings)}
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state, for status rollups.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.cb.State().String()
	}
	return out
}

// Do runs fn through the breaker, mapping the open state to ErrOpen.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// Open reports whether calls are currently short-circuited.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Core reports whether this dependency uses core-service thresholds.
func (b *Breaker) Core() bool {
	return b.core
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string {
	return b.name
}
