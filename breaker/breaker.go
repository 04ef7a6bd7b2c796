// Package breaker keys circuit breakers by dependency so one failing
// provider or tool cannot consume retry budget forever. Keys follow the
// "model:<provider>:<model>" and "tool:<name>" conventions.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// underlying dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type (
	// Registry holds one breaker per key, created lazily with shared
	// settings.
	Registry struct {
		mu        sync.Mutex
		breakers  map[string]*gobreaker.CircuitBreaker
		threshold uint32
		cooldown  time.Duration

		// OnOpen is invoked when a breaker transitions to open. Used by the
		// observability sink to count trips.
		OnOpen func(key string)
	}

	// Config tunes breaker creation.
	Config struct {
		// FailureThreshold is the consecutive failure count that trips the
		// breaker open.
		FailureThreshold int
		// Cooldown is how long the breaker stays open before allowing a
		// half-open probe.
		Cooldown time.Duration
	}
)

// DefaultConfig trips after five consecutive failures with a thirty second
// cooldown.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Registry{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(cfg.FailureThreshold),
		cooldown:  cfg.Cooldown,
	}
}

// ModelKey returns the breaker key for a provider/model pair.
func ModelKey(provider, model string) string {
	return fmt.Sprintf("model:%s:%s", provider, model)
}

// ToolKey returns the breaker key for a named tool.
func ToolKey(name string) string {
	return "tool:" + name
}

// Execute runs fn behind the keyed breaker. When the breaker is open the
// call is rejected with ErrCircuitOpen before fn runs.
func (r *Registry) Execute(key string, fn func() (any, error)) (any, error) {
	cb := r.breaker(key)
	out, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}
	return out, err
}

// State reports the current breaker state for the key: "closed", "open" or
// "half-open". Unknown keys are closed.
func (r *Registry) State(key string) string {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return "closed"
	}
	return cb.State().String()
}

func (r *Registry) breaker(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen && r.OnOpen != nil {
				r.OnOpen(name)
			}
		},
	})
	r.breakers[key] = cb
	return cb
}
