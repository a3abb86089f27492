// Package infra holds cross-cutting reliability primitives shared by the
// run loop's fallback policy: a circuit breaker guarding a fallback
// model/provider pair from repeated timeouts.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned by Execute while the circuit is open.
var ErrCircuitOpen = errors.New("infra: circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker. Zero values resolve to
// spec §4.5 defaults: 5 consecutive failures opens the circuit, one
// success in half-open closes it, 60s cooldown before a half-open probe.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	OnStateChange    func(from, to string)
}

// CircuitBreaker implements the fallback-model circuit breaker described
// in spec §4.5: N consecutive timeouts against a fallback open the
// circuit for Cooldown, after which a single half-open probe is allowed
// through.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	lastStateChange time.Time
}

// NewCircuitBreaker constructs a breaker starting in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under circuit protection, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transitionTo(to string) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.successes = 0
	if to == CircuitClosed {
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil && from != to {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed, clearing counters. Used when a
// fallback target is explicitly reconfigured.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

// Registry tracks one breaker per fallback model/provider name.
type Registry struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns a Registry that lazily creates breakers using a copy
// of defaultConfig per name.
func NewRegistry(defaultConfig CircuitBreakerConfig) *Registry {
	return &Registry{config: defaultConfig, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns (creating if needed) the breaker for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.config
	cfg.Name = name
	cb = NewCircuitBreaker(cfg)
	r.breakers[name] = cb
	return cb
}

// OpenNames returns the names of every currently open breaker, for
// surfacing "fallback X unavailable" status to the run loop.
func (r *Registry) OpenNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}
