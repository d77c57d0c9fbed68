package engine

import (
	"sync"
	"time"

	"github.com/rendis/skillflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures of a skill before its circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a trial call through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial invocations allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used by the CLI.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	trials      int
}

// CircuitBreakerRegistry keeps one breaker per skill kind, so a remote skill
// that keeps failing is short-circuited to a Failure result instead of being
// called for every node that uses it.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when skill may be invoked, or CIRCUIT_OPEN.
func (r *CircuitBreakerRegistry) AllowRequest(skill string) error {
	cb := r.get(skill)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.trials = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"skill %q disabled after %d consecutive failures", skill, cb.failures).
			WithDetails(map[string]any{
				"skill":                skill,
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.trials >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"skill %q is being retried after repeated failures", skill)
		}
		cb.trials++
	}
	return nil
}

// RecordSuccess closes the circuit for skill.
func (r *CircuitBreakerRegistry) RecordSuccess(skill string) {
	cb := r.get(skill)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trials = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure for skill and returns the resulting state.
// A failed trial reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(skill string) CircuitState {
	cb := r.get(skill)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = r.now()

	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the circuit state for skill.
func (r *CircuitBreakerRegistry) State(skill string) CircuitState {
	cb := r.get(skill)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.trials = 0
	}
	return cb.state
}

// Stats returns diagnostic information for every skill seen so far.
func (r *CircuitBreakerRegistry) Stats() map[string]map[string]any {
	r.mu.Lock()
	skills := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		skills = append(skills, k)
	}
	r.mu.Unlock()

	out := make(map[string]map[string]any, len(skills))
	for _, s := range skills {
		state := r.State(s)
		cb := r.get(s)
		cb.mu.Lock()
		out[s] = map[string]any{
			"state":                state.String(),
			"consecutive_failures": cb.failures,
			"failure_threshold":    r.config.FailureThreshold,
		}
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) get(skill string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[skill]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[skill] = cb
	}
	return cb
}
