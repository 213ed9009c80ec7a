// Package resilience provides the retry and circuit breaker policies that
// guard calls to the upstream inference server.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // requests pass through
	StateOpen                         // requests are rejected
	StateHalfOpen                     // one probe allowed after cooldown
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips open once consecutive failures reach a threshold.
//
// With a zero Cooldown the breaker stays open until a success is recorded
// or Reset is called. With a positive Cooldown a single probe is let through
// once the cooldown has elapsed (half-open).
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	failureThreshold    int
	consecutiveFailures int
	cooldown            time.Duration
	openedAt            time.Time
	probeInFlight       bool
	probeGen            uint64 // identifies the current half-open probe

	onStateChange func(from, to CircuitState)
	now           func() time.Time

	// Counters for observability
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
	trips          int64
}

// CircuitBreakerConfig holds configuration for a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures that trip the breaker
	Cooldown         time.Duration // 0 disables half-open probing

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to CircuitState)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	State               CircuitState
	ConsecutiveFailures int
	FailureThreshold    int
	Successes           int64
	Failures            int64
	Rejected            int64
	Trips               int64
}

// Permit is handed out by Allow. Only the permit that holds the half-open
// probe slot can give it back through Release.
type Permit struct {
	cb  *CircuitBreaker
	gen uint64 // 0 unless this permit is the probe
}

// IsProbe reports whether the permit holds the half-open probe slot.
func (p Permit) IsProbe() bool { return p.gen != 0 }

// Release gives back the half-open probe slot without recording an outcome.
// Used when the caller went away before the call finished. It is a no-op for
// permits that are not the current probe.
func (p Permit) Release() {
	if p.cb == nil || p.gen == 0 {
		return
	}
	p.cb.mu.Lock()
	if p.cb.state == StateHalfOpen && p.cb.probeInFlight && p.cb.probeGen == p.gen {
		p.cb.probeInFlight = false
	}
	p.cb.mu.Unlock()
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
	}
}

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen without calling fn if the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if _, err := cb.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen
// when the breaker is open, or half-open with a probe already in flight.
// The returned Permit is the half-open probe when the call was let through
// as one.
func (cb *CircuitBreaker) Allow() (Permit, error) {
	cb.mu.Lock()

	var from CircuitState
	changed := false
	allowed := false
	permit := Permit{cb: cb}

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.cooldown > 0 && cb.now().Sub(cb.openedAt) >= cb.cooldown {
			from, changed = cb.state, true
			cb.state = StateHalfOpen
			permit.gen = cb.takeProbe()
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probeInFlight {
			permit.gen = cb.takeProbe()
			allowed = true
		}
	}

	if !allowed {
		cb.totalRejected++
	}
	to := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	if !allowed {
		return Permit{}, ErrCircuitOpen
	}
	return permit, nil
}

// takeProbe must be called with mu held.
func (cb *CircuitBreaker) takeProbe() uint64 {
	cb.probeGen++
	cb.probeInFlight = true
	return cb.probeGen
}

// RecordFailure records a failed call and trips the breaker when the
// consecutive failure count reaches the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	cb.consecutiveFailures++
	cb.totalFailures++
	cb.probeInFlight = false

	from := cb.state
	if cb.consecutiveFailures >= cb.failureThreshold && cb.state != StateOpen {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.trips++
	} else if cb.state == StateOpen {
		// in-flight calls that passed the gate before the trip
		cb.openedAt = cb.now()
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// RecordSuccess records a successful call. Any success closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.totalSuccesses++
	from := cb.close()
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.close()
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// close must be called with mu held. It returns the previous state.
func (cb *CircuitBreaker) close() CircuitState {
	from := cb.state
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	cb.state = StateClosed
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether the breaker is not closed.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() != StateClosed
}

// ConsecutiveFailures returns the failure count since the last success or reset.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    cb.failureThreshold,
		Successes:           cb.totalSuccesses,
		Failures:            cb.totalFailures,
		Rejected:            cb.totalRejected,
		Trips:               cb.trips,
	}
}
