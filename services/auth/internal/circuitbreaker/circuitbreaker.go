// Package circuitbreaker stops calling a provider endpoint after repeated
// outages and probes it again once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed State = iota
	// StateOpen rejects requests without contacting the provider.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
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

// ErrTooManyRequests is returned when the half-open probe budget is spent.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of probe successes needed to close.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests caps concurrent probes.
	MaxHalfOpenRequests int `mapstructure:"max_half_open_requests"`

	// IsFailure decides whether an error counts against the endpoint.
	// Nil counts every error except context cancellation.
	IsFailure func(error) bool `mapstructure:"-"`
	// OnStateChange is called synchronously, outside the lock, on transitions.
	OnStateChange func(name string, from, to State) `mapstructure:"-"`
	// Now overrides the clock.
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns a circuit breaker config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards a single provider endpoint.
type CircuitBreaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
}

// New creates a new circuit breaker with the given name and config.
func New(name string, config Config) *CircuitBreaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsFailure
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, reporting half-open once the open
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState must be called with the lock held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn if the circuit allows it and records the outcome.
// The error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// Allow reserves a slot for a request, or reports why none is available.
func (cb *CircuitBreaker) Allow() error {
	var transition func()

	cb.mu.Lock()
	err := func() error {
		switch cb.currentState() {
		case StateOpen:
			return ErrCircuitOpen
		case StateHalfOpen:
			if cb.state == StateOpen {
				transition = cb.setState(StateHalfOpen)
			}
			if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
				return ErrTooManyRequests
			}
			cb.halfOpenRequests++
		}
		return nil
	}()
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
	return err
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(nil)
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(errors.New("failure"))
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil && cb.config.IsFailure(err)

	cb.mu.Lock()
	var transition func()
	switch cb.currentState() {
	case StateClosed:
		if !failed {
			cb.failures = 0
			break
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			transition = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		if failed {
			transition = cb.setState(StateOpen)
			break
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			transition = cb.setState(StateClosed)
		}
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// setState must be called with the lock held. It returns the notification
// to run after the lock is released.
func (cb *CircuitBreaker) setState(newState State) func() {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenRequests = 0
	case StateOpen:
		cb.openedAt = cb.config.Now()
		cb.successes = 0
		cb.halfOpenRequests = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.halfOpenRequests = 0
	}

	if cb.config.OnStateChange == nil {
		return nil
	}
	name, notify := cb.name, cb.config.OnStateChange
	return func() { notify(name, oldState, newState) }
}

// Stats is a snapshot of a circuit breaker.
type Stats struct {
	Name     string
	State    State
	Failures int
	OpenedAt time.Time
}

// Stats returns the current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:     cb.name,
		State:    cb.currentState(),
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Reset returns the circuit breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// Registry holds one circuit breaker per provider endpoint.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewRegistry creates a registry whose breakers share defaultConfig.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   defaultConfig,
	}
}

// Get returns the circuit breaker for the given name, creating one if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	cb = New(name, r.config)
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for all circuit breakers.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	stats := make([]Stats, len(breakers))
	for i, cb := range breakers {
		stats[i] = cb.Stats()
	}
	return stats
}
