package sqlite

import (
	"errors"
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned while the local database is considered down.
// Actions fail fast with it instead of queueing behind a broken disk.
var ErrCircuitOpen = errors.New("local store unavailable: circuit open")

// BreakerStatus is a point-in-time view of a CircuitBreaker.
type BreakerStatus struct {
	State    BreakerState
	Failures int
	// OpenedAt is when the breaker last tripped; zero if it never has.
	OpenedAt time.Time
}

// CircuitBreaker guards the local database. After threshold consecutive
// storage failures it rejects calls for cooldown, then lets one probe through
// to decide whether the store is healthy again.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	counts    func(error) bool
	now       func() time.Time
	onChange  func(from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		counts:    func(err error) bool { return err != nil },
		now:       time.Now,
	}
}

// WithFailureFilter decides which errors count toward tripping. Caller
// mistakes such as a missing row should not.
func (cb *CircuitBreaker) WithFailureFilter(fn func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	cb.counts = fn
	cb.mu.Unlock()
	return cb
}

// OnStateChange registers fn to run, outside the lock, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
	return cb
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit reports whether the call is the half-open probe, or ErrCircuitOpen
// when the call must not run.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		notify := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		return true, nil
	}
	// a probe is already in flight
	cb.mu.Unlock()
	return false, ErrCircuitOpen
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	notify := func() {}
	switch {
	case !cb.counts(err):
		cb.failures = 0
		if probe {
			notify = cb.transition(StateClosed)
		}
	case probe:
		cb.openedAt = cb.now()
		notify = cb.transition(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.threshold && cb.state == StateClosed {
			cb.openedAt = cb.now()
			notify = cb.transition(StateOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

// transition must be called with mu held; the returned func runs the hook.
func (cb *CircuitBreaker) transition(to BreakerState) func() {
	from := cb.state
	cb.state = to
	hook := cb.onChange
	if hook == nil || from == to {
		return func() {}
	}
	return func() { hook(from, to) }
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStatus{State: cb.state, Failures: cb.failures, OpenedAt: cb.openedAt}
}
