package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests when circuit breaker is half open")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type BreakerSettings struct {
	// MinRequests is the number of requests in a window before the failure
	// ratio is evaluated. It also caps trial requests while half-open.
	MinRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	FailureRatio  float64
	OnStateChange func(name string, from, to State)
}

type CircuitBreaker struct {
	name          string
	minRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	failureRatio  float64
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func NewCircuitBreaker(name string, st BreakerSettings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          name,
		minRequests:   st.MinRequests,
		interval:      st.Interval,
		timeout:       st.Timeout,
		failureRatio:  st.FailureRatio,
		onStateChange: st.OnStateChange,
		now:           time.Now,
	}
	if cb.minRequests == 0 {
		cb.minRequests = 10
	}
	if cb.interval <= 0 {
		cb.interval = 60 * time.Second
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.failureRatio <= 0 {
		cb.failureRatio = 0.6
	}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(cb.now())
	return state
}

// Execute runs req unless the breaker is open. Context cancellation is not
// counted as a failure of the protected dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	err = req(ctx)
	success := err == nil || errors.Is(err, context.Canceled)
	cb.afterRequest(generation, success)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.minRequests:
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	case StateClosed:
		if cb.readyToTrip() {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) readyToTrip() bool {
	return cb.counts.Requests >= cb.minRequests &&
		float64(cb.counts.TotalFailures)/float64(cb.counts.Requests) >= cb.failureRatio
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.interval)
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = time.Time{}
	}
}
