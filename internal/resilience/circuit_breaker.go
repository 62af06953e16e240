// Package resilience guards calls to the shared state store. Presence and
// rate-limit operations are declared fail-open: when the store is unreachable the
// breaker trips and callers get ErrCircuitOpen immediately instead of waiting out
// network timeouts on every event.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed   State = iota // store calls pass through, failures counted
	StateOpen                  // store calls shed immediately
	StateHalfOpen              // limited probe calls test recovery
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

// ErrCircuitOpen is returned for calls shed while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a CircuitBreaker.
type Settings struct {
	// Name identifies the guarded dependency in logs and metrics.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker open.
	MaxFailures int64

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is how many probe successes close the breaker.
	HalfOpenMaxRequests int64

	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)
}

const (
	defaultMaxFailures         = 5
	defaultResetTimeout        = 30 * time.Second
	defaultHalfOpenMaxRequests = 3
)

// DefaultSettings returns the store-guarding defaults.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                name,
		MaxFailures:         defaultMaxFailures,
		ResetTimeout:        defaultResetTimeout,
		HalfOpenMaxRequests: defaultHalfOpenMaxRequests,
	}
}

// CircuitBreaker sheds load from a failing dependency so socket event handling
// never stalls behind it.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	failures        int64
	probeSuccesses  int64
	lastStateChange time.Time

	// counters are atomic so Metrics never contends with Execute
	totalRequests  atomic.Int64
	totalRejected  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = defaultMaxFailures
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = defaultResetTimeout
	}
	if settings.HalfOpenMaxRequests <= 0 {
		settings.HalfOpenMaxRequests = defaultHalfOpenMaxRequests
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the breaker is shedding, in which case fn is never
// called and ErrCircuitOpen comes back.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.totalRequests.Add(1)

	if !cb.admit() {
		cb.totalRejected.Add(1)
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

// State returns the current position, applying the open-to-half-open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// CircuitBreakerMetrics is a point-in-time counter snapshot.
type CircuitBreakerMetrics struct {
	Name                string
	State               State
	TotalRequests       int64
	TotalRejected       int64
	TotalSuccesses      int64
	TotalFailures       int64
	ConsecutiveFailures int64
}

func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	state := cb.stateLocked()
	failures := cb.failures
	cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:                cb.settings.Name,
		State:               state,
		TotalRequests:       cb.totalRequests.Load(),
		TotalRejected:       cb.totalRejected.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		ConsecutiveFailures: failures,
	}
}

// stateLocked resolves the effective state. The open-to-half-open move happens
// lazily here rather than on a timer. Caller holds cb.mu.
func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.settings.ResetTimeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.probeSuccesses < cb.settings.HalfOpenMaxRequests
	default:
		return true
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.totalSuccesses.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.settings.HalfOpenMaxRequests {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.totalFailures.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.MaxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// any probe failure reopens
		cb.transition(StateOpen)
	}
}

// transition moves to newState and resets the counters. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.probeSuccesses = 0
	cb.lastStateChange = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}
