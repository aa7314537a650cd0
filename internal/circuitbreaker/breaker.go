// Package circuitbreaker guards calls to an external provider with a
// closed/open/half-open circuit.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit position.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketledger",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by guarded service.",
}, []string{"service", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// Breaker is one circuit guarding one external service. It trips after
// threshold consecutive failures, rejects calls for the cooldown, then
// admits a single probe whose outcome decides between closing and
// re-opening.
type Breaker struct {
	service   string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker named service for the metrics label.
func New(service string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{service: service, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. When the cooldown of an open
// circuit has elapsed the breaker moves to half-open and admits exactly
// one probe; further calls are rejected until the probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.shift(StateHalfOpen)
			return true
		}
		return false
	default: // half-open, probe already out
		return false
	}
}

// RecordSuccess resets the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.shift(StateClosed)
	}
}

// RecordFailure extends the failure streak, tripping the circuit when the
// streak reaches the threshold or the probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.threshold) {
		b.openedAt = time.Now()
		b.shift(StateOpen)
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) shift(to State) {
	stateTransitions.WithLabelValues(b.service, b.state.String(), to.String()).Inc()
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}
}
