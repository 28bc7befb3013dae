// Package breaker guards calls to a remote dependency with a circuit breaker.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrOpen is returned without invoking the operation while the circuit is open
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker settings
type Config struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenRequests int

	// Classifier reports whether err counts toward the failure threshold.
	// Nil counts every error.
	Classifier func(err error) bool

	// OnStateChange is called after every transition, outside the lock
	OnStateChange func(name string, from, to State)

	Now func() time.Time
}

// Stats is a read-only snapshot of the breaker counters
type Stats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	TotalFailures        int64     `json:"total_failures"`
	Rejected             int64     `json:"rejected"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// Breaker is safe for concurrent use. Its counters are local to the process.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	totalFailures        int64
	rejected             int64
	openedAt             time.Time
	lastFailure          time.Time
	lastStateChange      time.Time
}

// New creates a closed breaker, filling unset config with defaults
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: cfg.Now(),
	}
}

// Execute runs op unless the circuit is open
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.before(); err != nil {
		return nil, err
	}

	result, err := op(ctx)
	b.after(err)
	return result, err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	var change *transition
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.rejected++
			return errors.Wrapf(ErrOpen, "%s", b.cfg.Name)
		}
		change = b.setState(StateHalfOpen)
	}
	b.totalRequests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	var change *transition
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	if err == nil {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.HalfOpenRequests {
				change = b.setState(StateClosed)
			}
		}
		return
	}

	if b.cfg.Classifier != nil && !b.cfg.Classifier(err) {
		return
	}

	b.totalFailures++
	b.lastFailure = b.cfg.Now()
	b.consecutiveSuccesses = 0

	switch b.state {
	case StateHalfOpen:
		change = b.setState(StateOpen)
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			change = b.setState(StateOpen)
		}
	}
}

type transition struct {
	from, to State
}

// setState must be called with mu held
func (b *Breaker) setState(to State) *transition {
	from := b.state
	now := b.cfg.Now()
	b.state = to
	b.lastStateChange = now
	b.consecutiveSuccesses = 0
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.consecutiveFailures = 0
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(change *transition) {
	if change == nil || change.from == change.to {
		return
	}

	event := log.Info()
	if change.to == StateOpen {
		event = log.Warn()
	}
	event.
		Str("breaker", b.cfg.Name).
		Str("from", change.from.String()).
		Str("to", change.to.String()).
		Msg("Circuit breaker state changed")

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, change.from, change.to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                 b.cfg.Name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		Rejected:             b.rejected,
		LastFailure:          b.lastFailure,
		LastStateChange:      b.lastStateChange,
	}
}

// Reset forces the breaker closed and clears the consecutive counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.setState(StateClosed)
	b.mu.Unlock()
	b.notify(change)
}
