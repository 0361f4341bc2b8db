// Package circuitbreaker stops the facade from hammering a failing external
// endpoint. A breaker opens after a run of failures, rejects calls while
// open, then lets a limited number of probes through before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of one breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
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

var (
	// ErrCircuitOpen rejects a call while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects a call when the half-open probe budget is
	// already spent.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings tunes one breaker. Zero values fall back to the defaults noted
// per field.
type Settings struct {
	// FailureThreshold opens the breaker after that many consecutive
	// failures. Default 5.
	FailureThreshold int

	// SuccessThreshold closes a half-open breaker after that many
	// consecutive probe successes. Default 1.
	SuccessThreshold int

	// OpenFor is how long an open breaker rejects calls before allowing
	// probes. Default 30s.
	OpenFor time.Duration

	// HalfOpenProbes caps concurrent-window probes while half-open.
	// Default 1.
	HalfOpenProbes int

	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)

	// IsFailure decides whether an error trips the failure counter. Nil
	// counts every non-nil error.
	IsFailure func(error) bool
}

func (s *Settings) applyDefaults() {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 1
	}
}

// CircuitBreaker guards one endpoint.
type CircuitBreaker struct {
	name     string
	settings Settings

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probes    int
}

// New builds a closed breaker.
func New(name string, settings Settings) *CircuitBreaker {
	settings.applyDefaults()
	return &CircuitBreaker{name: name, settings: settings}
}

// Execute runs fn if the breaker admits the call and folds the outcome into
// the breaker state. Rejections surface as ErrCircuitOpen or
// ErrTooManyRequests without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.settle(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.settings.OpenFor {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.settings.HalfOpenProbes {
			return ErrTooManyRequests
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	if failed && cb.settings.IsFailure != nil {
		failed = cb.settings.IsFailure(err)
	}

	if !failed {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.settings.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	cb.successes = 0
	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.openedAt = time.Now()
		cb.transition(StateOpen)
	case StateClosed:
		if cb.failures >= cb.settings.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transition(StateOpen)
		}
	}
}

// transition must run under cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// TelegramEndpointBreaker builds the breaker used for one Bot API method.
// Breakers are per endpoint so a broken restrictChatMember does not block
// getChatMember. Rate-limit errors are excluded from tripping via isFailure.
func TelegramEndpointBreaker(endpoint string, onStateChange func(name string, from, to State), isFailure func(error) bool) *CircuitBreaker {
	return New("telegram:"+endpoint, Settings{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenFor:          time.Minute,
		HalfOpenProbes:   1,
		OnStateChange:    onStateChange,
		IsFailure:        isFailure,
	})
}

// Group lazily builds one breaker per key.
type Group struct {
	mu      sync.Mutex
	members map[string]*CircuitBreaker
	build   func(name string) *CircuitBreaker
}

// NewGroup creates a Group whose breakers come from build on first use.
func NewGroup(build func(name string) *CircuitBreaker) *Group {
	return &Group{
		members: make(map[string]*CircuitBreaker),
		build:   build,
	}
}

// Get returns the breaker for name, creating it if needed.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.members[name]
	if !ok {
		cb = g.build(name)
		g.members[name] = cb
	}
	return cb
}

// States snapshots every member's state, keyed by breaker name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]State, len(g.members))
	for name, cb := range g.members {
		out[name] = cb.State()
	}
	return out
}
