// Package circuitbreaker guards calls to a remote dependency.
//
// A breaker counts consecutive failures. Once the threshold is reached it
// opens and rejects calls until the cooldown has elapsed, then lets a single
// probe through (half-open). A successful probe closes it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)

	// Counts reports whether an error returned by Execute counts as a
	// failure. Nil counts every non-nil error.
	Counts func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker's name. It runs outside the breaker's lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker tracks the health of a single resource.
type Breaker struct {
	name        string
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
	cfg         Config
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newNamed("", cfg)
}

func newNamed(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, state: Closed, cfg: cfg}
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
}

// set changes the state under b.mu.
func (b *Breaker) set(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	return t
}

func (b *Breaker) notify(t transition) {
	if t.from != t.to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, t.from, t.to)
	}
}

// Allow returns true if a request should be attempted. In half-open state
// only one caller is admitted until it reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var t transition
	allowed := true
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) <= b.cfg.Cooldown {
			allowed = false
			break
		}
		t = b.set(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			allowed = false
			break
		}
		b.probing = true
	}
	b.mu.Unlock()

	b.notify(t)
	return allowed
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	t := b.set(Closed)
	b.mu.Unlock()

	b.notify(t)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	var t transition
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		t = b.set(Open)
	}
	b.mu.Unlock()

	b.notify(t)
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.cfg.Counts == nil || b.cfg.Counts(err):
		b.RecordFailure()
	default:
		// Not the dependency's fault; release a half-open probe slot.
		b.RecordSuccess()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	t := b.set(Closed)
	b.mu.Unlock()

	b.notify(t)
}
