// Package circuitbreaker guards the pipeline's outbound capabilities (LLM,
// chat, vector store) against cascading failures. A tripped breaker fails
// fast so handlers fall back to their deterministic defaults instead of
// stacking timeouts.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
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

var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	Name string

	// ConsecutiveFailures trips the breaker from closed to open.
	ConsecutiveFailures uint32

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ProbeSuccesses closes the breaker from half-open.
	ProbeSuccesses uint32
}

// Breaker is a minimal three-state circuit breaker.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
}

func New(cfg Config) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeSuccesses == 0 {
		cfg.ProbeSuccesses = 2
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed. In half-open state every call is
// a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.successes = 0
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.ConsecutiveFailures {
			b.setState(StateOpen)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.setState(StateClosed)
		}
	}
}

// Do wraps a call with Allow/Record.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Info("circuit breaker state change", "name", b.cfg.Name, "from", b.state.String(), "to", s.String())
	b.state = s
	b.successes = 0
	if s == StateOpen {
		b.openedAt = time.Now()
		b.failures = 0
	}
}

// Set groups the breakers for the pipeline's external capabilities.
type Set struct {
	LLM    *Breaker
	Chat   *Breaker
	Vector *Breaker
}

func NewSet() *Set {
	return &Set{
		LLM:    New(Config{Name: "llm", ConsecutiveFailures: 3, Cooldown: 30 * time.Second}),
		Chat:   New(Config{Name: "chat", ConsecutiveFailures: 5, Cooldown: 20 * time.Second}),
		Vector: New(Config{Name: "vector", ConsecutiveFailures: 5, Cooldown: 20 * time.Second}),
	}
}

// Health reports each breaker state for the detailed health endpoint.
func (s *Set) Health() map[string]string {
	return map[string]string{
		"llm":    s.LLM.State().String(),
		"chat":   s.Chat.State().String(),
		"vector": s.Vector.State().String(),
	}
}
