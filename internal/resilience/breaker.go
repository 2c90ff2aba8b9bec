// Package resilience guards outbound marketplace traffic with per-origin
// circuit breakers. A source that keeps failing is skipped outright for a
// cooldown period, so one dead host cannot stretch every refresh to its
// timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the function while a breaker is
// cooling down after repeated failures.
var ErrOpen = errors.New("origin suspended after repeated failures")

// State is the operating mode of one breaker.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen

	// StateProbing lets a few calls through to test recovery.
	StateProbing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Config tunes the breakers of a [Set]. The zero value gets defaults.
type Config struct {
	// FailLimit is how many consecutive failures open a breaker. Default 3.
	FailLimit int

	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration

	// ProbeLimit is how many successful probe calls close a breaker again.
	// Any probe failure re-opens it. Default 2.
	ProbeLimit int
}

func (c Config) withDefaults() Config {
	if c.FailLimit <= 0 {
		c.FailLimit = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeLimit <= 0 {
		c.ProbeLimit = 2
	}
	return c
}

// breaker tracks failure history for one origin. All fields are guarded by
// the owning Set's mutex; the function itself runs unlocked.
type breaker struct {
	state    State
	fails    int
	openedAt time.Time
	probes   int
}

// Set holds one breaker per key, created on first use. Keys are marketplace
// origins.
type Set struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewSet returns an empty breaker set.
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: map[string]*breaker{},
	}
}

// Do runs fn under the breaker for key. While the breaker is open it returns
// [ErrOpen] without calling fn; a cancelled ctx short-circuits the same way
// an error from fn would, but is not counted against the origin.
func (s *Set) Do(ctx context.Context, key string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.admit(key) {
		return ErrOpen
	}

	err := fn()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The caller gave up, the origin did not fail.
		return err
	}
	s.record(key, err == nil)
	return err
}

// State returns the current state for key; unknown keys are closed.
func (s *Set) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		return StateClosed
	}
	if b.state == StateOpen && s.now().Sub(b.openedAt) >= s.cfg.Cooldown {
		return StateProbing
	}
	return b.state
}

// Reset forgets all failure history for key.
func (s *Set) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}

// admit decides whether a call may proceed, handling the open to probing
// transition when the cooldown has elapsed.
func (s *Set) admit(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{}
		s.breakers[key] = b
	}

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if s.now().Sub(b.openedAt) < s.cfg.Cooldown {
			return false
		}
		b.state = StateProbing
		b.probes = 0
		slog.Info("origin cooldown elapsed, probing", "origin", key)
		return true
	case StateProbing:
		return true
	}
	return true
}

// record books the outcome of one admitted call.
func (s *Set) record(key string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[key]
	if b == nil {
		return
	}

	switch b.state {
	case StateClosed:
		if ok {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= s.cfg.FailLimit {
			b.state = StateOpen
			b.openedAt = s.now()
			slog.Warn("origin suspended", "origin", key, "failures", b.fails)
		}
	case StateProbing:
		if !ok {
			b.state = StateOpen
			b.openedAt = s.now()
			slog.Warn("origin probe failed, suspending again", "origin", key)
			return
		}
		b.probes++
		if b.probes >= s.cfg.ProbeLimit {
			b.state = StateClosed
			b.fails = 0
			slog.Info("origin recovered", "origin", key)
		}
	}
}
