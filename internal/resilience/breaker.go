// Package resilience shields the rest of the service from a misbehaving
// chat backend.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [Guard] wraps a [chat.Provider] so every completion and health probe runs
// through a breaker, converting a tripped circuit into the provider
// unavailability error the orchestrator already knows how to report.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call because it is open
// and the cooldown has not yet elapsed.
var ErrOpen = errors.New("circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls to decide
	// whether the backend has recovered.
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

// BreakerConfig tunes a [Breaker]. Zero fields get defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before admitting
	// probes. Default: 30s.
	Cooldown time.Duration

	// Probes is how many half-open calls must succeed to close the
	// breaker again. Default: 2.
	Probes int
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	log       *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probesLeft int
}

// NewBreaker creates a closed [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		log:       slog.Default().With("breaker", cfg.Name),
	}
}

// Do runs fn if the breaker admits the call, and feeds the outcome back
// into the failure accounting. An open breaker returns [ErrOpen] without
// calling fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed, advancing open → half-open when
// the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		// This call is the first probe.
		b.probesLeft = b.probes - 1
		b.log.Info("circuit half-open, probing backend")
		return nil
	case StateHalfOpen:
		if b.probesLeft <= 0 {
			return ErrOpen
		}
		b.probesLeft--
		return nil
	default:
		return nil
	}
}

// record feeds one call outcome into the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		switch {
		case b.state == StateHalfOpen:
			// One failed probe is enough to re-open.
			b.open()
		case b.state == StateClosed && b.failures >= b.threshold:
			b.open()
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		if b.probesLeft == 0 {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("circuit closed after successful probes")
		}
	case StateClosed:
		b.failures = 0
	}
}

// open transitions to the open state. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.log.Warn("circuit opened", "consecutive_failures", b.failures)
}

// State reports the breaker's current state. An open breaker whose cooldown
// has elapsed reports half-open; the actual transition happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probesLeft = 0
}
