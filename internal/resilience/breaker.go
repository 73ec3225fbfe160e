// Package resilience keeps a live call talking through provider outages.
//
// Speech and LLM vendors fail in bursts: one timed-out request during an
// incident is usually followed by hundreds more. [Breaker] notices the burst
// and stops hammering the backend, and [Chain] lines up a primary and its
// fallbacks behind per-backend breakers so the pipeline always reaches the
// first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// its cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call. Normal operation.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen]. Entered after
	// TripAfter consecutive failures, left once the cooldown elapses.
	StateOpen

	// StateHalfOpen admits up to ProbeQuota calls against the backend.
	// All of them succeeding closes the breaker; one failure re-opens it.
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
	// Name labels the guarded backend in log output.
	Name string

	// TripAfter is the consecutive-failure count that opens the breaker.
	// Default 5.
	TripAfter int

	// Cooldown is how long an open breaker rejects calls before probing
	// the backend again. Default 30s.
	Cooldown time.Duration

	// ProbeQuota is how many half-open probes must succeed before the
	// breaker closes. Default 3.
	ProbeQuota int
}

// Breaker is a consecutive-failure circuit breaker guarding one backend.
type Breaker struct {
	name       string
	tripAfter  int
	cooldown   time.Duration
	probeQuota int

	mu         sync.Mutex
	state      State
	failStreak int
	openedAt   time.Time
	probesSent int
	probesWon  int
}

// NewBreaker creates a closed [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &Breaker{
		name:       cfg.Name,
		tripAfter:  cfg.TripAfter,
		cooldown:   cfg.Cooldown,
		probeQuota: cfg.ProbeQuota,
	}
}

// Do runs fn unless the breaker rejects the call with [ErrBreakerOpen].
// fn's error is returned as-is and recorded against the backend's health.
func (b *Breaker) Do(fn func() error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probing, err)
	return err
}

// admit decides whether a call may proceed, moving an open breaker whose
// cooldown has elapsed into half-open. It reports whether the admitted call
// counts against the probe quota.
func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false, ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probesSent = 0
		b.probesWon = 0
		slog.Info("breaker probing backend again", "backend", b.name)

	case StateHalfOpen:
		if b.probesSent >= b.probeQuota {
			return false, ErrBreakerOpen
		}

	default:
		return false, nil
	}

	b.probesSent++
	return true, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probing bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if callErr == nil {
		if !probing {
			b.failStreak = 0
			return
		}
		b.probesWon++
		if b.probesWon >= b.probeQuota {
			b.state = StateClosed
			b.failStreak = 0
			slog.Info("breaker closed, backend healthy again", "backend", b.name)
		}
		return
	}

	if probing {
		// One failed probe is enough evidence the outage is ongoing.
		b.state = StateOpen
		b.openedAt = time.Now()
		b.failStreak = b.tripAfter
		slog.Warn("breaker re-opened, probe failed", "backend", b.name)
		return
	}

	b.failStreak++
	if b.failStreak >= b.tripAfter {
		b.state = StateOpen
		b.openedAt = time.Now()
		slog.Warn("breaker opened",
			"backend", b.name,
			"consecutive_failures", b.failStreak)
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the actual transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset force-closes the breaker and clears the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failStreak = 0
	b.probesSent = 0
	b.probesWon = 0
	slog.Info("breaker reset", "backend", b.name)
}
