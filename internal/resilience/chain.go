package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsDown is returned by [Chain.Do] when every link either failed
// or sits behind an open breaker.
var ErrAllBackendsDown = errors.New("resilience: all backends down")

// ChainConfig is applied to the [Breaker] guarding each link. The breaker
// name is set per link from the backend's registered name.
type ChainConfig struct {
	Breaker BreakerConfig
}

// link is one backend and the breaker guarding it.
type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain routes each call to the first healthy backend: the primary, then
// every fallback in registration order. Links behind an open breaker are
// skipped without being called, so a vendor having an incident does not add
// its timeout to every turn of the conversation.
//
// Assemble the chain up front; Append is not safe to call concurrently with
// Do. A fully assembled Chain is safe for concurrent use.
type Chain[T any] struct {
	links []link[T]
	cfg   ChainConfig
}

// NewChain creates a [Chain] with primary as its first link.
func NewChain[T any](primary T, name string, cfg ChainConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Append(name, primary)
	return c
}

// Append registers a fallback backend behind its own breaker. Backends are
// tried in the order they were appended.
func (c *Chain[T]) Append(name string, backend T) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.links = append(c.links, link[T]{
		name:    name,
		backend: backend,
		breaker: NewBreaker(bc),
	})
}

// primary returns the first link's backend. Every chain has at least one.
func (c *Chain[T]) primary() T {
	return c.links[0].backend
}

// Do runs fn against each link in order until one succeeds. If every link
// fails or is rejected by its breaker, the last error is wrapped in
// [ErrAllBackendsDown].
func (c *Chain[T]) Do(fn func(T) error) error {
	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		err := l.breaker.Do(func() error {
			return fn(l.backend)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("backend skipped, breaker open", "backend", l.name)
			continue
		}
		slog.Warn("backend failed, trying next",
			"backend", l.name, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrAllBackendsDown, lastErr)
}

// Call runs fn against each link until one succeeds and returns its result.
// A package-level function because methods cannot introduce type parameters.
func Call[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var out R
	err := c.Do(func(backend T) error {
		var callErr error
		out, callErr = fn(backend)
		return callErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}
