package resilience

import (
	"errors"
	"testing"
)

func TestChainPrefersPrimary(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{})
	c.Append("secondary", "secondary")

	var used string
	err := c.Do(func(backend string) error {
		used = backend
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if used != "primary" {
		t.Errorf("used = %q, want primary", used)
	}
}

func TestChainFailsOverInOrder(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{})
	c.Append("secondary", "secondary")
	c.Append("tertiary", "tertiary")

	var tried []string
	err := c.Do(func(backend string) error {
		tried = append(tried, backend)
		if backend == "tertiary" {
			return nil
		}
		return errBackend
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []string{"primary", "secondary", "tertiary"}
	if len(tried) != len(want) {
		t.Fatalf("tried = %v, want %v", tried, want)
	}
	for i := range want {
		if tried[i] != want[i] {
			t.Fatalf("tried = %v, want %v", tried, want)
		}
	}
}

func TestChainAllBackendsDown(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{})
	c.Append("secondary", "secondary")

	err := c.Do(func(string) error { return errBackend })
	if !errors.Is(err, ErrAllBackendsDown) {
		t.Fatalf("err = %v, want ErrAllBackendsDown", err)
	}
}

func TestChainSkipsTrippedBackend(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{
		Breaker: BreakerConfig{TripAfter: 1},
	})
	c.Append("secondary", "secondary")

	// Trip the primary's breaker.
	_ = c.Do(func(backend string) error {
		if backend == "primary" {
			return errBackend
		}
		return nil
	})

	// The next call must go straight to the secondary.
	var tried []string
	err := c.Do(func(backend string) error {
		tried = append(tried, backend)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Errorf("tried = %v, want [secondary] only", tried)
	}
}

func TestCallReturnsHealthyResult(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{})

	got, err := Call(c, func(backend string) (int, error) {
		return len(backend), nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != len("primary") {
		t.Errorf("got = %d", got)
	}
}

func TestCallFailsOverAndDiscardsPartialResult(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{})
	c.Append("secondary", "secondary")

	got, err := Call(c, func(backend string) (string, error) {
		if backend == "primary" {
			return "half-written", errBackend
		}
		return "audio", nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "audio" {
		t.Errorf("got = %q, want the secondary's result", got)
	}
}

func TestCallAllBackendsDownReturnsZeroValue(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{})

	got, err := Call(c, func(string) (string, error) {
		return "stale", errBackend
	})
	if !errors.Is(err, ErrAllBackendsDown) {
		t.Fatalf("err = %v, want ErrAllBackendsDown", err)
	}
	if got != "" {
		t.Errorf("got = %q, want zero value on total failure", got)
	}
}
