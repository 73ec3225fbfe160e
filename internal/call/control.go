package call

import (
	"context"
	"sync"
)

// SignalKind enumerates the out-of-band control signals.
type SignalKind int

const (
	// SignalInterrupt asks the orchestrator to stop the assistant mid-speech.
	SignalInterrupt SignalKind = iota

	// SignalCancel aborts the in-flight generation without a full barge-in.
	SignalCancel

	// SignalClear drops all queued pipeline and audio output.
	SignalClear

	// SignalEmergencyStop tears the call down immediately.
	SignalEmergencyStop

	// SignalPause suspends outbound audio emission.
	SignalPause

	// SignalResume resumes outbound audio emission.
	SignalResume
)

// String returns the signal name.
func (k SignalKind) String() string {
	switch k {
	case SignalInterrupt:
		return "INTERRUPT"
	case SignalCancel:
		return "CANCEL"
	case SignalClear:
		return "CLEAR"
	case SignalEmergencyStop:
		return "EMERGENCY_STOP"
	case SignalPause:
		return "PAUSE"
	case SignalResume:
		return "RESUME"
	default:
		return "UNKNOWN"
	}
}

// Signal is one control message. Text carries the recognition that caused an
// interrupt; Reason annotates cancels and emergency stops.
type Signal struct {
	Kind   SignalKind
	Text   string
	Reason string
}

// ControlStats counts control-channel traffic for diagnostics.
type ControlStats struct {
	SignalsSent     uint64
	SignalsReceived uint64
}

// ControlChannel delivers control signals out-of-band, bypassing the data
// pipeline entirely. It holds exactly one slot with latest-wins semantics:
// an unconsumed signal is overwritten by the next Send. A FIFO here would
// queue a barge-in behind stale signals, which is exactly wrong.
//
// Safe for concurrent use.
type ControlChannel struct {
	mu    sync.Mutex
	slot  *Signal
	ready chan struct{}
	stats ControlStats
}

// NewControlChannel creates an empty control channel.
func NewControlChannel() *ControlChannel {
	return &ControlChannel{
		ready: make(chan struct{}, 1),
	}
}

// Send places the signal in the slot, overwriting any unconsumed one, and
// marks the channel ready. Never blocks.
func (c *ControlChannel) Send(sig Signal) {
	c.mu.Lock()
	c.slot = &sig
	c.stats.SignalsSent++
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until a signal is available or ctx is done. On success the slot
// is cleared and the latest signal returned. A spurious wakeup against an
// already-consumed slot retries until ctx expires.
func (c *ControlChannel) Wait(ctx context.Context) (Signal, error) {
	for {
		select {
		case <-c.ready:
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}

		c.mu.Lock()
		sig := c.slot
		c.slot = nil
		if sig != nil {
			c.stats.SignalsReceived++
		}
		c.mu.Unlock()

		if sig != nil {
			return *sig, nil
		}
	}
}

// TryReceive returns the pending signal without blocking, clearing the slot.
// The second return is false when the slot is empty.
func (c *ControlChannel) TryReceive() (Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot == nil {
		return Signal{}, false
	}
	sig := *c.slot
	c.slot = nil
	c.stats.SignalsReceived++
	// Drain a stale readiness token so the next Wait doesn't wake for nothing.
	select {
	case <-c.ready:
	default:
	}
	return sig, true
}

// Stats returns a snapshot of the traffic counters.
func (c *ControlChannel) Stats() ControlStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
