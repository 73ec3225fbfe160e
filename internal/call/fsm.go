// Package call holds the per-call conversational primitives: the conversation
// state machine, the out-of-band control channel, and the recognition gate.
// The orchestrator subpackage wires them into a live call.
package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State enumerates the conversation states of one call.
type State int

const (
	// StateIdle is the initial state; nobody is speaking.
	StateIdle State = iota

	// StateListening means the caller is speaking (or expected to).
	StateListening

	// StateProcessing means a recognition is being turned into a response.
	StateProcessing

	// StateSpeaking means synthesized audio is being played to the caller.
	StateSpeaking

	// StateInterrupted is the transient state right after a barge-in.
	StateInterrupted

	// StateToolExecuting means the LLM requested a tool and it is running.
	StateToolExecuting

	// StateEnding is terminal; no transitions leave it.
	StateEnding
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateToolExecuting:
		return "TOOL_EXECUTING"
	case StateEnding:
		return "ENDING"
	default:
		return "UNKNOWN"
	}
}

// transitions is the complete set of legal state changes. Anything not listed
// here is rejected.
var transitions = map[State][]State{
	StateIdle:          {StateListening, StateSpeaking, StateEnding},
	StateListening:     {StateProcessing, StateIdle},
	StateProcessing:    {StateSpeaking, StateListening, StateToolExecuting},
	StateSpeaking:      {StateInterrupted, StateIdle, StateEnding},
	StateInterrupted:   {StateListening, StateProcessing},
	StateToolExecuting: {StateProcessing, StateSpeaking},
	StateEnding:        {},
}

// historyLimit bounds the transition history kept for diagnostics.
const historyLimit = 50

// Transition records one state change for diagnostics.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// FSM guards the conversation state of a single call. All methods are safe
// for concurrent use; transitions are atomic under an internal mutex.
//
// A rejected transition leaves the state unchanged, logs at warn, and returns
// an error — it never panics.
type FSM struct {
	mu      sync.Mutex
	state   State
	history []Transition
	logger  *slog.Logger
}

// NewFSM creates an FSM in [StateIdle]. A nil logger falls back to
// slog.Default().
func NewFSM(logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		state:  StateIdle,
		logger: logger,
	}
}

// State returns the current conversation state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition attempts to move the FSM to the target state. On success the
// change is recorded in the history buffer. On rejection the state is
// unchanged and a non-nil error is returned.
func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !allowed(f.state, to) {
		f.logger.Warn("rejected state transition",
			"from", f.state.String(),
			"to", to.String())
		return fmt.Errorf("call: invalid transition %s -> %s", f.state, to)
	}

	f.history = append(f.history, Transition{From: f.state, To: to, At: time.Now()})
	if len(f.history) > historyLimit {
		f.history = f.history[len(f.history)-historyLimit:]
	}

	f.logger.Debug("state transition",
		"from", f.state.String(),
		"to", to.String())
	f.state = to
	return nil
}

// TransitionIfIn moves to the target state only when the current state is one
// of from. Returns false without logging a warning when the precondition does
// not hold; this is the race-tolerant variant used by processors.
func (f *FSM) TransitionIfIn(to State, from ...State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	match := false
	for _, s := range from {
		if f.state == s {
			match = true
			break
		}
	}
	if !match || !allowed(f.state, to) {
		return false
	}

	f.history = append(f.history, Transition{From: f.state, To: to, At: time.Now()})
	if len(f.history) > historyLimit {
		f.history = f.history[len(f.history)-historyLimit:]
	}
	f.state = to
	return true
}

// CanSpeak reports whether synthesized audio may be enqueued right now.
// True only in IDLE and PROCESSING.
func (f *FSM) CanSpeak() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateIdle || f.state == StateProcessing
}

// CanInterrupt reports whether a barge-in is meaningful right now.
// True only while SPEAKING.
func (f *FSM) CanInterrupt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateSpeaking
}

// CanEmitAudio reports whether the paced audio loop may put frames on the
// wire. Emission is gated at emit time, not enqueue time: frames queued
// before a barge-in must not leak out in LISTENING, INTERRUPTED, or ENDING.
func (f *FSM) CanEmitAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateListening, StateInterrupted, StateEnding:
		return false
	default:
		return true
	}
}

// History returns a copy of the recorded transitions, oldest first.
func (f *FSM) History() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transition, len(f.history))
	copy(out, f.history)
	return out
}

func allowed(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
