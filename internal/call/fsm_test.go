package call_test

import (
	"testing"

	"github.com/trunkline-ai/trunkline/internal/call"
)

func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path []call.State
		ok   bool
	}{
		{"idle to listening", []call.State{call.StateListening}, true},
		{"idle to speaking (greeting)", []call.State{call.StateSpeaking}, true},
		{"idle to ending", []call.State{call.StateEnding}, true},
		{"full turn", []call.State{call.StateListening, call.StateProcessing, call.StateSpeaking, call.StateIdle}, true},
		{"barge-in", []call.State{call.StateListening, call.StateProcessing, call.StateSpeaking, call.StateInterrupted, call.StateListening}, true},
		{"tool round-trip", []call.State{call.StateListening, call.StateProcessing, call.StateToolExecuting, call.StateProcessing}, true},
		{"tool to speaking", []call.State{call.StateListening, call.StateProcessing, call.StateToolExecuting, call.StateSpeaking}, true},
		{"idle to processing is illegal", []call.State{call.StateProcessing}, false},
		{"idle to interrupted is illegal", []call.State{call.StateInterrupted}, false},
		{"listening to speaking is illegal", []call.State{call.StateListening, call.StateSpeaking}, false},
		{"ending is terminal", []call.State{call.StateEnding, call.StateIdle}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fsm := call.NewFSM(nil)

			var err error
			before := fsm.State()
			for _, to := range tt.path {
				before = fsm.State()
				if err = fsm.Transition(to); err != nil {
					break
				}
			}

			if tt.ok && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected the last transition to be rejected")
				}
				// A rejected transition must leave the state untouched.
				if fsm.State() != before {
					t.Fatalf("state changed on rejection: %s -> %s", before, fsm.State())
				}
			}
		})
	}
}

func TestFSMGates(t *testing.T) {
	t.Parallel()

	gates := []struct {
		state        call.State
		canSpeak     bool
		canInterrupt bool
		canEmit      bool
	}{
		{call.StateIdle, true, false, true},
		{call.StateListening, false, false, false},
		{call.StateProcessing, true, false, true},
		{call.StateSpeaking, false, true, true},
		{call.StateInterrupted, false, false, false},
		{call.StateToolExecuting, false, false, true},
		{call.StateEnding, false, false, false},
	}

	// Drive the FSM to each state through a legal path.
	paths := map[call.State][]call.State{
		call.StateIdle:          {},
		call.StateListening:     {call.StateListening},
		call.StateProcessing:    {call.StateListening, call.StateProcessing},
		call.StateSpeaking:      {call.StateListening, call.StateProcessing, call.StateSpeaking},
		call.StateInterrupted:   {call.StateListening, call.StateProcessing, call.StateSpeaking, call.StateInterrupted},
		call.StateToolExecuting: {call.StateListening, call.StateProcessing, call.StateToolExecuting},
		call.StateEnding:        {call.StateEnding},
	}

	for _, g := range gates {
		fsm := call.NewFSM(nil)
		for _, to := range paths[g.state] {
			if err := fsm.Transition(to); err != nil {
				t.Fatalf("setup path to %s: %v", g.state, err)
			}
		}
		if got := fsm.CanSpeak(); got != g.canSpeak {
			t.Errorf("%s: CanSpeak = %v, want %v", g.state, got, g.canSpeak)
		}
		if got := fsm.CanInterrupt(); got != g.canInterrupt {
			t.Errorf("%s: CanInterrupt = %v, want %v", g.state, got, g.canInterrupt)
		}
		if got := fsm.CanEmitAudio(); got != g.canEmit {
			t.Errorf("%s: CanEmitAudio = %v, want %v", g.state, got, g.canEmit)
		}
	}
}

func TestFSMTransitionIfIn(t *testing.T) {
	t.Parallel()
	fsm := call.NewFSM(nil)

	if fsm.TransitionIfIn(call.StateSpeaking, call.StateProcessing) {
		t.Fatal("TransitionIfIn should fail from IDLE with PROCESSING precondition")
	}
	if fsm.State() != call.StateIdle {
		t.Fatalf("state = %s, want IDLE", fsm.State())
	}

	if err := fsm.Transition(call.StateListening); err != nil {
		t.Fatal(err)
	}
	if err := fsm.Transition(call.StateProcessing); err != nil {
		t.Fatal(err)
	}
	if !fsm.TransitionIfIn(call.StateSpeaking, call.StateProcessing, call.StateIdle) {
		t.Fatal("TransitionIfIn should succeed from PROCESSING")
	}
	if fsm.State() != call.StateSpeaking {
		t.Fatalf("state = %s, want SPEAKING", fsm.State())
	}
}

func TestFSMHistoryBounded(t *testing.T) {
	t.Parallel()
	fsm := call.NewFSM(nil)

	// Cycle LISTENING <-> IDLE far past the history limit.
	for i := 0; i < 60; i++ {
		if err := fsm.Transition(call.StateListening); err != nil {
			t.Fatal(err)
		}
		if err := fsm.Transition(call.StateIdle); err != nil {
			t.Fatal(err)
		}
	}

	hist := fsm.History()
	if len(hist) != 50 {
		t.Fatalf("history length = %d, want 50", len(hist))
	}
	// Newest entry must be the most recent transition.
	last := hist[len(hist)-1]
	if last.From != call.StateListening || last.To != call.StateIdle {
		t.Errorf("last transition %s -> %s, want LISTENING -> IDLE", last.From, last.To)
	}
}
