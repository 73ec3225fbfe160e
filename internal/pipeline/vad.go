package pipeline

import (
	"context"
	"sync"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// VADProcessor is the first pipeline stage. It measures the level of every
// inbound frame, feeds the call's noise profile, and tracks the loudest frame
// of the current turn so the recognition gate can compare an utterance
// against the ambient floor.
type VADProcessor struct {
	gate *call.Gate

	mu         sync.Mutex
	turnMaxRMS float64
}

var _ Processor = (*VADProcessor)(nil)

// NewVADProcessor creates the stage. gate receives every RMS observation.
func NewVADProcessor(gate *call.Gate) *VADProcessor {
	return &VADProcessor{gate: gate}
}

// Name implements Processor.
func (v *VADProcessor) Name() string { return "vad" }

// Process measures the frame and forwards it with RMS attached.
func (v *VADProcessor) Process(ctx context.Context, f Frame, emit Emit) error {
	af, ok := f.(AudioFrame)
	if !ok {
		return emit(ctx, f)
	}

	pcm := audio.DecodeToLinear16(af.Encoding, af.Data)
	rms := audio.RMS(pcm)
	v.gate.ObserveRMS(rms)

	v.mu.Lock()
	if rms > v.turnMaxRMS {
		v.turnMaxRMS = rms
	}
	v.mu.Unlock()

	af.RMS = rms
	return emit(ctx, af)
}

// Clear implements Processor.
func (v *VADProcessor) Clear() {}

// TurnMaxRMS returns the loudest frame level seen since the last reset.
func (v *VADProcessor) TurnMaxRMS() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.turnMaxRMS
}

// ResetTurn starts a new turn measurement. Called by the STT stage after each
// final recognition is adjudicated.
func (v *VADProcessor) ResetTurn() {
	v.mu.Lock()
	v.turnMaxRMS = 0
	v.mu.Unlock()
}
