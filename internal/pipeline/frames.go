// Package pipeline implements the per-call frame graph: a totally ordered
// chain of processors (VAD → STT → LLM → TTS → output) connected by bounded
// queues. Data frames flow strictly downstream; control signals never travel
// through these queues — they reach processors out-of-band through the
// orchestrator and each processor's Clear method.
package pipeline

import (
	"time"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// Frame is the unit of data flowing through the pipeline. Frames are treated
// as immutable once pushed.
type Frame interface {
	// Kind returns a short name for logging ("audio", "text", "transcript").
	Kind() string
}

// AudioFrame carries raw audio bytes plus enough format metadata to interpret
// them.
type AudioFrame struct {
	// Data holds the samples in Encoding.
	Data []byte

	// SampleRate in Hz (8000 for telephony, 16000 for browser).
	SampleRate int

	// Channels is the channel count; always 1 on carrier audio.
	Channels int

	// Encoding is the byte-level encoding of Data.
	Encoding audio.Encoding

	// RMS is the measured level of this frame in the linear domain. Filled
	// by the VAD stage; zero before it.
	RMS float64
}

// Kind implements [Frame].
func (AudioFrame) Kind() string { return "audio" }

// TextFrame carries one text utterance through the pipeline.
type TextFrame struct {
	// Text is the utterance.
	Text string

	// Role is "user" for recognitions and "assistant" for generated speech.
	Role string

	// TurnRMS is the max frame RMS observed over the turn that produced a
	// user recognition. Zero for assistant frames.
	TurnRMS float64
}

// Kind implements [Frame].
func (TextFrame) Kind() string { return "text" }

// TranscriptEvent is the pipeline's record of a committed conversational
// turn, consumed by the output stage for persistence and UI echo.
type TranscriptEvent struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the final text of the turn.
	Text string

	// IsPartial marks interim recognitions that are surfaced but not stored.
	IsPartial bool

	// TraceID correlates the event with the call's trace.
	TraceID string

	// TS is when the turn was committed.
	TS time.Time
}

// Kind implements [Frame].
func (TranscriptEvent) Kind() string { return "transcript" }
