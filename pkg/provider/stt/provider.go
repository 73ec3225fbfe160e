// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// Azure Speech) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw carrier
// audio chunks and emits two streams of Transcript values — low-latency
// partials for interaction-time tracking and authoritative finals that drive
// the conversation.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// StreamConfig describes the audio format and recognition behavior for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz: 8000 for telephony carriers,
	// 16000 for browser capture.
	SampleRate int

	// Channels is the number of audio channels; carrier audio is always mono.
	Channels int

	// Encoding is the byte-level encoding of chunks passed to SendAudio.
	// Telephony sessions stream companded G.711 directly; browser sessions
	// stream linear PCM.
	Encoding audio.Encoding

	// Language is the BCP-47 language tag for recognition (e.g., "es-MX").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// InitialSilenceMs is how long the provider should wait for the first
	// speech before giving up on the turn. Zero means provider default.
	InitialSilenceMs int

	// SegmentationSilenceMs is the trailing-silence window that commits a
	// final recognition. Zero means provider default.
	SegmentationSilenceMs int
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio bytes, in the encoding agreed in
	// StreamConfig, to the provider for transcription. Calling SendAudio
	// after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values. These refresh interaction timers but are never
	// stored. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider commits to a recognition. The channel is
	// closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. After Close returns, the Partials and Finals channels will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; one session is open per
// live call and many calls run at once.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, ctx already cancelled). The caller
	// owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
