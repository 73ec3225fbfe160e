// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Azure Speech) behind
// a batch request interface: the per-call runtime submits one SSML document
// per sentence and receives audio bytes already in the carrier's wire format.
// Sentence-level batching keeps first-audio latency low without requiring a
// provider-side streaming protocol.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/types"
)

// OutputFormat selects the wire format of synthesized audio.
type OutputFormat string

const (
	// FormatUlaw8k is 8 kHz G.711 μ-law, the telephony wire format.
	FormatUlaw8k OutputFormat = "ulaw-8khz"

	// FormatAlaw8k is 8 kHz G.711 A-law, used by European Telnyx trunks.
	FormatAlaw8k OutputFormat = "alaw-8khz"

	// FormatPCM16k is 16 kHz 16-bit little-endian linear PCM, the browser
	// wire format.
	FormatPCM16k OutputFormat = "pcm-16khz"
)

// Request is one synthesis job: a complete SSML document plus the desired
// wire format.
type Request struct {
	// SSML is the full SSML document, including the voice element.
	SSML string

	// Format is the desired output encoding.
	Format OutputFormat
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; the runtime may synthesize
// sentences for many calls at once.
type Provider interface {
	// Synthesize renders the SSML document into audio bytes in the requested
	// format. Returns an error if the provider rejects the document, the
	// request fails, or ctx is cancelled.
	Synthesize(ctx context.Context, req Request) ([]byte, error)

	// ListVoices returns the voices available from this provider. The list
	// reflects the provider's current catalogue and may change between calls.
	ListVoices(ctx context.Context) ([]types.VoiceConfig, error)
}
