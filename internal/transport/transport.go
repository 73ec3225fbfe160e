// Package transport adapts carrier WebSocket protocols to a single audio
// transport interface. Twilio and Telnyx media streams and the browser
// client all speak JSON envelopes over one socket; the variants differ only
// in how outbound audio is framed.
package transport

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// Protocol identifies the carrier dialect on the wire.
type Protocol string

const (
	ProtocolTwilio  Protocol = "twilio"
	ProtocolTelnyx  Protocol = "telnyx"
	ProtocolBrowser Protocol = "browser"
)

// Encoding returns the carrier's native audio encoding.
func (p Protocol) Encoding() audio.Encoding {
	switch p {
	case ProtocolTelnyx:
		return audio.EncodingAlaw
	case ProtocolBrowser:
		return audio.EncodingLinear16
	default:
		return audio.EncodingUlaw
	}
}

// EventKind discriminates inbound events.
type EventKind int

const (
	// EventUnknown is any event the parser does not recognize. Raw holds the
	// original message.
	EventUnknown EventKind = iota

	// EventConnected is the carrier's initial handshake.
	EventConnected

	// EventStart announces the media stream: stream ID and media format.
	EventStart

	// EventMedia carries one inbound audio frame.
	EventMedia

	// EventStop ends the media stream.
	EventStop

	// EventInterruption is a client-side barge-in (browser local VAD).
	EventInterruption

	// EventVADStats carries a client-measured RMS sample.
	EventVADStats

	// EventClear asks the server to drop buffered audio.
	EventClear
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventStop:
		return "stop"
	case EventInterruption:
		return "interruption"
	case EventVADStats:
		return "vad_stats"
	case EventClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Event is one parsed inbound message.
type Event struct {
	Kind EventKind

	// StreamID is set on EventStart.
	StreamID string

	// CallControlID is the carrier's call-control identifier, set on
	// EventStart for Telnyx legs. It drives the REST actions (hangup,
	// transfer, DTMF) on that call.
	CallControlID string

	// Encoding and SampleRate describe the media format announced on
	// EventStart. Zero values mean the carrier did not announce a format.
	Encoding   audio.Encoding
	SampleRate int

	// Audio is the decoded payload of an EventMedia frame.
	Audio []byte

	// ClientState is the decoded client_state blob attached to an outbound
	// call's start event: JSON carrying the dialer's campaign context. Nil
	// for inbound calls.
	ClientState []byte

	// Mark is an optional playback marker attached to a media event.
	Mark string

	// RMS is the client-measured level on EventVADStats.
	RMS float64

	// Raw is the original message, kept for EventUnknown diagnostics.
	Raw []byte
}

// Transport is a full-duplex call leg. Implementations must be safe for one
// concurrent reader and any number of writers.
type Transport interface {
	// SendAudio transmits one outbound audio payload, framed per the
	// carrier's dialect.
	SendAudio(ctx context.Context, chunk []byte) error

	// SendJSON transmits an arbitrary JSON message.
	SendJSON(ctx context.Context, v any) error

	// SendClear tells the client to drop its buffered audio.
	SendClear(ctx context.Context) error

	// SetStreamID installs the carrier stream identifier. Set once, after
	// the carrier's start event; outbound envelopes that require it are
	// dropped until then.
	SetStreamID(id string)

	// ReadEvent blocks until the next inbound event or a read error. A
	// closed socket returns an error.
	ReadEvent(ctx context.Context) (Event, error)

	// Close tears down the socket.
	Close() error
}
