package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// wsConn is the subset of *websocket.Conn the transport uses. Narrowed for
// testability.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Compile-time interface assertions.
var (
	_ wsConn    = (*websocket.Conn)(nil)
	_ Transport = (*WSTransport)(nil)
)

// WSTransport implements Transport over a carrier WebSocket.
type WSTransport struct {
	conn     wsConn
	protocol Protocol
	logger   *slog.Logger

	mu       sync.RWMutex
	streamID string
}

// NewWSTransport wraps an accepted WebSocket connection in the given dialect.
func NewWSTransport(conn wsConn, protocol Protocol, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{conn: conn, protocol: protocol, logger: logger}
}

// SetStreamID implements Transport.
func (t *WSTransport) SetStreamID(id string) {
	t.mu.Lock()
	t.streamID = id
	t.mu.Unlock()
}

// StreamID returns the current stream identifier, empty before the carrier's
// start event.
func (t *WSTransport) StreamID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streamID
}

// ---- outbound envelopes ----

// twilioMediaEnvelope is the outbound media frame for Twilio streams.
type twilioMediaEnvelope struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

// telnyxMediaEnvelope is the outbound media frame for Telnyx streams. Track
// must be "inbound_track" or the caller never hears the audio.
type telnyxMediaEnvelope struct {
	Event    string       `json:"event"`
	StreamID string       `json:"stream_id"`
	Media    mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

// browserAudioEnvelope is the outbound audio frame for browser clients.
type browserAudioEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// SendAudio implements Transport.
func (t *WSTransport) SendAudio(ctx context.Context, chunk []byte) error {
	b64 := base64.StdEncoding.EncodeToString(chunk)

	var msg any
	switch t.protocol {
	case ProtocolBrowser:
		msg = browserAudioEnvelope{Type: "audio", Data: b64}
	case ProtocolTelnyx:
		id := t.StreamID()
		if id == "" {
			return nil
		}
		msg = telnyxMediaEnvelope{
			Event:    "media",
			StreamID: id,
			Media:    mediaPayload{Payload: b64, Track: "inbound_track"},
		}
	default:
		id := t.StreamID()
		if id == "" {
			return nil
		}
		msg = twilioMediaEnvelope{
			Event:     "media",
			StreamSid: id,
			Media:     mediaPayload{Payload: b64},
		}
	}
	return t.SendJSON(ctx, msg)
}

// SendJSON implements Transport.
func (t *WSTransport) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// SendClear implements Transport. Telephony carriers take an "event" message
// tagged with the stream ID; the browser takes the bare event.
func (t *WSTransport) SendClear(ctx context.Context) error {
	switch t.protocol {
	case ProtocolBrowser:
		return t.SendJSON(ctx, map[string]any{"event": "clear"})
	case ProtocolTelnyx:
		id := t.StreamID()
		if id == "" {
			return nil
		}
		return t.SendJSON(ctx, map[string]any{"event": "clear", "stream_id": id})
	default:
		id := t.StreamID()
		if id == "" {
			return nil
		}
		return t.SendJSON(ctx, map[string]any{"event": "clear", "streamSid": id})
	}
}

// SendTranscript pushes a live transcript line to browser clients. Telephony
// carriers have no transcript channel; the call is a no-op for them.
func (t *WSTransport) SendTranscript(ctx context.Context, role, text string) error {
	if t.protocol != ProtocolBrowser {
		return nil
	}
	return t.SendJSON(ctx, map[string]any{"type": "transcript", "role": role, "text": text})
}

// ReadEvent implements Transport.
func (t *WSTransport) ReadEvent(ctx context.Context) (Event, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("transport: read: %w", err)
	}
	return parseEvent(data), nil
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "call ended")
}

// ---- inbound parsing ----

// inboundMessage is the superset of fields across carrier dialects.
type inboundMessage struct {
	Event string `json:"event"`

	// Browser clients frame audio as {type:"audio", data:base64} instead of
	// the telephony media envelope.
	Type string `json:"type"`
	Data string `json:"data"`

	StreamID string `json:"stream_id"` // Telnyx root-level

	Start struct {
		StreamSid     string `json:"streamSid"` // Twilio
		StreamID      string `json:"stream_id"` // Telnyx
		CallSid       string `json:"callSid"`
		CallControlID string `json:"call_control_id"` // Telnyx
		ClientState   string `json:"client_state"`    // Telnyx, base64
		MediaFormat   struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"media_format"`
	} `json:"start"`

	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`

	Mark string  `json:"mark"`
	RMS  float64 `json:"rms"`
}

// parseEvent maps one raw inbound message to an Event. Unparseable or
// unrecognized messages come back as EventUnknown with Raw set.
func parseEvent(data []byte) Event {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{Kind: EventUnknown, Raw: data}
	}

	switch msg.Event {
	case "connected":
		return Event{Kind: EventConnected}

	case "start":
		ev := Event{
			Kind:          EventStart,
			StreamID:      firstNonEmpty(msg.Start.StreamSid, msg.Start.StreamID, msg.StreamID, msg.Start.CallSid),
			CallControlID: msg.Start.CallControlID,
			SampleRate:    msg.Start.MediaFormat.SampleRate,
		}
		if msg.Start.ClientState != "" {
			if state, err := base64.StdEncoding.DecodeString(msg.Start.ClientState); err == nil {
				ev.ClientState = state
			}
		}
		switch strings.ToUpper(msg.Start.MediaFormat.Encoding) {
		case "PCMU":
			ev.Encoding = audio.EncodingUlaw
		case "PCMA":
			ev.Encoding = audio.EncodingAlaw
		case "L16":
			ev.Encoding = audio.EncodingLinear16
		}
		return ev

	case "media":
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Event{Kind: EventUnknown, Raw: data}
		}
		return Event{Kind: EventMedia, Audio: payload, Mark: msg.Mark}

	case "stop":
		return Event{Kind: EventStop}

	case "client_interruption":
		return Event{Kind: EventInterruption}

	case "vad_stats":
		return Event{Kind: EventVADStats, RMS: msg.RMS}

	case "clear":
		return Event{Kind: EventClear}

	default:
		if msg.Type == "audio" && msg.Data != "" {
			payload, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				return Event{Kind: EventUnknown, Raw: data}
			}
			return Event{Kind: EventMedia, Audio: payload}
		}
		return Event{Kind: EventUnknown, Raw: data}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
