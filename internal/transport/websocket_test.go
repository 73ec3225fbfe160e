package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// fakeConn is an in-memory wsConn: writes are recorded, reads replay queued
// messages.
type fakeConn struct {
	written  [][]byte
	inbound  [][]byte
	closed   bool
	writeErr error
}

func (c *fakeConn) Read(_ context.Context) (websocket.MessageType, []byte, error) {
	if len(c.inbound) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return websocket.MessageText, msg, nil
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.closed = true
	return nil
}

func (c *fakeConn) lastWritten(t *testing.T) map[string]any {
	t.Helper()
	if len(c.written) == 0 {
		t.Fatal("nothing written")
	}
	var m map[string]any
	if err := json.Unmarshal(c.written[len(c.written)-1], &m); err != nil {
		t.Fatalf("written message is not JSON: %v", err)
	}
	return m
}

// ── outbound framing ──────────────────────────────────────────────────────────

func TestSendAudio_TwilioEnvelope(t *testing.T) {
	conn := &fakeConn{}
	tr := NewWSTransport(conn, ProtocolTwilio, nil)
	tr.SetStreamID("MZ123")

	chunk := []byte{0xFF, 0x7F, 0x00}
	if err := tr.SendAudio(context.Background(), chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := conn.lastWritten(t)
	if msg["event"] != "media" {
		t.Errorf("event = %v, want media", msg["event"])
	}
	if msg["streamSid"] != "MZ123" {
		t.Errorf("streamSid = %v", msg["streamSid"])
	}
	media := msg["media"].(map[string]any)
	decoded, _ := base64.StdEncoding.DecodeString(media["payload"].(string))
	if !bytes.Equal(decoded, chunk) {
		t.Error("payload does not round-trip")
	}
	if _, ok := media["track"]; ok {
		t.Error("Twilio media must not carry a track tag")
	}
}

func TestSendAudio_TelnyxEnvelopeTagsInboundTrack(t *testing.T) {
	conn := &fakeConn{}
	tr := NewWSTransport(conn, ProtocolTelnyx, nil)
	tr.SetStreamID("st-456")

	if err := tr.SendAudio(context.Background(), []byte{0xD5}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := conn.lastWritten(t)
	if msg["stream_id"] != "st-456" {
		t.Errorf("stream_id = %v", msg["stream_id"])
	}
	media := msg["media"].(map[string]any)
	if media["track"] != "inbound_track" {
		t.Errorf("track = %v, want inbound_track", media["track"])
	}
}

func TestSendAudio_BrowserEnvelope(t *testing.T) {
	conn := &fakeConn{}
	tr := NewWSTransport(conn, ProtocolBrowser, nil)
	// Browser needs no stream ID.

	if err := tr.SendAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := conn.lastWritten(t)
	if msg["type"] != "audio" {
		t.Errorf("type = %v, want audio", msg["type"])
	}
	if _, ok := msg["data"].(string); !ok {
		t.Error("data field missing")
	}
}

func TestSendAudio_TelephonyDroppedWithoutStreamID(t *testing.T) {
	conn := &fakeConn{}
	tr := NewWSTransport(conn, ProtocolTwilio, nil)

	if err := tr.SendAudio(context.Background(), []byte{0xFF}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if len(conn.written) != 0 {
		t.Error("audio must be dropped before the start event sets the stream ID")
	}
}

func TestSendClear_PerProtocol(t *testing.T) {
	t.Run("twilio", func(t *testing.T) {
		conn := &fakeConn{}
		tr := NewWSTransport(conn, ProtocolTwilio, nil)
		tr.SetStreamID("MZ1")
		if err := tr.SendClear(context.Background()); err != nil {
			t.Fatalf("SendClear: %v", err)
		}
		msg := conn.lastWritten(t)
		if msg["event"] != "clear" || msg["streamSid"] != "MZ1" {
			t.Errorf("unexpected clear envelope: %v", msg)
		}
	})

	t.Run("browser", func(t *testing.T) {
		conn := &fakeConn{}
		tr := NewWSTransport(conn, ProtocolBrowser, nil)
		if err := tr.SendClear(context.Background()); err != nil {
			t.Fatalf("SendClear: %v", err)
		}
		msg := conn.lastWritten(t)
		if msg["event"] != "clear" {
			t.Errorf("unexpected clear envelope: %v", msg)
		}
	})
}

func TestSendTranscript_BrowserOnly(t *testing.T) {
	conn := &fakeConn{}
	tr := NewWSTransport(conn, ProtocolBrowser, nil)
	if err := tr.SendTranscript(context.Background(), "assistant", "Hola"); err != nil {
		t.Fatalf("SendTranscript: %v", err)
	}
	msg := conn.lastWritten(t)
	if msg["type"] != "transcript" || msg["role"] != "assistant" || msg["text"] != "Hola" {
		t.Errorf("unexpected transcript envelope: %v", msg)
	}

	phone := &fakeConn{}
	tp := NewWSTransport(phone, ProtocolTwilio, nil)
	if err := tp.SendTranscript(context.Background(), "assistant", "Hola"); err != nil {
		t.Fatalf("SendTranscript: %v", err)
	}
	if len(phone.written) != 0 {
		t.Error("telephony transport must not emit transcript envelopes")
	}
}

// ── inbound parsing ───────────────────────────────────────────────────────────

func TestParseEvent_StartTwilio(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"streamSid":"MZ99","media_format":{"encoding":"PCMU","sample_rate":8000,"channels":1}}}`)
	ev := parseEvent(raw)
	if ev.Kind != EventStart {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if ev.StreamID != "MZ99" {
		t.Errorf("stream ID = %q", ev.StreamID)
	}
	if ev.Encoding != audio.EncodingUlaw {
		t.Errorf("encoding = %q", ev.Encoding)
	}
	if ev.SampleRate != 8000 {
		t.Errorf("sample rate = %d", ev.SampleRate)
	}
}

func TestParseEvent_StartTelnyxRootStreamID(t *testing.T) {
	raw := []byte(`{"event":"start","stream_id":"st-7","start":{"media_format":{"encoding":"PCMA","sample_rate":8000}}}`)
	ev := parseEvent(raw)
	if ev.StreamID != "st-7" {
		t.Errorf("stream ID = %q, want st-7", ev.StreamID)
	}
	if ev.Encoding != audio.EncodingAlaw {
		t.Errorf("encoding = %q, want alaw", ev.Encoding)
	}
}

func TestParseEvent_Media(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x00, 0x7F})
	raw := []byte(`{"event":"media","media":{"payload":"` + payload + `"}}`)
	ev := parseEvent(raw)
	if ev.Kind != EventMedia {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if !bytes.Equal(ev.Audio, []byte{0xFF, 0x00, 0x7F}) {
		t.Errorf("audio = %v", ev.Audio)
	}
}

func TestParseEvent_BrowserAudioFrame(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})
	raw := []byte(`{"type":"audio","data":"` + data + `"}`)
	ev := parseEvent(raw)
	if ev.Kind != EventMedia {
		t.Fatalf("kind = %v, want media", ev.Kind)
	}
	if !bytes.Equal(ev.Audio, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("audio = %v", ev.Audio)
	}

	// Corrupt base64 or an unknown type stays unknown.
	if ev := parseEvent([]byte(`{"type":"audio","data":"!!!"}`)); ev.Kind != EventUnknown {
		t.Errorf("corrupt data: kind = %v", ev.Kind)
	}
	if ev := parseEvent([]byte(`{"type":"ping"}`)); ev.Kind != EventUnknown {
		t.Errorf("unknown type: kind = %v", ev.Kind)
	}
}

func TestParseEvent_MediaBadBase64(t *testing.T) {
	raw := []byte(`{"event":"media","media":{"payload":"!!!not-base64!!!"}}`)
	ev := parseEvent(raw)
	if ev.Kind != EventUnknown {
		t.Errorf("kind = %v, want unknown for corrupt payload", ev.Kind)
	}
}

func TestParseEvent_ControlEvents(t *testing.T) {
	tests := []struct {
		raw  string
		want EventKind
	}{
		{`{"event":"connected"}`, EventConnected},
		{`{"event":"stop"}`, EventStop},
		{`{"event":"client_interruption"}`, EventInterruption},
		{`{"event":"clear"}`, EventClear},
		{`{"event":"vad_stats","rms":123.4}`, EventVADStats},
		{`{"event":"something_new"}`, EventUnknown},
		{`not json`, EventUnknown},
	}
	for _, tt := range tests {
		ev := parseEvent([]byte(tt.raw))
		if ev.Kind != tt.want {
			t.Errorf("%s: kind = %v, want %v", tt.raw, ev.Kind, tt.want)
		}
	}

	ev := parseEvent([]byte(`{"event":"vad_stats","rms":123.4}`))
	if ev.RMS != 123.4 {
		t.Errorf("rms = %v", ev.RMS)
	}
}

// ── ReadEvent / Close ─────────────────────────────────────────────────────────

func TestReadEvent_DeliversParsedEvents(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		[]byte(`{"event":"connected"}`),
		[]byte(`{"event":"stop"}`),
	}}
	tr := NewWSTransport(conn, ProtocolTwilio, nil)

	ev, err := tr.ReadEvent(context.Background())
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Kind != EventConnected {
		t.Errorf("first kind = %v", ev.Kind)
	}

	ev, err = tr.ReadEvent(context.Background())
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Kind != EventStop {
		t.Errorf("second kind = %v", ev.Kind)
	}

	if _, err := tr.ReadEvent(context.Background()); err == nil {
		t.Error("expected error after the socket closes")
	}
}

func TestProtocolEncoding(t *testing.T) {
	if ProtocolTwilio.Encoding() != audio.EncodingUlaw {
		t.Error("twilio should default to mu-law")
	}
	if ProtocolTelnyx.Encoding() != audio.EncodingAlaw {
		t.Error("telnyx should default to A-law")
	}
	if ProtocolBrowser.Encoding() != audio.EncodingLinear16 {
		t.Error("browser should default to linear16")
	}
}
