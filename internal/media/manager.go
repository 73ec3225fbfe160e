// Package media implements outbound audio pacing for a live call.
//
// The Manager sits between the synthesis pipeline and the wire transport. TTS
// output is enqueued in carrier format and drained by a single stream loop
// that emits one frame per 20 ms tick, overlays the optional background loop,
// and keeps the carrier's jitter buffer primed with silence between turns.
package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

const (
	// TelephonyFrameSize is 20 ms of 8 kHz G.711: one sample per byte.
	TelephonyFrameSize = 160

	// FrameInterval is the wire cadence for telephony carriers.
	FrameInterval = 20 * time.Millisecond

	// backgroundGain scales the background loop under the voice.
	backgroundGain = 0.15
)

// Sink is the outbound half of a call transport. Implementations frame the
// payload for their carrier.
type Sink interface {
	// SendAudio transmits one payload. A closed transport returns an error,
	// which stops the stream loop.
	SendAudio(ctx context.Context, payload []byte) error
}

// Option is a functional option for the Manager.
type Option func(*Manager)

// WithEncoding sets the carrier codec for queued audio and the background
// mix. Default is μ-law.
func WithEncoding(enc audio.Encoding) Option {
	return func(m *Manager) {
		m.encoding = enc
	}
}

// WithBlobFraming disables 160-byte framing: queued blobs are sent whole.
// Used for browser clients, which buffer client-side.
func WithBlobFraming() Option {
	return func(m *Manager) {
		m.telephony = false
	}
}

// WithEmitGate installs a predicate checked before every frame emission.
// When it returns false the frame is held in the queue and the tick is spent
// idle. Used to hard-stop output the moment a barge-in lands.
func WithEmitGate(gate func() bool) Option {
	return func(m *Manager) {
		m.gate = gate
	}
}

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager paces outbound audio for one call. Safe for concurrent use; the
// stream loop is the only sender.
type Manager struct {
	sink      Sink
	encoding  audio.Encoding
	telephony bool
	gate      func() bool
	logger    *slog.Logger

	mu       sync.Mutex
	queue    [][]byte // carrier-format frames (telephony) or whole blobs
	bg       []byte   // linear16 loop buffer
	bgOffset int

	speaking atomic.Bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager writing to sink.
func NewManager(sink Sink, opts ...Option) *Manager {
	m := &Manager{
		sink:      sink,
		encoding:  audio.EncodingUlaw,
		telephony: true,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the stream loop. Calling Start on a running Manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.streamLoop(loopCtx)
	m.logger.Debug("media: stream loop started")
}

// Stop cancels the stream loop and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.logger.Debug("media: stream loop stopped")
}

// SendChunked enqueues synthesized audio for paced transmission. Telephony
// audio is split into 160-byte frames; blob mode queues the payload whole.
// Marks the bot as speaking.
func (m *Manager) SendChunked(data []byte) {
	if len(data) == 0 {
		m.logger.Warn("media: empty audio buffer dropped")
		return
	}
	m.speaking.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.telephony {
		m.queue = append(m.queue, data)
		return
	}
	for off := 0; off < len(data); off += TelephonyFrameSize {
		end := off + TelephonyFrameSize
		if end > len(data) {
			end = len(data)
		}
		m.queue = append(m.queue, data[off:end])
	}
}

// ClearQueue drops all pending frames.
func (m *Manager) ClearQueue() {
	m.mu.Lock()
	dropped := len(m.queue)
	m.queue = nil
	m.mu.Unlock()
	if dropped > 0 {
		m.logger.Info("media: queue cleared", "frames_dropped", dropped)
	}
}

// Interrupt drops pending frames and marks the bot as silent. Called on
// barge-in.
func (m *Manager) Interrupt() {
	m.ClearQueue()
	m.speaking.Store(false)
}

// SetBackground installs a loop buffer played under and between speech.
// buf may carry a WAV header, which is stripped; the payload must be 16-bit
// linear PCM at the carrier sample rate. Passing nil removes the background.
func (m *Manager) SetBackground(buf []byte) error {
	if buf == nil {
		m.mu.Lock()
		m.bg = nil
		m.bgOffset = 0
		m.mu.Unlock()
		return nil
	}
	pcm, err := audio.ExtractWAVData(buf)
	if err != nil {
		return err
	}
	if len(pcm) < 2 {
		return errors.New("media: background buffer too short")
	}
	// Whole samples only, or the mix loop would split an int16 across reads.
	pcm = pcm[:len(pcm)&^1]

	m.mu.Lock()
	m.bg = pcm
	m.bgOffset = 0
	m.mu.Unlock()
	m.logger.Info("media: background audio set", "bytes", len(pcm))
	return nil
}

// IsSpeaking reports whether queued or in-flight synthesis audio remains.
func (m *Manager) IsSpeaking() bool {
	return m.speaking.Load()
}

// streamLoop emits one frame per tick against a monotonic deadline, so
// scheduling jitter does not accumulate as drift.
func (m *Manager) streamLoop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(FrameInterval)
	defer timer.Stop()

	next := time.Now()
	for {
		next = next.Add(FrameInterval)
		timer.Reset(time.Until(next))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := m.emitFrame(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Info("media: transport closed, stopping stream loop", "error", err)
			}
			return
		}
	}
}

// emitFrame sends one tick's worth of audio: a queued frame mixed over the
// background, the background alone, or keep-alive silence. The emit gate is
// checked here, at emit time, so a barge-in that lands between ticks still
// suppresses the next frame.
func (m *Manager) emitFrame(ctx context.Context) error {
	if m.gate != nil && !m.gate() {
		return nil
	}
	frame, drained, ok := m.popFrame()
	if ok {
		payload := frame
		if m.hasBackground() {
			pcm := audio.DecodeToLinear16(m.encoding, frame)
			if bg := m.nextBackground(len(pcm)); bg != nil {
				mixed := audio.MixSaturating(pcm, audio.Scale(bg, backgroundGain))
				payload = audio.EncodeFromLinear16(m.encoding, mixed)
			}
		}
		if err := m.sink.SendAudio(ctx, payload); err != nil {
			return err
		}
		if drained {
			m.speaking.Store(false)
		}
		return nil
	}

	// Nothing queued. Mid-turn gaps stay silent on the wire so a lagging TTS
	// chunk does not get silence spliced into the middle of a sentence.
	if m.speaking.Load() || !m.telephony {
		return nil
	}

	if bg := m.nextBackground(2 * TelephonyFrameSize); bg != nil {
		payload := audio.EncodeFromLinear16(m.encoding, audio.Scale(bg, backgroundGain))
		return m.sink.SendAudio(ctx, payload)
	}
	return m.sink.SendAudio(ctx, audio.Silence(m.encoding, TelephonyFrameSize))
}

// popFrame removes the head of the queue. drained reports whether that was
// the last pending frame.
func (m *Manager) popFrame() (frame []byte, drained, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false, false
	}
	frame = m.queue[0]
	m.queue = m.queue[1:]
	return frame, len(m.queue) == 0, true
}

// hasBackground reports whether a background loop is installed.
func (m *Manager) hasBackground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bg) > 0
}

// nextBackground returns n bytes of the background loop, wrapping around the
// buffer. Returns nil when no background is installed.
func (m *Manager) nextBackground(n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bg) == 0 || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	for filled := 0; filled < n; {
		copied := copy(out[filled:], m.bg[m.bgOffset:])
		filled += copied
		m.bgOffset += copied
		if m.bgOffset >= len(m.bg) {
			m.bgOffset = 0
		}
	}
	return out
}
