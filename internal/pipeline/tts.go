package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// TTSConfig wires the TTS stage.
type TTSConfig struct {
	Provider tts.Provider

	FSM *call.FSM

	// Voice controls prosody and style for every synthesized sentence.
	Voice types.VoiceConfig

	// Language is the call's language code (e.g., "es-MX").
	Language string

	// Format is the carrier wire format requested from the provider.
	Format tts.OutputFormat

	// PacingDelay is an optional pause inserted before each sentence is
	// enqueued, giving the voice a measured cadence. Zero disables it.
	PacingDelay time.Duration

	Logger *slog.Logger
}

// TTSProcessor renders assistant sentences to carrier audio. Synthesis races
// barge-in, so the FSM speak gate is re-checked after the provider returns;
// audio that lost the race is dropped instead of haunting the caller.
type TTSProcessor struct {
	cfg      TTSConfig
	builder  *tts.SSMLBuilder
	encoding audio.Encoding
	logger   *slog.Logger
}

var _ Processor = (*TTSProcessor)(nil)

// NewTTSProcessor creates the stage.
func NewTTSProcessor(cfg TTSConfig) *TTSProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var enc audio.Encoding
	switch cfg.Format {
	case tts.FormatAlaw8k:
		enc = audio.EncodingAlaw
	case tts.FormatPCM16k:
		enc = audio.EncodingLinear16
	default:
		enc = audio.EncodingUlaw
	}
	return &TTSProcessor{
		cfg:      cfg,
		builder:  tts.NewSSMLBuilder(cfg.Language),
		encoding: enc,
		logger:   logger,
	}
}

// Name implements Processor.
func (t *TTSProcessor) Name() string { return "tts" }

// Process implements Processor.
func (t *TTSProcessor) Process(ctx context.Context, f Frame, emit Emit) error {
	tf, ok := f.(TextFrame)
	if !ok || tf.Role != "assistant" {
		return emit(ctx, f)
	}
	if tf.Text == "" {
		return nil
	}

	v := t.cfg.Voice
	ssml := t.builder.Build(tf.Text, v.Name, v.Rate, v.Pitch, v.Volume, v.Style, v.StyleDegree)

	data, err := t.cfg.Provider.Synthesize(ctx, tts.Request{SSML: ssml, Format: t.cfg.Format})
	if err != nil {
		return fmt.Errorf("tts: synthesize: %w", err)
	}

	// Synthesis may have raced a barge-in; check the gate with the audio in
	// hand, not when the sentence was queued.
	if !t.cfg.FSM.CanSpeak() && t.cfg.FSM.State() != call.StateSpeaking {
		t.logger.Info("synthesized audio dropped", "state", t.cfg.FSM.State().String(), "bytes", len(data))
		return nil
	}
	t.cfg.FSM.TransitionIfIn(call.StateSpeaking, call.StateProcessing, call.StateIdle)

	if t.cfg.PacingDelay > 0 {
		timer := time.NewTimer(t.cfg.PacingDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	sampleRate := 8000
	if t.encoding == audio.EncodingLinear16 {
		sampleRate = 16000
	}
	return emit(ctx, AudioFrame{
		Data:       data,
		SampleRate: sampleRate,
		Channels:   1,
		Encoding:   t.encoding,
	})
}

// Clear implements Processor. Sentences are synthesized one at a time from
// the stage queue; there is no additional local buffer to drop.
func (t *TTSProcessor) Clear() {}
