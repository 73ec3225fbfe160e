package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// STTConfig wires the STT stage to its call-local collaborators.
type STTConfig struct {
	Provider stt.Provider
	Stream   stt.StreamConfig

	Gate    *call.Gate
	FSM     *call.FSM
	Control *call.ControlChannel

	// VAD supplies the per-turn max RMS for the recognition gate.
	VAD *VADProcessor

	// BotSpeaking reports whether synthesized audio is still draining.
	// Recognitions that land mid-speech are screened for echo.
	BotSpeaking func() bool

	// OnActivity is invoked on every partial and final recognition so the
	// orchestrator can refresh its idle timer. May be nil.
	OnActivity func()

	Logger *slog.Logger
}

// STTProcessor adapts the streaming STT provider into a pipeline stage.
// Inbound audio frames are fed to the provider session; final recognitions
// come back asynchronously, pass the recognition gate, and are emitted
// downstream as user text.
type STTProcessor struct {
	cfg    STTConfig
	logger *slog.Logger

	mu      sync.Mutex
	session stt.SessionHandle
	wg      sync.WaitGroup
}

var _ StreamingProcessor = (*STTProcessor)(nil)

// NewSTTProcessor creates the stage. Start must run before frames flow.
func NewSTTProcessor(cfg STTConfig) *STTProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &STTProcessor{cfg: cfg, logger: logger}
}

// Name implements Processor.
func (s *STTProcessor) Name() string { return "stt" }

// Start implements StreamingProcessor. It opens the provider session and
// launches the recognition consumers.
func (s *STTProcessor) Start(ctx context.Context, emit Emit) error {
	session, err := s.cfg.Provider.StartStream(ctx, s.cfg.Stream)
	if err != nil {
		return fmt.Errorf("stt: start stream: %w", err)
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	s.wg.Add(2)
	go s.consumePartials(ctx, session)
	go s.consumeFinals(ctx, session, emit)
	return nil
}

// Process forwards carrier audio to the provider session.
func (s *STTProcessor) Process(_ context.Context, f Frame, _ Emit) error {
	af, ok := f.(AudioFrame)
	if !ok {
		return nil
	}
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.SendAudio(af.Data); err != nil {
		return fmt.Errorf("stt: send audio: %w", err)
	}
	return nil
}

// Clear implements Processor. Recognition state lives provider-side; there is
// nothing queued locally to drop.
func (s *STTProcessor) Clear() {}

// Close shuts the provider session down and waits for the consumers.
func (s *STTProcessor) Close() error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	err := session.Close()
	s.wg.Wait()
	return err
}

// consumePartials drains interim recognitions. They only count as caller
// activity; no text moves downstream.
func (s *STTProcessor) consumePartials(ctx context.Context, session stt.SessionHandle) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-session.Partials():
			if !ok {
				return
			}
			if s.cfg.OnActivity != nil {
				s.cfg.OnActivity()
			}
		}
	}
}

// consumeFinals adjudicates final recognitions and pushes accepted ones
// downstream.
func (s *STTProcessor) consumeFinals(ctx context.Context, session stt.SessionHandle, emit Emit) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-session.Finals():
			if !ok {
				return
			}
			s.handleFinal(ctx, t, emit)
		}
	}
}

func (s *STTProcessor) handleFinal(ctx context.Context, t types.Transcript, emit Emit) {
	if s.cfg.OnActivity != nil {
		s.cfg.OnActivity()
	}
	if t.Text == "" {
		return
	}

	turnRMS := t.RMS
	if s.cfg.VAD != nil {
		turnRMS = s.cfg.VAD.TurnMaxRMS()
		defer s.cfg.VAD.ResetTurn()
	}

	botSpeaking := s.cfg.BotSpeaking != nil && s.cfg.BotSpeaking()
	if drop, reason := s.cfg.Gate.Evaluate(t.Text, turnRMS, botSpeaking); drop {
		s.logger.Info("recognition dropped",
			"reason", string(reason),
			"chars", len(t.Text),
			"turn_rms", turnRMS)
		return
	}

	frame := TextFrame{Text: t.Text, Role: "user", TurnRMS: turnRMS}
	if err := emit(ctx, frame); err != nil {
		s.logger.Error("stt: emit recognition", "error", err)
		return
	}
	if err := emit(ctx, TranscriptEvent{Role: "user", Text: t.Text, TS: time.Now()}); err != nil {
		s.logger.Error("stt: emit transcript", "error", err)
	}

	// A recognition that survives the gate while the bot is speaking is a
	// real barge-in.
	if s.cfg.FSM.CanInterrupt() {
		s.cfg.Control.Send(call.Signal{Kind: call.SignalInterrupt, Text: t.Text})
		s.logger.Info("barge-in detected", "text", t.Text)
	}
}
