// Package orchestrator runs one live call end to end: it wires the providers
// into the frame pipeline, owns the conversation FSM and the control channel,
// supervises the per-call task set, and enforces the idle and duration limits.
// Exactly one Orchestrator exists per call leg; the [Registry] maps live
// client IDs to their orchestrators.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/media"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/transport"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
)

// Pipeline stage indexes, used to inject frames downstream of STT.
const (
	stageVAD = iota
	stageSTT
	stageLLM
	stageTTS
	stageOutput
)

// monitorInterval is the tick of the lifecycle monitor: drain detection and
// the idle/duration guards.
const monitorInterval = 200 * time.Millisecond

// drainedTicks is how many consecutive silent monitor ticks mark the end of
// an assistant turn. The hysteresis keeps a slow TTS sentence boundary from
// bouncing the FSM through IDLE mid-reply.
const drainedTicks = 2

// holdPulseInterval spaces the comfort pulses played while a slow tool runs.
const holdPulseInterval = 2 * time.Second

// hangupDrainTimeout caps how long a telephony goodbye may keep the line up
// before the carrier hangup fires anyway.
const hangupDrainTimeout = 5 * time.Second

// CallStore persists call records and transcripts. All writes are
// best-effort: a storage failure never ends a live call.
type CallStore interface {
	CreateCall(ctx context.Context, sessionID, clientType string) (int64, error)
	FinalizeCall(ctx context.Context, callID int64, status string, extracted map[string]any) error
	AppendTranscript(ctx context.Context, callID int64, role, content string) error
}

// TelephonyActions are the carrier-side call-control verbs. Nil on carriers
// without a control API (browser).
type TelephonyActions interface {
	Hangup(ctx context.Context) error
	Transfer(ctx context.Context) error
	SendDTMF(ctx context.Context, digits string) error
}

// Transport is the call leg the orchestrator speaks through. Satisfied by
// [transport.WSTransport].
type Transport interface {
	transport.Transport
	SendTranscript(ctx context.Context, role, text string) error
}

// ToolRunner mirrors the pipeline's tool contract.
type ToolRunner = pipeline.ToolRunner

// Config assembles one call. Agent must already be carrier-resolved.
type Config struct {
	SessionID string
	Protocol  transport.Protocol
	Agent     config.AgentConfig

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Tools may be nil for agents without tools.
	Tools ToolRunner

	Transport Transport

	// Store may be nil (no persistence).
	Store CallStore

	// Telephony may be nil; hangup then falls back to closing the socket.
	Telephony TelephonyActions

	// Vars are the dynamic variables substituted into the system prompt,
	// typically lead data from the dialer's client_state.
	Vars map[string]string

	// Background is an optional WAV loop played under the call.
	Background []byte

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Orchestrator coordinates one live call.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	fsm     *call.FSM
	control *call.ControlChannel
	gate    *call.Gate
	manager *media.Manager
	pipe    *pipeline.Pipeline
	sttProc *pipeline.STTProcessor
	llmProc *pipeline.LLMProcessor

	encoding audio.Encoding

	started      atomic.Bool
	startTime    time.Time
	lastActivity atomic.Int64 // unix nanos
	idleRetries  atomic.Int32
	paused       atomic.Bool

	userTurnEnd atomic.Int64 // unix nanos of the last committed user turn

	callID atomic.Int64

	holdMu     sync.Mutex
	holdCancel context.CancelFunc

	eg     *errgroup.Group
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
	reason   atomic.Value // string
}

// New wires the call but does not start it.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		fsm:      call.NewFSM(logger),
		control:  call.NewControlChannel(),
		encoding: cfg.Protocol.Encoding(),
		done:     make(chan struct{}),
	}

	agent := cfg.Agent
	o.gate = call.NewGate(call.GateConfig{
		Blacklist:             agent.Blacklist,
		StopWords:             agent.StopWords,
		MinChars:              agent.MinChars,
		InterruptionThreshold: agent.InterruptionThreshold,
	}, logger)

	mediaOpts := []media.Option{
		media.WithEncoding(o.encoding),
		media.WithLogger(logger),
		media.WithEmitGate(o.emitGate),
	}
	if cfg.Protocol == transport.ProtocolBrowser {
		mediaOpts = append(mediaOpts, media.WithBlobFraming())
	}
	o.manager = media.NewManager(transportSink{cfg.Transport}, mediaOpts...)

	vadProc := pipeline.NewVADProcessor(o.gate)

	o.sttProc = pipeline.NewSTTProcessor(pipeline.STTConfig{
		Provider:    cfg.STT,
		Stream:      o.streamConfig(),
		Gate:        o.gate,
		FSM:         o.fsm,
		Control:     o.control,
		VAD:         vadProc,
		BotSpeaking: o.manager.IsSpeaking,
		OnActivity:  o.touchActivity,
		Logger:      logger,
	})

	o.llmProc = pipeline.NewLLMProcessor(pipeline.LLMConfig{
		Provider:      cfg.LLM,
		Tools:         cfg.Tools,
		FSM:           o.fsm,
		Control:       o.control,
		AgentPrompt:   agent.SystemPrompt,
		Vars:          o.promptVars(),
		ContextWindow: agent.ContextWindow,
		Temperature:   agent.Temperature,
		MaxTokens:     agent.MaxTokens,
		OnHangup:      o.hangupAfterDrain,
		OnTransfer:    o.transfer,
		OnDTMF:        o.sendDTMF,
		OnToolStart:   o.startHoldAudio,
		OnToolEnd:     o.stopHoldAudio,
		Logger:        logger,
	})

	ttsProc := pipeline.NewTTSProcessor(pipeline.TTSConfig{
		Provider:    cfg.TTS,
		FSM:         o.fsm,
		Voice:       agent.Voice,
		Language:    agent.Language,
		Format:      o.outputFormat(),
		PacingDelay: time.Duration(agent.VoicePacingMs) * time.Millisecond,
		Logger:      logger,
	})

	outProc := pipeline.NewOutputProcessor(o.manager, o.commitTranscript, logger)

	o.pipe = pipeline.New(logger, vadProc, o.sttProc, o.llmProc, ttsProc, outProc)
	return o
}

// FSM exposes the conversation state machine, mainly for diagnostics.
func (o *Orchestrator) FSM() *call.FSM { return o.fsm }

// Control exposes the control channel so transports can inject signals
// (browser-side barge-in, admin stop).
func (o *Orchestrator) Control() *call.ControlChannel { return o.control }

// CallID returns the persisted call record ID, zero before creation.
func (o *Orchestrator) CallID() int64 { return o.callID.Load() }

// Done is closed once the call has fully stopped.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// EndReason reports why the call stopped; empty while live.
func (o *Orchestrator) EndReason() string {
	if r, ok := o.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Start brings the call up: call record, media loop, pipeline, supervision
// tasks, greeting. The context governs the whole call; cancelling it stops
// everything.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator: already started")
	}
	o.startTime = time.Now()
	o.lastActivity.Store(o.startTime.UnixNano())

	o.createCallRecord(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.manager.Start(runCtx)
	if err := o.pipe.Start(runCtx); err != nil {
		o.manager.Stop()
		cancel()
		return fmt.Errorf("orchestrator: %w", err)
	}

	if len(o.cfg.Background) > 0 {
		if err := o.manager.SetBackground(o.cfg.Background); err != nil {
			o.logger.Warn("background audio rejected", "error", err)
		}
	}

	o.eg, runCtx = errgroup.WithContext(runCtx)
	o.eg.Go(func() error { return o.controlLoop(runCtx) })
	o.eg.Go(func() error { return o.monitorLoop(runCtx) })

	o.cfg.Metrics.RecordCallStarted(context.Background(), string(o.cfg.Protocol))
	o.logger.Info("call started", "carrier", string(o.cfg.Protocol), "agent", o.cfg.Agent.Name)

	o.speakGreeting(runCtx)
	return nil
}

// PushAudio feeds one inbound carrier frame into the pipeline.
func (o *Orchestrator) PushAudio(ctx context.Context, data []byte) error {
	sampleRate := 8000
	if o.encoding == audio.EncodingLinear16 {
		sampleRate = 16000
	}
	return o.pipe.Push(ctx, pipeline.AudioFrame{
		Data:       data,
		SampleRate: sampleRate,
		Channels:   1,
		Encoding:   o.encoding,
	})
}

// NotifyInterruption handles a client-side barge-in (browser local VAD).
func (o *Orchestrator) NotifyInterruption() {
	if o.fsm.CanInterrupt() {
		o.control.Send(call.Signal{Kind: call.SignalInterrupt})
	}
}

// ObserveClientRMS feeds a client-measured level sample into the gate's
// noise profile (browser vad_stats events).
func (o *Orchestrator) ObserveClientRMS(rms float64) {
	o.gate.ObserveRMS(rms)
}

// NotifyClear handles a client request to drop buffered audio.
func (o *Orchestrator) NotifyClear() {
	o.control.Send(call.Signal{Kind: call.SignalClear})
}

// Stop tears the call down with the given reason. Idempotent; the first
// reason wins.
func (o *Orchestrator) Stop(reason string) {
	o.stopOnce.Do(func() {
		o.reason.Store(reason)
		o.logger.Info("call stopping", "reason", reason)

		o.fsm.TransitionIfIn(call.StateEnding, call.StateIdle, call.StateSpeaking)
		o.stopHoldAudio()

		if o.cancel != nil {
			o.cancel()
		}
		o.pipe.Stop()
		if err := o.sttProc.Close(); err != nil {
			o.logger.Warn("stt close", "error", err)
		}
		o.manager.Stop()
		if o.eg != nil {
			_ = o.eg.Wait()
		}

		o.finalizeCallRecord(reason)
		o.cfg.Metrics.RecordCallEnded(context.Background(), string(o.cfg.Protocol), reason)
		_ = o.cfg.Transport.Close()

		o.logger.Info("call stopped", "reason", reason, "duration", time.Since(o.startTime).Round(time.Second))
		close(o.done)
	})
}

// ── supervision loops ─────────────────────────────────────────────────────────

// controlLoop consumes out-of-band signals. Latest-wins delivery means a
// barge-in is never queued behind stale traffic.
func (o *Orchestrator) controlLoop(ctx context.Context) error {
	for {
		sig, err := o.control.Wait(ctx)
		if err != nil {
			return nil // ctx done
		}
		switch sig.Kind {
		case call.SignalInterrupt:
			o.handleInterrupt(ctx, sig)
		case call.SignalCancel:
			o.logger.Info("generation cancelled", "reason", sig.Reason)
			o.pipe.Clear()
			o.manager.ClearQueue()
		case call.SignalClear:
			o.pipe.Clear()
			o.manager.ClearQueue()
		case call.SignalPause:
			o.paused.Store(true)
		case call.SignalResume:
			o.paused.Store(false)
		case call.SignalEmergencyStop:
			go o.Stop("emergency_stop")
			return nil
		}
	}
}

// handleInterrupt is the barge-in path: kill queued audio first, then the
// in-flight generation, then hand the turn back to the caller.
func (o *Orchestrator) handleInterrupt(ctx context.Context, sig call.Signal) {
	started := time.Now()

	o.fsm.TransitionIfIn(call.StateInterrupted, call.StateSpeaking)
	o.manager.Interrupt()
	o.pipe.Clear()
	if err := o.cfg.Transport.SendClear(ctx); err != nil {
		o.logger.Debug("clear envelope failed", "error", err)
	}
	o.fsm.TransitionIfIn(call.StateListening, call.StateInterrupted)

	o.cfg.Metrics.BargeInDuration.Record(ctx, time.Since(started).Seconds())
	o.cfg.Metrics.FramesDropped.Add(ctx, 1)
	o.logger.Info("barge-in handled", "elapsed", time.Since(started))

	// The recognition that triggered the barge-in was dropped with the rest
	// of the queues; re-inject it so the model answers it.
	if sig.Text != "" {
		if err := o.pipe.PushAt(ctx, stageLLM, pipeline.TextFrame{Text: sig.Text, Role: "user"}); err != nil {
			o.logger.Error("re-inject recognition", "error", err)
		}
	}
}

// monitorLoop runs drain detection and the idle/duration guards.
func (o *Orchestrator) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	drained := 0
	lastIdleCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// End of an assistant turn: queue drained for long enough.
		if o.fsm.State() == call.StateSpeaking && !o.manager.IsSpeaking() {
			drained++
			if drained >= drainedTicks {
				o.fsm.TransitionIfIn(call.StateIdle, call.StateSpeaking)
				drained = 0
			}
		} else {
			drained = 0
		}

		if time.Since(lastIdleCheck) < time.Second {
			continue
		}
		lastIdleCheck = time.Now()

		if limit := o.cfg.Agent.MaxDurationSec; limit > 0 && time.Since(o.startTime) > time.Duration(limit)*time.Second {
			go o.Stop("max_duration")
			return nil
		}

		idle := time.Duration(o.cfg.Agent.IdleTimeoutSec) * time.Second
		if idle <= 0 || time.Since(o.lastActivityTime()) < idle {
			continue
		}
		if int(o.idleRetries.Load()) >= o.cfg.Agent.InactivityMaxRetries {
			go o.Stop("idle_timeout")
			return nil
		}
		o.idleRetries.Add(1)
		o.lastActivity.Store(time.Now().UnixNano())
		// A recognition the gate dropped can strand the FSM in LISTENING,
		// which would mute the re-engagement prompt.
		o.fsm.TransitionIfIn(call.StateIdle, call.StateListening)
		o.speakIdlePrompt(ctx)
	}
}

// ── prompt injection ──────────────────────────────────────────────────────────

// speakGreeting pushes the configured opening line as the first assistant
// turn. No-op when the agent has no greeting.
func (o *Orchestrator) speakGreeting(ctx context.Context) {
	greeting := o.cfg.Agent.Greeting
	if greeting == "" {
		return
	}
	o.llmProc.AppendAssistant(greeting)
	if err := o.pipe.PushAt(ctx, stageTTS, pipeline.TextFrame{Text: greeting, Role: "assistant"}); err != nil {
		o.logger.Error("push greeting", "error", err)
		return
	}
	if err := o.pipe.PushAt(ctx, stageTTS, pipeline.TranscriptEvent{
		Role: "assistant", Text: greeting, TS: time.Now(),
	}); err != nil {
		o.logger.Error("push greeting transcript", "error", err)
	}
}

// speakIdlePrompt re-engages a silent caller.
func (o *Orchestrator) speakIdlePrompt(ctx context.Context) {
	msg := o.cfg.Agent.IdleMessage
	if msg == "" {
		msg = "¿Sigues ahí?"
	}
	o.logger.Info("idle re-engagement", "retry", o.idleRetries.Load())
	o.llmProc.AppendAssistant(msg)
	if err := o.pipe.PushAt(ctx, stageTTS, pipeline.TextFrame{Text: msg, Role: "assistant"}); err != nil {
		o.logger.Error("push idle prompt", "error", err)
	}
}

// ── LLM side effects ──────────────────────────────────────────────────────────

// hangupAfterDrain ends the call after the goodbye finishes playing.
func (o *Orchestrator) hangupAfterDrain() {
	go func() {
		deadline := time.Now().Add(hangupDrainTimeout)
		for o.manager.IsSpeaking() && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		// Give the carrier's jitter buffer a beat to flush the tail.
		time.Sleep(500 * time.Millisecond)

		if o.cfg.Telephony != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.cfg.Telephony.Hangup(ctx); err != nil {
				o.logger.Warn("carrier hangup failed", "error", err)
			}
			cancel()
		}
		o.Stop("agent_hangup")
	}()
}

func (o *Orchestrator) transfer() {
	if o.cfg.Telephony == nil {
		o.logger.Warn("transfer requested on a carrier without call control")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cfg.Telephony.Transfer(ctx); err != nil {
		o.logger.Error("transfer failed", "error", err)
	}
}

func (o *Orchestrator) sendDTMF(digits string) {
	if o.cfg.Telephony == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cfg.Telephony.SendDTMF(ctx, digits); err != nil {
		o.logger.Error("dtmf failed", "error", err, "digits", digits)
	}
}

// startHoldAudio plays a short comfort pulse every couple of seconds while a
// tool runs, so a telephony caller does not hear dead air and hang up.
func (o *Orchestrator) startHoldAudio() {
	if o.cfg.Protocol == transport.ProtocolBrowser {
		return
	}
	o.holdMu.Lock()
	defer o.holdMu.Unlock()
	if o.holdCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.holdCancel = cancel

	go func() {
		ticker := time.NewTicker(holdPulseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.manager.SendChunked(audio.Silence(o.encoding, media.TelephonyFrameSize))
			}
		}
	}()
}

func (o *Orchestrator) stopHoldAudio() {
	o.holdMu.Lock()
	defer o.holdMu.Unlock()
	if o.holdCancel != nil {
		o.holdCancel()
		o.holdCancel = nil
	}
}

// ── persistence + transcripts ─────────────────────────────────────────────────

func (o *Orchestrator) createCallRecord(ctx context.Context) {
	if o.cfg.Store == nil {
		return
	}
	id, err := o.cfg.Store.CreateCall(ctx, o.cfg.SessionID, string(o.cfg.Protocol))
	if err != nil {
		o.logger.Warn("create call record failed", "error", err)
		return
	}
	o.callID.Store(id)
}

func (o *Orchestrator) finalizeCallRecord(reason string) {
	id := o.callID.Load()
	if o.cfg.Store == nil || id == 0 {
		return
	}
	status := "completed"
	if reason == "emergency_stop" || reason == "error" {
		status = "failed"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cfg.Store.FinalizeCall(ctx, id, status, map[string]any{"end_reason": reason}); err != nil {
		o.logger.Warn("finalize call record failed", "error", err)
	}
}

// commitTranscript is the pipeline's transcript sink: persistence plus
// browser UI echo, both best-effort.
func (o *Orchestrator) commitTranscript(ctx context.Context, ev pipeline.TranscriptEvent) {
	switch ev.Role {
	case "user":
		o.userTurnEnd.Store(time.Now().UnixNano())
	case "assistant":
		if start := o.userTurnEnd.Swap(0); start > 0 {
			o.cfg.Metrics.TurnDuration.Record(ctx, time.Since(time.Unix(0, start)).Seconds())
		}
	}

	if id := o.callID.Load(); o.cfg.Store != nil && id != 0 {
		if err := o.cfg.Store.AppendTranscript(ctx, id, ev.Role, ev.Text); err != nil {
			o.logger.Warn("append transcript failed", "error", err)
		}
	}
	if err := o.cfg.Transport.SendTranscript(ctx, ev.Role, ev.Text); err != nil {
		o.logger.Debug("transcript echo failed", "error", err)
	}
}

// ── wiring helpers ────────────────────────────────────────────────────────────

// emitGate is checked by the media loop before every frame: the FSM decides,
// plus the explicit pause switch.
func (o *Orchestrator) emitGate() bool {
	return !o.paused.Load() && o.fsm.CanEmitAudio()
}

// touchActivity refreshes the idle timer on caller speech. It also moves a
// quiet call into LISTENING; the LLM stage takes it from there.
func (o *Orchestrator) touchActivity() {
	o.lastActivity.Store(time.Now().UnixNano())
	o.idleRetries.Store(0)
	o.fsm.TransitionIfIn(call.StateListening, call.StateIdle)
}

func (o *Orchestrator) lastActivityTime() time.Time {
	return time.Unix(0, o.lastActivity.Load())
}

func (o *Orchestrator) streamConfig() stt.StreamConfig {
	agent := o.cfg.Agent
	cfg := stt.StreamConfig{
		SampleRate:            8000,
		Channels:              1,
		Encoding:              o.encoding,
		Language:              agent.Language,
		InitialSilenceMs:      agent.InitialSilenceTimeoutMs,
		SegmentationSilenceMs: agent.SilenceTimeoutMs,
	}
	if o.encoding == audio.EncodingLinear16 {
		cfg.SampleRate = 16000
	}
	return cfg
}

func (o *Orchestrator) outputFormat() tts.OutputFormat {
	switch o.encoding {
	case audio.EncodingAlaw:
		return tts.FormatAlaw8k
	case audio.EncodingLinear16:
		return tts.FormatPCM16k
	default:
		return tts.FormatUlaw8k
	}
}

// promptVars returns the substitution map, nil-safe, only when enabled.
func (o *Orchestrator) promptVars() map[string]string {
	if !o.cfg.Agent.DynamicVarsEnabled {
		return nil
	}
	vars := make(map[string]string, len(o.cfg.Agent.DynamicVars)+len(o.cfg.Vars))
	for k, v := range o.cfg.Agent.DynamicVars {
		vars[k] = v
	}
	for k, v := range o.cfg.Vars {
		vars[k] = v
	}
	return vars
}

// transportSink adapts the transport to the media manager's sink.
type transportSink struct {
	t Transport
}

func (s transportSink) SendAudio(ctx context.Context, payload []byte) error {
	return s.t.SendAudio(ctx, payload)
}
