package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// Control tags the model may emit inside its text stream. They are stripped
// before synthesis; their side effects fire through the processor callbacks.
const (
	tagEndCall  = "[END_CALL]"
	tagTransfer = "[TRANSFER]"
)

var dtmfTagRe = regexp.MustCompile(`\[DTMF:([0-9*#]+)\]`)

// toolCallCap bounds consecutive tool invocations within one turn. Hitting
// it injects a synthetic error so the model must answer with what it has.
const toolCallCap = 4

// metaPrompt is prepended to every agent prompt. It pins the model to spoken
// register and documents the control tags.
const metaPrompt = `You are a voice assistant on a live phone call. Respond with short, natural spoken sentences. Never use markdown, lists, or emoji. Never mention that you are an AI system unless asked directly.
To hang up after your goodbye, end your reply with [END_CALL]. To transfer the call to a human agent, end with [TRANSFER]. To press phone keys, emit [DTMF:digits].`

// ToolRunner executes registered tools for the LLM stage.
type ToolRunner interface {
	// Definitions lists the tools to offer the model.
	Definitions() []types.ToolDefinition

	// Execute runs one tool call and returns the JSON-encoded result. ok is
	// false when the tool failed or timed out; the result then carries the
	// error payload, which is still fed back to the model.
	Execute(ctx context.Context, tc types.ToolCall) (result string, ok bool)
}

// LLMConfig wires the LLM stage.
type LLMConfig struct {
	Provider llm.Provider

	// Tools may be nil when the agent has no tools.
	Tools ToolRunner

	FSM     *call.FSM
	Control *call.ControlChannel

	// AgentPrompt is the configured system prompt. Vars are substituted into
	// it ({name} style placeholders).
	AgentPrompt string
	Vars        map[string]string

	// ContextWindow is the maximum history messages sent per completion.
	// The system prompt rides on top of this budget.
	ContextWindow int

	Temperature float64
	MaxTokens   int

	// OnHangup fires after a turn whose stream carried [END_CALL]. The
	// orchestrator waits for the audio queue to drain before tearing down.
	OnHangup func()

	// OnTransfer fires for [TRANSFER].
	OnTransfer func()

	// OnDTMF fires for [DTMF:digits].
	OnDTMF func(digits string)

	// OnToolStart and OnToolEnd bracket tool execution so the orchestrator
	// can play hold audio during slow tools. Either may be nil.
	OnToolStart func()
	OnToolEnd   func()

	Logger *slog.Logger
}

// LLMProcessor turns user text into assistant speech: prompt assembly,
// streaming generation, the function-calling loop, sentence-segmented
// forwarding to TTS, and control-tag extraction.
//
// History is owned by this stage; nothing else writes it.
type LLMProcessor struct {
	cfg          LLMConfig
	systemPrompt string
	logger       *slog.Logger

	histMu  sync.Mutex
	history []types.Message

	genMu     sync.Mutex
	genCancel context.CancelFunc
}

var _ Processor = (*LLMProcessor)(nil)

// NewLLMProcessor creates the stage and assembles the system prompt.
func NewLLMProcessor(cfg LLMConfig) *LLMProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 20
	}

	prompt := cfg.AgentPrompt
	for key, value := range cfg.Vars {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}

	return &LLMProcessor{
		cfg:          cfg,
		systemPrompt: metaPrompt + "\n\n" + prompt,
		logger:       logger,
	}
}

// Name implements Processor.
func (p *LLMProcessor) Name() string { return "llm" }

// Process implements Processor. User text triggers a generation turn; other
// frames pass through unchanged.
func (p *LLMProcessor) Process(ctx context.Context, f Frame, emit Emit) error {
	switch fr := f.(type) {
	case TextFrame:
		if fr.Role != "user" {
			return emit(ctx, fr)
		}
		return p.respond(ctx, fr.Text, emit)
	default:
		return emit(ctx, f)
	}
}

// Clear implements Processor: it cancels the in-flight generation. The
// partial turn is preserved in history by the generation loop itself.
func (p *LLMProcessor) Clear() {
	p.genMu.Lock()
	cancel := p.genCancel
	p.genMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AppendAssistant records text as a completed assistant turn without running
// a generation. Used for the scripted greeting and idle re-engagement prompts,
// which the model should see as its own past speech.
func (p *LLMProcessor) AppendAssistant(text string) {
	p.appendHistory(types.Message{Role: "assistant", Content: text})
}

// History returns a copy of the stored conversation.
func (p *LLMProcessor) History() []types.Message {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	return append([]types.Message(nil), p.history...)
}

func (p *LLMProcessor) appendHistory(msg types.Message) {
	p.histMu.Lock()
	p.history = append(p.history, msg)
	p.histMu.Unlock()
}

// userAlreadyRecorded reports whether text is already the latest user turn.
// A partial assistant reply cut off by the barge-in may sit between that turn
// and the end of history.
func (p *LLMProcessor) userAlreadyRecorded(text string) bool {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	i := len(p.history) - 1
	if i >= 0 && p.history[i].Role == "assistant" && strings.HasSuffix(p.history[i].Content, "[INTERRUPTED]") {
		i--
	}
	return i >= 0 && p.history[i].Role == "user" && p.history[i].Content == text
}

// contextSlice returns the history suffix sent to the model. The stored
// history is never truncated; only the request view is.
func (p *LLMProcessor) contextSlice() []types.Message {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if len(p.history) <= p.cfg.ContextWindow {
		return append([]types.Message(nil), p.history...)
	}
	return append([]types.Message(nil), p.history[len(p.history)-p.cfg.ContextWindow:]...)
}

// turnActions accumulates the control-tag side effects of one turn.
type turnActions struct {
	hangup   bool
	transfer bool
	dtmf     string
}

// respond runs one full generation turn, including the tool loop.
func (p *LLMProcessor) respond(ctx context.Context, userText string, emit Emit) error {
	p.cfg.FSM.TransitionIfIn(call.StateProcessing,
		call.StateListening, call.StateIdle, call.StateInterrupted)

	// A barge-in re-injects the interrupting recognition, which may race the
	// generation it cancelled: that generation can have appended the same user
	// turn just before the cancel landed. Append only once.
	if !p.userAlreadyRecorded(userText) {
		p.appendHistory(types.Message{Role: "user", Content: userText})
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.genMu.Lock()
	p.genCancel = cancel
	p.genMu.Unlock()
	defer func() {
		p.genMu.Lock()
		p.genCancel = nil
		p.genMu.Unlock()
	}()

	var actions turnActions
	var spoken strings.Builder // cleaned text of the whole turn

	for depth := 0; ; depth++ {
		if depth > toolCallCap {
			p.logger.Warn("tool call cap reached", "cap", toolCallCap)
			p.appendHistory(types.Message{
				Role:    "tool",
				Content: `{"error":"too many consecutive tool calls"}`,
			})
			break
		}

		req := llm.CompletionRequest{
			SystemPrompt: p.systemPrompt,
			Messages:     p.contextSlice(),
			Temperature:  p.cfg.Temperature,
			MaxTokens:    p.cfg.MaxTokens,
		}
		if p.cfg.Tools != nil {
			req.Tools = p.cfg.Tools.Definitions()
		}

		chunks, err := p.cfg.Provider.StreamCompletion(genCtx, req)
		if err != nil {
			return fmt.Errorf("llm: start completion: %w", err)
		}

		full, toolCalls, streamErr := p.consumeStream(genCtx, chunks, emit, &actions, &spoken)

		if genCtx.Err() != nil {
			// Barge-in landed mid-stream. Preserve what was said so the next
			// turn keeps its context; dedupe by appending exactly once here.
			p.recordInterrupted(ctx, full, emit)
			return nil
		}
		if streamErr != nil {
			return fmt.Errorf("llm: stream: %w", streamErr)
		}

		if len(toolCalls) > 0 {
			if err := p.runTools(genCtx, toolCalls); err != nil {
				return err
			}
			continue // re-invoke with tool results in history
		}

		if full != "" {
			p.appendHistory(types.Message{Role: "assistant", Content: stripTags(full, nil)})
		}
		break
	}

	if spoken.Len() > 0 {
		if err := emit(ctx, TranscriptEvent{
			Role: "assistant",
			Text: strings.TrimSpace(spoken.String()),
			TS:   time.Now(),
		}); err != nil {
			p.logger.Error("llm: emit transcript", "error", err)
		}
	}

	p.fireActions(actions)
	return nil
}

// consumeStream drains one completion stream, flushing sentence-bounded text
// downstream. Returns the raw accumulated text and any collected tool calls.
func (p *LLMProcessor) consumeStream(ctx context.Context, chunks <-chan llm.Chunk, emit Emit, actions *turnActions, spoken *strings.Builder) (string, []types.ToolCall, error) {
	var full strings.Builder
	var buffer strings.Builder
	var toolCalls []types.ToolCall
	var streamErr error

	flush := func() {
		text := buffer.String()
		buffer.Reset()
		clean := strings.TrimSpace(stripTags(text, actions))
		if clean == "" {
			return
		}
		spoken.WriteString(clean)
		spoken.WriteString(" ")
		if err := emit(ctx, TextFrame{Text: clean, Role: "assistant"}); err != nil {
			p.logger.Error("llm: emit sentence", "error", err)
		}
	}

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("provider error: %s", chunk.Text)
			break
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
		if chunk.Text != "" {
			buffer.WriteString(chunk.Text)
			full.WriteString(chunk.Text)
			if strings.ContainsAny(chunk.Text, ".?!\n") && !endsWithTagPrefix(buffer.String()) {
				flush()
			}
		}
	}

	if ctx.Err() == nil && streamErr == nil {
		flush()
	}
	return full.String(), toolCalls, streamErr
}

// recordInterrupted appends the partial assistant turn after a cancellation.
func (p *LLMProcessor) recordInterrupted(ctx context.Context, partial string, emit Emit) {
	clean := strings.TrimSpace(stripTags(partial, nil))
	if clean == "" {
		return
	}
	p.appendHistory(types.Message{Role: "assistant", Content: clean + " [INTERRUPTED]"})
	if err := emit(ctx, TranscriptEvent{
		Role: "assistant",
		Text: clean + " [INTERRUPTED]",
		TS:   time.Now(),
	}); err != nil && ctx.Err() == nil {
		p.logger.Error("llm: emit interrupted transcript", "error", err)
	}
}

// runTools executes each requested tool and appends the marker and result
// messages the re-invocation needs.
func (p *LLMProcessor) runTools(ctx context.Context, toolCalls []types.ToolCall) error {
	if p.cfg.Tools == nil {
		p.appendHistory(types.Message{
			Role:    "tool",
			Content: `{"error":"no tools are registered"}`,
		})
		return nil
	}

	p.cfg.FSM.TransitionIfIn(call.StateToolExecuting, call.StateProcessing)
	if p.cfg.OnToolStart != nil {
		p.cfg.OnToolStart()
	}
	defer func() {
		if p.cfg.OnToolEnd != nil {
			p.cfg.OnToolEnd()
		}
		p.cfg.FSM.TransitionIfIn(call.StateProcessing, call.StateToolExecuting)
	}()

	for _, tc := range toolCalls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.appendHistory(types.Message{
			Role:      "assistant",
			Content:   fmt.Sprintf("[TOOL_CALL: %s]", tc.Name),
			ToolCalls: []types.ToolCall{tc},
		})

		started := time.Now()
		result, ok := p.cfg.Tools.Execute(ctx, tc)
		p.logger.Info("tool executed",
			"tool", tc.Name,
			"ok", ok,
			"elapsed_ms", time.Since(started).Milliseconds())

		p.appendHistory(types.Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: tc.ID,
		})
	}
	return nil
}

// fireActions triggers the side effects collected from control tags.
func (p *LLMProcessor) fireActions(a turnActions) {
	if a.dtmf != "" && p.cfg.OnDTMF != nil {
		p.cfg.OnDTMF(a.dtmf)
	}
	if a.transfer && p.cfg.OnTransfer != nil {
		p.cfg.OnTransfer()
	}
	if a.hangup && p.cfg.OnHangup != nil {
		p.cfg.OnHangup()
	}
}

// stripTags removes control tags from text, recording their side effects in
// actions when non-nil.
func stripTags(text string, actions *turnActions) string {
	if strings.Contains(text, tagEndCall) {
		text = strings.ReplaceAll(text, tagEndCall, "")
		if actions != nil {
			actions.hangup = true
		}
	}
	if strings.Contains(text, tagTransfer) {
		text = strings.ReplaceAll(text, tagTransfer, "")
		if actions != nil {
			actions.transfer = true
		}
	}
	if m := dtmfTagRe.FindStringSubmatch(text); m != nil {
		text = dtmfTagRe.ReplaceAllString(text, "")
		if actions != nil {
			actions.dtmf = m[1]
		}
	}
	return strings.TrimSpace(text)
}

// endsWithTagPrefix reports whether the buffer ends with an incomplete
// control tag, in which case flushing must wait for more text.
func endsWithTagPrefix(buf string) bool {
	idx := strings.LastIndexByte(buf, '[')
	if idx == -1 {
		return false
	}
	seg := buf[idx:]
	if strings.ContainsRune(seg, ']') {
		return false
	}
	if strings.HasPrefix(tagEndCall, seg) || strings.HasPrefix(tagTransfer, seg) {
		return true
	}
	// DTMF digits vary, so match the fixed head and the digit tail separately.
	const dtmfHead = "[DTMF:"
	if strings.HasPrefix(dtmfHead, seg) {
		return true
	}
	if strings.HasPrefix(seg, dtmfHead) {
		return true
	}
	return false
}
