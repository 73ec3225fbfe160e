package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/mock"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// frameCollector is an Emit that records every frame.
type frameCollector struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *frameCollector) emit(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameCollector) all() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func (c *frameCollector) textFrames() []TextFrame {
	var out []TextFrame
	for _, f := range c.all() {
		if tf, ok := f.(TextFrame); ok {
			out = append(out, tf)
		}
	}
	return out
}

// fakeTools is a scripted ToolRunner.
type fakeTools struct {
	mu     sync.Mutex
	defs   []types.ToolDefinition
	result string
	ok     bool
	calls  []types.ToolCall
}

func (t *fakeTools) Definitions() []types.ToolDefinition { return t.defs }

func (t *fakeTools) Execute(_ context.Context, tc types.ToolCall) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, tc)
	return t.result, t.ok
}

func newLLMProc(t *testing.T, provider llm.Provider, cfg LLMConfig) *LLMProcessor {
	t.Helper()
	cfg.Provider = provider
	if cfg.FSM == nil {
		cfg.FSM = call.NewFSM(nil)
	}
	if cfg.Control == nil {
		cfg.Control = call.NewControlChannel()
	}
	return NewLLMProcessor(cfg)
}

// ── sentence flushing and tag stripping ───────────────────────────────────────

func TestLLM_EndCallTagStripped(t *testing.T) {
	provider := &mock.Provider{Chunks: []llm.Chunk{
		{Text: "Gracias por tu tiempo."},
		{Text: " [END_CALL]"},
		{FinishReason: "stop"},
	}}
	hangup := false
	proc := newLLMProc(t, provider, LLMConfig{OnHangup: func() { hangup = true }})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "adios", Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	texts := col.textFrames()
	if len(texts) != 1 {
		t.Fatalf("got %d text frames, want 1: %+v", len(texts), texts)
	}
	if texts[0].Text != "Gracias por tu tiempo." {
		t.Errorf("sentence = %q", texts[0].Text)
	}
	if strings.Contains(texts[0].Text, "[END_CALL]") {
		t.Error("control tag leaked into synthesis")
	}
	if !hangup {
		t.Error("hangup callback not fired")
	}

	hist := proc.History()
	last := hist[len(hist)-1]
	if last.Role != "assistant" || last.Content != "Gracias por tu tiempo." {
		t.Errorf("stored assistant turn = %+v", last)
	}
}

func TestLLM_TagHeldAcrossChunkBoundary(t *testing.T) {
	// The delimiter arrives while the buffer ends in a half-open tag; the
	// flush must wait so the tag never reaches the voice.
	provider := &mock.Provider{Chunks: []llm.Chunk{
		{Text: "Hasta luego. [EN"},
		{Text: "D_CALL]"},
		{FinishReason: "stop"},
	}}
	hangup := false
	proc := newLLMProc(t, provider, LLMConfig{OnHangup: func() { hangup = true }})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "adios", Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	texts := col.textFrames()
	if len(texts) != 1 {
		t.Fatalf("got %d text frames, want 1", len(texts))
	}
	if texts[0].Text != "Hasta luego." {
		t.Errorf("sentence = %q, want tag stripped", texts[0].Text)
	}
	if !hangup {
		t.Error("hangup callback not fired for split tag")
	}
}

func TestLLM_DTMFTag(t *testing.T) {
	provider := &mock.Provider{Chunks: []llm.Chunk{
		{Text: "Marco la extensión ahora.\n[DTMF:123#]"},
		{FinishReason: "stop"},
	}}
	var digits string
	proc := newLLMProc(t, provider, LLMConfig{OnDTMF: func(d string) { digits = d }})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "extensión 123", Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if digits != "123#" {
		t.Errorf("dtmf digits = %q, want 123#", digits)
	}
	for _, tf := range col.textFrames() {
		if strings.Contains(tf.Text, "DTMF") {
			t.Errorf("DTMF tag leaked: %q", tf.Text)
		}
	}
}

func TestLLM_MultipleSentencesFlushSeparately(t *testing.T) {
	provider := &mock.Provider{Chunks: []llm.Chunk{
		{Text: "Claro que sí."},
		{Text: " Te explico en un momento."},
		{FinishReason: "stop"},
	}}
	proc := newLLMProc(t, provider, LLMConfig{})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "hola", Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}
	texts := col.textFrames()
	if len(texts) != 2 {
		t.Fatalf("got %d text frames, want 2: %+v", len(texts), texts)
	}
	if texts[0].Text != "Claro que sí." {
		t.Errorf("first sentence = %q", texts[0].Text)
	}
	if texts[1].Text != "Te explico en un momento." {
		t.Errorf("second sentence = %q", texts[1].Text)
	}
}

// ── tool calling ──────────────────────────────────────────────────────────────

func TestLLM_ToolCallRoundTrip(t *testing.T) {
	toolCall := types.ToolCall{ID: "call_1", Name: "query_database", Arguments: `{"query":"John"}`}

	var streamMu sync.Mutex
	invocation := 0
	provider := &mock.Provider{}
	provider.StreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
		streamMu.Lock()
		invocation++
		n := invocation
		streamMu.Unlock()

		ch := make(chan llm.Chunk, 4)
		if n == 1 {
			ch <- llm.Chunk{ToolCalls: []types.ToolCall{toolCall}, FinishReason: "tool_calls"}
		} else {
			ch <- llm.Chunk{Text: "Encontré a John Smith en el sistema."}
			ch <- llm.Chunk{FinishReason: "stop"}
		}
		close(ch)
		return ch, nil
	}

	tools := &fakeTools{
		defs:   []types.ToolDefinition{{Name: "query_database", Description: "Look up a lead."}},
		result: `[{"name":"John Smith"}]`,
		ok:     true,
	}
	fsm := call.NewFSM(nil)
	fsm.Transition(call.StateListening)
	proc := newLLMProc(t, provider, LLMConfig{Tools: tools, FSM: fsm})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "busca a John", Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if invocation != 2 {
		t.Errorf("LLM invoked %d times, want 2", invocation)
	}
	if len(tools.calls) != 1 || tools.calls[0].Name != "query_database" {
		t.Fatalf("tool calls = %+v", tools.calls)
	}

	hist := proc.History()
	var marker, toolMsg, final bool
	for _, m := range hist {
		switch {
		case m.Role == "assistant" && m.Content == "[TOOL_CALL: query_database]":
			marker = true
		case m.Role == "tool" && m.ToolCallID == "call_1":
			toolMsg = true
			var payload []map[string]string
			if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
				t.Errorf("tool result is not JSON: %v", err)
			}
		case m.Role == "assistant" && strings.Contains(m.Content, "John Smith"):
			final = true
		}
	}
	if !marker {
		t.Error("missing [TOOL_CALL: query_database] marker in history")
	}
	if !toolMsg {
		t.Error("missing tool result message in history")
	}
	if !final {
		t.Error("missing final assistant answer in history")
	}

	texts := col.textFrames()
	if len(texts) == 0 || !strings.Contains(texts[0].Text, "John Smith") {
		t.Errorf("TTS frames = %+v, want the tool-informed answer", texts)
	}
}

func TestLLM_ToolCapInjectsSyntheticError(t *testing.T) {
	provider := &mock.Provider{}
	provider.StreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 1)
		ch <- llm.Chunk{
			ToolCalls:    []types.ToolCall{{ID: "c", Name: "loop_forever", Arguments: "{}"}},
			FinishReason: "tool_calls",
		}
		close(ch)
		return ch, nil
	}
	tools := &fakeTools{result: "{}", ok: true}
	proc := newLLMProc(t, provider, LLMConfig{Tools: tools})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "hola", Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := provider.StreamCallCount(); got != toolCallCap+1 {
		t.Errorf("stream invocations = %d, want %d", got, toolCallCap+1)
	}
	hist := proc.History()
	last := hist[len(hist)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "too many consecutive tool calls") {
		t.Errorf("expected synthetic error as last history entry, got %+v", last)
	}
}

// ── cancellation ──────────────────────────────────────────────────────────────

func TestLLM_InterruptPreservesPartialHistory(t *testing.T) {
	started := make(chan struct{})
	provider := &mock.Provider{}
	provider.StreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 1)
		go func() {
			defer close(ch)
			ch <- llm.Chunk{Text: "Déjame explicarte los detalles"}
			close(started)
			<-ctx.Done()
		}()
		return ch, nil
	}
	proc := newLLMProc(t, provider, LLMConfig{})
	col := &frameCollector{}

	done := make(chan error, 1)
	go func() {
		done <- proc.Process(context.Background(), TextFrame{Text: "cuéntame", Role: "user"}, col.emit)
	}()

	<-started
	time.Sleep(20 * time.Millisecond) // let the chunk land in the buffer
	proc.Clear()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after Clear")
	}

	hist := proc.History()
	var interrupted int
	for _, m := range hist {
		if m.Role == "assistant" && strings.HasSuffix(m.Content, "[INTERRUPTED]") {
			interrupted++
			if !strings.Contains(m.Content, "Déjame explicarte") {
				t.Errorf("partial text lost: %q", m.Content)
			}
		}
	}
	if interrupted != 1 {
		t.Errorf("interrupted turns in history = %d, want exactly 1", interrupted)
	}
}

func TestLLM_ReinjectedInterruptionAppendsUserTurnOnce(t *testing.T) {
	// A barge-in can land after the interrupting recognition already reached
	// this stage: the cancelled generation appends the user turn, then the
	// barge-in path re-injects the same text. History must carry it once.
	var streamMu sync.Mutex
	invocation := 0
	started := make(chan struct{})
	provider := &mock.Provider{}
	provider.StreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
		streamMu.Lock()
		invocation++
		n := invocation
		streamMu.Unlock()

		ch := make(chan llm.Chunk, 2)
		if n == 1 {
			go func() {
				defer close(ch)
				ch <- llm.Chunk{Text: "Con gusto te explico"}
				close(started)
				<-ctx.Done()
			}()
		} else {
			ch <- llm.Chunk{Text: "Claro, dime tu duda."}
			ch <- llm.Chunk{FinishReason: "stop"}
			close(ch)
		}
		return ch, nil
	}
	proc := newLLMProc(t, provider, LLMConfig{})
	col := &frameCollector{}

	const userText = "espera, una duda"
	done := make(chan error, 1)
	go func() {
		done <- proc.Process(context.Background(), TextFrame{Text: userText, Role: "user"}, col.emit)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	proc.Clear()
	if err := <-done; err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The re-injection answers the interruption without a second append.
	if err := proc.Process(context.Background(), TextFrame{Text: userText, Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process re-injection: %v", err)
	}

	userTurns := 0
	for _, m := range proc.History() {
		if m.Role == "user" && m.Content == userText {
			userTurns++
		}
	}
	if userTurns != 1 {
		t.Errorf("user turns in history = %d, want exactly 1: %+v", userTurns, proc.History())
	}
	if invocation != 2 {
		t.Errorf("stream invocations = %d, want 2 (cancelled + re-run)", invocation)
	}

	// A genuine repeat after a completed assistant reply still appends.
	if err := proc.Process(context.Background(), TextFrame{Text: userText, Role: "user"}, col.emit); err != nil {
		t.Fatalf("Process repeat: %v", err)
	}
	userTurns = 0
	for _, m := range proc.History() {
		if m.Role == "user" && m.Content == userText {
			userTurns++
		}
	}
	if userTurns != 2 {
		t.Errorf("user turns after a real repeat = %d, want 2", userTurns)
	}
}

// ── prompt assembly and context window ────────────────────────────────────────

func TestLLM_PromptAssemblyWithVars(t *testing.T) {
	provider := &mock.Provider{Chunks: []llm.Chunk{{FinishReason: "stop"}}}
	proc := newLLMProc(t, provider, LLMConfig{
		AgentPrompt: "Saluda a {name} y ofrece el plan {plan}.",
		Vars:        map[string]string{"name": "Carlos", "plan": "premium"},
	})

	if err := proc.Process(context.Background(), TextFrame{Text: "hola", Role: "user"}, (&frameCollector{}).emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	req := provider.StreamCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "Saluda a Carlos y ofrece el plan premium.") {
		t.Errorf("vars not substituted: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "[END_CALL]") {
		t.Error("meta prompt missing from system prompt")
	}
}

func TestLLM_ContextWindowIsASuffix(t *testing.T) {
	provider := &mock.Provider{Chunks: []llm.Chunk{{FinishReason: "stop"}}}
	proc := newLLMProc(t, provider, LLMConfig{ContextWindow: 3})

	for i := 0; i < 10; i++ {
		proc.appendHistory(types.Message{Role: "user", Content: strings.Repeat("x", i+1)})
	}

	if err := proc.Process(context.Background(), TextFrame{Text: "última", Role: "user"}, (&frameCollector{}).emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	req := provider.StreamCalls[0].Req
	if len(req.Messages) != 3 {
		t.Fatalf("context slice length = %d, want 3", len(req.Messages))
	}
	if req.Messages[2].Content != "última" {
		t.Errorf("slice is not a suffix: %+v", req.Messages)
	}

	// The stored history is never truncated.
	if got := len(proc.History()); got != 11 {
		t.Errorf("stored history length = %d, want 11", got)
	}
}

// ── tag helpers ───────────────────────────────────────────────────────────────

func TestStripTags(t *testing.T) {
	var a turnActions
	got := stripTags("Listo. [END_CALL] [TRANSFER] [DTMF:42]", &a)
	if got != "Listo." {
		t.Errorf("clean text = %q", got)
	}
	if !a.hangup || !a.transfer || a.dtmf != "42" {
		t.Errorf("actions = %+v", a)
	}
}

func TestEndsWithTagPrefix(t *testing.T) {
	tests := []struct {
		buf  string
		want bool
	}{
		{"Hasta luego. [", true},
		{"Hasta luego. [END", true},
		{"Hasta luego. [TRAN", true},
		{"Hasta luego. [DT", true},
		{"Hasta luego. [DTMF:12", true},
		{"Hasta luego. [END_CALL]", false}, // complete tag, safe to flush
		{"Hasta luego.", false},
		{"Precio [10-20] euros.", false}, // bracketed text that is no tag
		{"", false},
	}
	for _, tt := range tests {
		if got := endsWithTagPrefix(tt.buf); got != tt.want {
			t.Errorf("endsWithTagPrefix(%q) = %v, want %v", tt.buf, got, tt.want)
		}
	}
}
