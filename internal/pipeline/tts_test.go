package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/trunkline-ai/trunkline/internal/call"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/mock"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

func fsmInState(t *testing.T, states ...call.State) *call.FSM {
	t.Helper()
	fsm := call.NewFSM(nil)
	for _, s := range states {
		if err := fsm.Transition(s); err != nil {
			t.Fatalf("setup transition to %s: %v", s, err)
		}
	}
	return fsm
}

func TestTTS_SynthesizesAssistantSentence(t *testing.T) {
	provider := &mock.Provider{Audio: []byte{0xFF, 0xFE, 0xFD}}
	fsm := fsmInState(t, call.StateListening, call.StateProcessing)
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      fsm,
		Voice:    types.VoiceConfig{Name: "es-MX-DaliaNeural", Rate: 1.0, Volume: 100},
		Language: "es-MX",
		Format:   tts.FormatUlaw8k,
	})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "Hola, ¿cómo estás?", Role: "assistant"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("synthesize calls = %d, want 1", len(calls))
	}
	ssml := calls[0].Req.SSML
	if !strings.Contains(ssml, "es-MX-DaliaNeural") || !strings.Contains(ssml, "Hola, ¿cómo estás?") {
		t.Errorf("ssml = %q", ssml)
	}
	if calls[0].Req.Format != tts.FormatUlaw8k {
		t.Errorf("format = %q", calls[0].Req.Format)
	}

	if got := fsm.State(); got != call.StateSpeaking {
		t.Errorf("state = %s, want SPEAKING", got)
	}

	frames := col.all()
	if len(frames) != 1 {
		t.Fatalf("emitted frames = %d, want 1", len(frames))
	}
	af, ok := frames[0].(AudioFrame)
	if !ok {
		t.Fatalf("frame = %T, want AudioFrame", frames[0])
	}
	if af.Encoding != audio.EncodingUlaw || af.SampleRate != 8000 || af.Channels != 1 {
		t.Errorf("frame format = %+v", af)
	}
	if len(af.Data) != 3 {
		t.Errorf("audio bytes = %d, want 3", len(af.Data))
	}
}

func TestTTS_DropsAudioAfterBargeIn(t *testing.T) {
	// The FSM moved back to LISTENING while synthesis was in flight; the
	// finished audio must not reach the queue.
	provider := &mock.Provider{Audio: []byte{0xFF}}
	fsm := fsmInState(t, call.StateListening)
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      fsm,
		Voice:    types.VoiceConfig{Name: "es-MX-DaliaNeural"},
		Format:   tts.FormatUlaw8k,
	})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "Te decía que", Role: "assistant"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if provider.SynthesizeCallCount() != 1 {
		t.Error("synthesis should still have been attempted")
	}
	if got := len(col.all()); got != 0 {
		t.Errorf("emitted frames = %d, want 0", got)
	}
	if got := fsm.State(); got != call.StateListening {
		t.Errorf("state = %s, want LISTENING untouched", got)
	}
}

func TestTTS_ContinuesWhileAlreadySpeaking(t *testing.T) {
	// Second and later sentences of a turn arrive with the FSM already in
	// SPEAKING; they keep flowing.
	provider := &mock.Provider{Audio: []byte{0xFF}}
	fsm := fsmInState(t, call.StateListening, call.StateProcessing, call.StateSpeaking)
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      fsm,
		Voice:    types.VoiceConfig{Name: "es-MX-DaliaNeural"},
		Format:   tts.FormatUlaw8k,
	})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "Y además de eso.", Role: "assistant"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(col.all()); got != 1 {
		t.Errorf("emitted frames = %d, want 1", got)
	}
}

func TestTTS_PassesThroughNonAssistantFrames(t *testing.T) {
	provider := &mock.Provider{}
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      call.NewFSM(nil),
		Format:   tts.FormatUlaw8k,
	})
	col := &frameCollector{}

	frames := []Frame{
		TextFrame{Text: "hola", Role: "user"},
		TranscriptEvent{Role: "user", Text: "hola"},
		AudioFrame{Data: []byte{1}},
	}
	for _, f := range frames {
		if err := proc.Process(context.Background(), f, col.emit); err != nil {
			t.Fatalf("Process(%T): %v", f, err)
		}
	}
	if provider.SynthesizeCallCount() != 0 {
		t.Error("non-assistant frames triggered synthesis")
	}
	if got := len(col.all()); got != len(frames) {
		t.Errorf("passed through %d frames, want %d", got, len(frames))
	}
}

func TestTTS_EmptyTextIgnored(t *testing.T) {
	provider := &mock.Provider{}
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      call.NewFSM(nil),
		Format:   tts.FormatUlaw8k,
	})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "", Role: "assistant"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if provider.SynthesizeCallCount() != 0 || len(col.all()) != 0 {
		t.Error("empty sentence reached the provider")
	}
}

func TestTTS_SynthesisErrorPropagates(t *testing.T) {
	wantErr := errors.New("service unavailable")
	provider := &mock.Provider{SynthesizeErr: wantErr}
	fsm := fsmInState(t, call.StateListening, call.StateProcessing)
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      fsm,
		Format:   tts.FormatUlaw8k,
	})

	err := proc.Process(context.Background(), TextFrame{Text: "Hola.", Role: "assistant"}, (&frameCollector{}).emit)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
}

func TestTTS_BrowserFormatIsWideband(t *testing.T) {
	provider := &mock.Provider{Audio: []byte{0, 0, 0, 0}}
	fsm := fsmInState(t, call.StateListening, call.StateProcessing)
	proc := NewTTSProcessor(TTSConfig{
		Provider: provider,
		FSM:      fsm,
		Format:   tts.FormatPCM16k,
	})
	col := &frameCollector{}

	if err := proc.Process(context.Background(), TextFrame{Text: "Hola.", Role: "assistant"}, col.emit); err != nil {
		t.Fatalf("Process: %v", err)
	}
	af := col.all()[0].(AudioFrame)
	if af.Encoding != audio.EncodingLinear16 || af.SampleRate != 16000 {
		t.Errorf("frame format = %+v, want 16 kHz linear PCM", af)
	}
}
