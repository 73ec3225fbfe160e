// Package mock provides a test double for the tts.Provider interface.
//
// By default Synthesize returns one silence byte per character of SSML input,
// which gives tests deterministic, length-proportional audio without a live
// synthesis backend. Set SynthesizeFunc for full control.
package mock

import (
	"context"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeFunc, when set, fully controls Synthesize.
	SynthesizeFunc func(ctx context.Context, req tts.Request) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// Audio, if non-nil, is returned by every Synthesize call instead of the
	// length-proportional default.
	Audio []byte

	// Voices is returned by ListVoices.
	Voices []types.VoiceConfig

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns scripted audio.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	fn := p.SynthesizeFunc
	audio := p.Audio
	synthErr := p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if synthErr != nil {
		return nil, synthErr
	}
	if audio != nil {
		out := make([]byte, len(audio))
		copy(out, audio)
		return out, nil
	}

	out := make([]byte, len(req.SSML))
	for i := range out {
		out[i] = 0xFF
	}
	return out, nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
