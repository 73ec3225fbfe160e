package resilience

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple TTS backends, each behind its own breaker.
type TTSFallback struct {
	chain *Chain[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg ChainConfig) *TTSFallback {
	return &TTSFallback{
		chain: NewChain(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.chain.Append(name, provider)
}

// Synthesize renders the request with the first healthy provider. A sentence
// that fails over mid-call changes voices for one utterance, which beats dead
// air.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	return Call(f.chain, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceConfig, error) {
	return Call(f.chain, func(p tts.Provider) ([]types.VoiceConfig, error) {
		return p.ListVoices(ctx)
	})
}
