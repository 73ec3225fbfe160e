package resilience

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple STT backends, each behind its own breaker.
type STTFallback struct {
	chain *Chain[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg ChainConfig) *STTFallback {
	return &STTFallback{
		chain: NewChain(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.chain.Append(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy provider. Only session setup is covered by failover; a session
// that dies mid-call surfaces through its channels and ends the call.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(f.chain, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
