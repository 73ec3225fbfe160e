// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the runtime sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. Script streaming behavior either by pre-loading Chunks (each
// StreamCompletion call replays them) or by setting StreamFunc for full
// control, e.g. scripting a tool-call turn followed by a text turn.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []llm.Chunk{{Text: "Hola. "}, {FinishReason: "stop"}},
//	}
//	ch, _ := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is replayed on each StreamCompletion call when StreamFunc is
	// nil. The channel is closed after the last chunk.
	Chunks []llm.Chunk

	// StreamFunc, when set, fully controls StreamCompletion. Use it to vary
	// behavior between successive calls (e.g., a tool-call round-trip).
	StreamFunc func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error)

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// CompleteResponse is returned by Complete when CompleteErr is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// Caps is returned by Capabilities. The zero value advertises streaming
	// and tool calling, which is what the runtime requires.
	Caps types.ModelCapabilities

	// StreamCalls records every call to StreamCompletion.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and replays Chunks (or defers to
// StreamFunc when set).
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	fn := p.StreamFunc
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	streamErr := p.StreamErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{}, nil
}

// CountTokens approximates four characters per token.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities returns Caps, defaulting to a streaming, tool-capable model.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Caps == (types.ModelCapabilities{}) {
		return types.ModelCapabilities{
			ContextWindow:       128000,
			MaxOutputTokens:     4096,
			SupportsToolCalling: true,
			SupportsStreaming:   true,
		}
	}
	return p.Caps
}

// StreamCallCount returns the number of StreamCompletion calls. Thread-safe.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
