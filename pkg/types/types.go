// Package types defines the shared types used across all Trunkline packages.
//
// These types form the lingua franca between providers, the pipeline, the
// persistence layer, and the orchestrator. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// RMS is the root-mean-square level of the audio that produced this result,
	// measured by the caller over the current turn. Used by the recognition gate
	// to reject impact noise and sub-ambient hallucinations.
	RMS float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Required lists the parameter names that must be present in every call.
	Required []string

	// TimeoutMs is the hard per-invocation timeout. Zero means the registry
	// default (10 s).
	TimeoutMs int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VoiceConfig is an immutable description of how synthesized speech should
// sound. Construct values with [NewVoiceConfig] so the range invariants hold;
// the zero value is not a valid voice.
type VoiceConfig struct {
	// Name is the provider voice identifier (e.g., "es-MX-DaliaNeural").
	Name string

	// Rate is the speaking-rate multiplier in [0.5, 2.0]; 1.0 is the voice default.
	Rate float64

	// Pitch is the pitch offset in Hz, in [-100, +100].
	Pitch float64

	// Volume is the output volume in [0, 100].
	Volume float64

	// Style is an optional expressive style (e.g., "chat", "empathetic").
	// Empty disables style wrapping.
	Style string

	// StyleDegree scales the style intensity in [0.01, 2.0]. Ignored when
	// Style is empty.
	StyleDegree float64
}

// NewVoiceConfig validates and builds a VoiceConfig. All range violations are
// reported together.
func NewVoiceConfig(name string, rate, pitch, volume float64, style string, styleDegree float64) (VoiceConfig, error) {
	var errs []error
	if name == "" {
		errs = append(errs, errors.New("voice name must not be empty"))
	}
	if rate < 0.5 || rate > 2.0 {
		errs = append(errs, fmt.Errorf("rate %.2f outside [0.5, 2.0]", rate))
	}
	if pitch < -100 || pitch > 100 {
		errs = append(errs, fmt.Errorf("pitch %.1fHz outside [-100, +100]", pitch))
	}
	if volume < 0 || volume > 100 {
		errs = append(errs, fmt.Errorf("volume %.1f outside [0, 100]", volume))
	}
	if style != "" && (styleDegree < 0.01 || styleDegree > 2.0) {
		errs = append(errs, fmt.Errorf("style degree %.2f outside [0.01, 2.0]", styleDegree))
	}
	if len(errs) > 0 {
		return VoiceConfig{}, fmt.Errorf("types: invalid voice config: %w", errors.Join(errs...))
	}
	return VoiceConfig{
		Name:        name,
		Rate:        rate,
		Pitch:       pitch,
		Volume:      volume,
		Style:       style,
		StyleDegree: styleDegree,
	}, nil
}
