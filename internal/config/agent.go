package config

import (
	"errors"
	"fmt"

	"github.com/trunkline-ai/trunkline/pkg/types"
)

// Carrier identifies which overlay applies to a call.
type Carrier string

const (
	// CarrierBrowser covers browser/simulator WebSocket sessions.
	CarrierBrowser Carrier = "browser"

	// CarrierPhone covers Twilio media streams.
	CarrierPhone Carrier = "phone"

	// CarrierTelnyx covers Telnyx media streams.
	CarrierTelnyx Carrier = "telnyx"
)

// IsValid reports whether c is a recognised carrier.
func (c Carrier) IsValid() bool {
	switch c {
	case CarrierBrowser, CarrierPhone, CarrierTelnyx:
		return true
	}
	return false
}

// Pacing selects a conversation cadence preset. Presets only fill
// voice_pacing_ms and silence_timeout_ms when those fields are zero;
// explicit values always win.
type Pacing string

const (
	PacingFast     Pacing = "fast"
	PacingModerate Pacing = "moderate"
	PacingRelaxed  Pacing = "relaxed"
)

// IsValid reports whether p is a recognised pacing preset.
func (p Pacing) IsValid() bool {
	switch p {
	case PacingFast, PacingModerate, PacingRelaxed:
		return true
	}
	return false
}

// Telephony cadence presets. Browser sessions never pace artificially; their
// STT segmentation window is slightly more permissive instead.
var pacingPresets = map[Pacing]struct{ pacingMs, silenceMs int }{
	PacingFast:     {200, 800},
	PacingModerate: {400, 1000},
	PacingRelaxed:  {600, 1500},
}

const browserSilenceTimeoutMs = 1200

// AgentConfig is the per-agent behavior record: prompts, voice profile,
// pacing, recognition thresholds, and flow-control limits. It is persisted
// in the agent_configs table and never mutated per call; [AgentRecord.Resolve]
// produces the call-local view.
type AgentConfig struct {
	// Name identifies the record ("default" unless multiple agents exist).
	Name string `yaml:"name"`

	// SystemPrompt is the agent persona and instructions, prepended with the
	// runtime meta-prompt at call start.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is the opening line. Empty disables the greeting.
	Greeting string `yaml:"greeting"`

	// IdleMessage is spoken to re-engage a silent caller.
	IdleMessage string `yaml:"idle_message"`

	// Language is the BCP-47 tag for both recognition and synthesis
	// (e.g., "es-MX").
	Language string `yaml:"language"`

	// Voice is the synthesis profile.
	Voice types.VoiceConfig `yaml:"voice"`

	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	ContextWindow int     `yaml:"context_window"`

	// Pacing is the cadence preset; see [Pacing].
	Pacing           Pacing `yaml:"pacing"`
	VoicePacingMs    int    `yaml:"voice_pacing_ms"`
	SilenceTimeoutMs int    `yaml:"silence_timeout_ms"`

	// InitialSilenceTimeoutMs bounds the wait for the caller's first speech.
	InitialSilenceTimeoutMs int `yaml:"initial_silence_timeout_ms"`

	// MinChars is the minimum recognition length for the impact-noise check.
	MinChars int `yaml:"min_chars"`

	// InterruptionThreshold is the minimum recognition length (runes) for a
	// barge-in while the agent is speaking.
	InterruptionThreshold int `yaml:"interruption_threshold"`

	// Blacklist lists known STT hallucination phrases to drop.
	Blacklist []string `yaml:"blacklist"`

	// StopWords force a barge-in regardless of InterruptionThreshold.
	StopWords []string `yaml:"stop_words"`

	IdleTimeoutSec       int `yaml:"idle_timeout_sec"`
	MaxDurationSec       int `yaml:"max_duration_sec"`
	InactivityMaxRetries int `yaml:"inactivity_max_retries"`

	// BackgroundAudio is a WAV file mixed under the agent's voice.
	// Empty disables background audio.
	BackgroundAudio string `yaml:"background_audio"`

	// DynamicVarsEnabled turns on {name}-style placeholder substitution in
	// SystemPrompt and Greeting, resolved from lead data.
	DynamicVarsEnabled bool `yaml:"dynamic_vars_enabled"`

	// DynamicVars are the default substitution values; lead data overrides
	// them per call.
	DynamicVars map[string]string `yaml:"dynamic_vars"`

	// Tools lists the registered tool names offered to the LLM.
	Tools []string `yaml:"tools"`
}

// CarrierOverride is the sparse per-carrier overlay: any non-nil field
// replaces the base field during [AgentRecord.Resolve].
type CarrierOverride struct {
	SystemPrompt            *string            `yaml:"system_prompt"`
	Greeting                *string            `yaml:"greeting"`
	IdleMessage             *string            `yaml:"idle_message"`
	Language                *string            `yaml:"language"`
	Voice                   *types.VoiceConfig `yaml:"voice"`
	Temperature             *float64           `yaml:"temperature"`
	MaxTokens               *int               `yaml:"max_tokens"`
	ContextWindow           *int               `yaml:"context_window"`
	Pacing                  *Pacing            `yaml:"pacing"`
	VoicePacingMs           *int               `yaml:"voice_pacing_ms"`
	SilenceTimeoutMs        *int               `yaml:"silence_timeout_ms"`
	InitialSilenceTimeoutMs *int               `yaml:"initial_silence_timeout_ms"`
	MinChars                *int               `yaml:"min_chars"`
	InterruptionThreshold   *int               `yaml:"interruption_threshold"`
	Blacklist               []string           `yaml:"blacklist"`
	StopWords               []string           `yaml:"stop_words"`
	IdleTimeoutSec          *int               `yaml:"idle_timeout_sec"`
	MaxDurationSec          *int               `yaml:"max_duration_sec"`
	InactivityMaxRetries    *int               `yaml:"inactivity_max_retries"`
	BackgroundAudio         *string            `yaml:"background_audio"`
	DynamicVarsEnabled      *bool              `yaml:"dynamic_vars_enabled"`
	Tools                   []string           `yaml:"tools"`
}

// AgentRecord is the persisted shape: one base config plus three optional
// carrier overlays.
type AgentRecord struct {
	AgentConfig `yaml:",inline"`

	Browser *CarrierOverride `yaml:"browser"`
	Phone   *CarrierOverride `yaml:"phone"`
	Telnyx  *CarrierOverride `yaml:"telnyx"`
}

// Resolve merges the carrier overlay onto the base record and applies
// carrier defaults, returning a call-local copy. The receiver is never
// mutated.
func (r *AgentRecord) Resolve(carrier Carrier) AgentConfig {
	cfg := r.AgentConfig
	cfg.Blacklist = append([]string(nil), r.Blacklist...)
	cfg.StopWords = append([]string(nil), r.StopWords...)
	cfg.Tools = append([]string(nil), r.Tools...)
	if r.DynamicVars != nil {
		vars := make(map[string]string, len(r.DynamicVars))
		for k, v := range r.DynamicVars {
			vars[k] = v
		}
		cfg.DynamicVars = vars
	}

	var ov *CarrierOverride
	switch carrier {
	case CarrierBrowser:
		ov = r.Browser
	case CarrierPhone:
		ov = r.Phone
	case CarrierTelnyx:
		ov = r.Telnyx
	}
	if ov != nil {
		applyOverride(&cfg, ov)
	}

	applyCarrierDefaults(&cfg, carrier)
	return cfg
}

func applyOverride(cfg *AgentConfig, ov *CarrierOverride) {
	if ov.SystemPrompt != nil {
		cfg.SystemPrompt = *ov.SystemPrompt
	}
	if ov.Greeting != nil {
		cfg.Greeting = *ov.Greeting
	}
	if ov.IdleMessage != nil {
		cfg.IdleMessage = *ov.IdleMessage
	}
	if ov.Language != nil {
		cfg.Language = *ov.Language
	}
	if ov.Voice != nil {
		cfg.Voice = *ov.Voice
	}
	if ov.Temperature != nil {
		cfg.Temperature = *ov.Temperature
	}
	if ov.MaxTokens != nil {
		cfg.MaxTokens = *ov.MaxTokens
	}
	if ov.ContextWindow != nil {
		cfg.ContextWindow = *ov.ContextWindow
	}
	if ov.Pacing != nil {
		cfg.Pacing = *ov.Pacing
	}
	if ov.VoicePacingMs != nil {
		cfg.VoicePacingMs = *ov.VoicePacingMs
	}
	if ov.SilenceTimeoutMs != nil {
		cfg.SilenceTimeoutMs = *ov.SilenceTimeoutMs
	}
	if ov.InitialSilenceTimeoutMs != nil {
		cfg.InitialSilenceTimeoutMs = *ov.InitialSilenceTimeoutMs
	}
	if ov.MinChars != nil {
		cfg.MinChars = *ov.MinChars
	}
	if ov.InterruptionThreshold != nil {
		cfg.InterruptionThreshold = *ov.InterruptionThreshold
	}
	if ov.Blacklist != nil {
		cfg.Blacklist = append([]string(nil), ov.Blacklist...)
	}
	if ov.StopWords != nil {
		cfg.StopWords = append([]string(nil), ov.StopWords...)
	}
	if ov.IdleTimeoutSec != nil {
		cfg.IdleTimeoutSec = *ov.IdleTimeoutSec
	}
	if ov.MaxDurationSec != nil {
		cfg.MaxDurationSec = *ov.MaxDurationSec
	}
	if ov.InactivityMaxRetries != nil {
		cfg.InactivityMaxRetries = *ov.InactivityMaxRetries
	}
	if ov.BackgroundAudio != nil {
		cfg.BackgroundAudio = *ov.BackgroundAudio
	}
	if ov.DynamicVarsEnabled != nil {
		cfg.DynamicVarsEnabled = *ov.DynamicVarsEnabled
	}
	if ov.Tools != nil {
		cfg.Tools = append([]string(nil), ov.Tools...)
	}
}

// applyCarrierDefaults fills the cadence and flow-control fields that remain
// zero after the overlay. Phone lines need measured pacing to avoid a
// talking-over feel; browsers play audio as fast as it arrives.
func applyCarrierDefaults(cfg *AgentConfig, carrier Carrier) {
	switch carrier {
	case CarrierBrowser:
		cfg.VoicePacingMs = 0
		if cfg.SilenceTimeoutMs == 0 {
			cfg.SilenceTimeoutMs = browserSilenceTimeoutMs
		}
	default:
		preset, ok := pacingPresets[cfg.Pacing]
		if !ok {
			preset = pacingPresets[PacingModerate]
		}
		if cfg.VoicePacingMs == 0 {
			cfg.VoicePacingMs = preset.pacingMs
		}
		if cfg.SilenceTimeoutMs == 0 {
			cfg.SilenceTimeoutMs = preset.silenceMs
		}
	}

	if cfg.InitialSilenceTimeoutMs == 0 {
		cfg.InitialSilenceTimeoutMs = 30000
	}
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = 10
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 250
	}
	if cfg.MinChars == 0 {
		cfg.MinChars = 2
	}
	if cfg.InterruptionThreshold == 0 {
		cfg.InterruptionThreshold = 5
	}
	if cfg.IdleTimeoutSec == 0 {
		cfg.IdleTimeoutSec = 10
	}
	if cfg.MaxDurationSec == 0 {
		cfg.MaxDurationSec = 600
	}
	if cfg.InactivityMaxRetries == 0 {
		cfg.InactivityMaxRetries = 3
	}
}

// ValidateAgent checks the record's value ranges, returning a joined error
// listing every violation.
func ValidateAgent(cfg *AgentConfig) error {
	var errs []error

	if cfg.Pacing != "" && !cfg.Pacing.IsValid() {
		errs = append(errs, fmt.Errorf("pacing %q is invalid; valid values: fast, moderate, relaxed", cfg.Pacing))
	}
	if v := cfg.Voice.Rate; v != 0 && (v < 0.5 || v > 2.0) {
		errs = append(errs, fmt.Errorf("voice.rate %.2f is out of range [0.5, 2.0]", v))
	}
	if v := cfg.Voice.Pitch; v < -100 || v > 100 {
		errs = append(errs, fmt.Errorf("voice.pitch %.0f is out of range [-100, 100]", v))
	}
	if v := cfg.Voice.Volume; v < 0 || v > 100 {
		errs = append(errs, fmt.Errorf("voice.volume %.0f is out of range [0, 100]", v))
	}
	if v := cfg.Voice.StyleDegree; v != 0 && (v < 0.01 || v > 2.0) {
		errs = append(errs, fmt.Errorf("voice.style_degree %.2f is out of range [0.01, 2.0]", v))
	}
	if cfg.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("context_window %d must not be negative", cfg.ContextWindow))
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %.2f is out of range [0, 2]", cfg.Temperature))
	}
	if cfg.InterruptionThreshold < 0 {
		errs = append(errs, fmt.Errorf("interruption_threshold %d must not be negative", cfg.InterruptionThreshold))
	}
	if cfg.InactivityMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("inactivity_max_retries %d must not be negative", cfg.InactivityMaxRetries))
	}

	return errors.Join(errs...)
}
