package config_test

import (
	"strings"
	"testing"

	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func baseRecord() config.AgentRecord {
	return config.AgentRecord{
		AgentConfig: config.AgentConfig{
			Name:                  "default",
			SystemPrompt:          "Eres Andrea, consultora de Ubrokers.",
			Greeting:              "Hola, soy Andrea. ¿Me escucha bien?",
			Language:              "es-MX",
			Voice:                 types.VoiceConfig{Name: "es-MX-DaliaNeural", Rate: 1.0, Volume: 100},
			Pacing:                config.PacingModerate,
			InterruptionThreshold: 5,
			Blacklist:             []string{"gracias por ver el video"},
			StopWords:             []string{"espera", "stop"},
		},
		Phone: &config.CarrierOverride{
			InterruptionThreshold: intPtr(2),
			SystemPrompt:          strPtr("Eres Andrea, al teléfono."),
		},
	}
}

// ── overlay resolution ────────────────────────────────────────────────────────

func TestResolveAppliesCarrierOverride(t *testing.T) {
	rec := baseRecord()

	phone := rec.Resolve(config.CarrierPhone)
	if phone.InterruptionThreshold != 2 {
		t.Errorf("phone interruption_threshold = %d, want 2", phone.InterruptionThreshold)
	}
	if phone.SystemPrompt != "Eres Andrea, al teléfono." {
		t.Errorf("phone system_prompt = %q", phone.SystemPrompt)
	}
	// Non-overridden fields carry through.
	if phone.Greeting != rec.Greeting || phone.Language != "es-MX" {
		t.Errorf("base fields lost: %+v", phone)
	}
}

func TestResolveNeverMutatesTheRecord(t *testing.T) {
	rec := baseRecord()

	resolved := rec.Resolve(config.CarrierPhone)
	resolved.Blacklist[0] = "mutated"
	resolved.StopWords = append(resolved.StopWords, "extra")

	if rec.InterruptionThreshold != 5 {
		t.Errorf("base threshold mutated: %d", rec.InterruptionThreshold)
	}
	if rec.SystemPrompt != "Eres Andrea, consultora de Ubrokers." {
		t.Errorf("base prompt mutated: %q", rec.SystemPrompt)
	}
	if rec.Blacklist[0] != "gracias por ver el video" {
		t.Errorf("base blacklist mutated: %v", rec.Blacklist)
	}
	if len(rec.StopWords) != 2 {
		t.Errorf("base stop words mutated: %v", rec.StopWords)
	}
}

func TestResolveMissingOverlayUsesBase(t *testing.T) {
	rec := baseRecord()
	rec.Telnyx = nil

	telnyx := rec.Resolve(config.CarrierTelnyx)
	if telnyx.InterruptionThreshold != 5 {
		t.Errorf("threshold = %d, want base 5", telnyx.InterruptionThreshold)
	}
}

// ── pacing presets and carrier defaults ───────────────────────────────────────

func TestResolvePacingPresets(t *testing.T) {
	tests := []struct {
		pacing        config.Pacing
		wantPacingMs  int
		wantSilenceMs int
	}{
		{config.PacingFast, 200, 800},
		{config.PacingModerate, 400, 1000},
		{config.PacingRelaxed, 600, 1500},
		{"", 400, 1000}, // unset falls back to moderate
	}
	for _, tt := range tests {
		rec := baseRecord()
		rec.Pacing = tt.pacing
		got := rec.Resolve(config.CarrierTelnyx)
		if got.VoicePacingMs != tt.wantPacingMs || got.SilenceTimeoutMs != tt.wantSilenceMs {
			t.Errorf("pacing %q: got %d/%d ms, want %d/%d ms",
				tt.pacing, got.VoicePacingMs, got.SilenceTimeoutMs, tt.wantPacingMs, tt.wantSilenceMs)
		}
	}
}

func TestResolveExplicitValuesWinOverPreset(t *testing.T) {
	rec := baseRecord()
	rec.Pacing = config.PacingRelaxed
	rec.VoicePacingMs = 250
	rec.SilenceTimeoutMs = 900

	got := rec.Resolve(config.CarrierPhone)
	if got.VoicePacingMs != 250 || got.SilenceTimeoutMs != 900 {
		t.Errorf("explicit values overridden by preset: %d/%d", got.VoicePacingMs, got.SilenceTimeoutMs)
	}
}

func TestResolveBrowserNeverPaces(t *testing.T) {
	rec := baseRecord()
	rec.VoicePacingMs = 400

	got := rec.Resolve(config.CarrierBrowser)
	if got.VoicePacingMs != 0 {
		t.Errorf("browser voice_pacing_ms = %d, want 0", got.VoicePacingMs)
	}
	if got.SilenceTimeoutMs != 1200 {
		t.Errorf("browser silence_timeout_ms = %d, want 1200", got.SilenceTimeoutMs)
	}
}

func TestResolveFillsFlowControlDefaults(t *testing.T) {
	rec := config.AgentRecord{AgentConfig: config.AgentConfig{Name: "bare"}}

	got := rec.Resolve(config.CarrierTelnyx)
	if got.IdleTimeoutSec != 10 || got.MaxDurationSec != 600 || got.InactivityMaxRetries != 3 {
		t.Errorf("flow defaults = %d/%d/%d, want 10/600/3",
			got.IdleTimeoutSec, got.MaxDurationSec, got.InactivityMaxRetries)
	}
	if got.ContextWindow != 10 || got.MaxTokens != 250 {
		t.Errorf("llm defaults = %d/%d, want 10/250", got.ContextWindow, got.MaxTokens)
	}
	if got.InitialSilenceTimeoutMs != 30000 {
		t.Errorf("initial silence = %d, want 30000", got.InitialSilenceTimeoutMs)
	}
	if got.MinChars != 2 || got.InterruptionThreshold != 5 {
		t.Errorf("gate defaults = %d/%d, want 2/5", got.MinChars, got.InterruptionThreshold)
	}
}

// ── validation ────────────────────────────────────────────────────────────────

func TestValidateAgentRanges(t *testing.T) {
	cfg := config.AgentConfig{
		Pacing: "frantic",
		Voice: types.VoiceConfig{
			Rate:        3.0,
			Pitch:       150,
			Volume:      120,
			StyleDegree: 5,
		},
		Temperature: 3,
	}

	err := config.ValidateAgent(&cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"pacing", "voice.rate", "voice.pitch", "voice.volume", "voice.style_degree", "temperature"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidateAgentZeroValueOK(t *testing.T) {
	cfg := config.AgentConfig{}
	if err := config.ValidateAgent(&cfg); err != nil {
		t.Fatalf("zero-value record should validate: %v", err)
	}
}
