package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/trunkline-ai/trunkline/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: groq
    model: llama-3.3-70b-versatile
  stt:
    name: deepgram
    model: nova-3
  tts:
    name: azure
    options:
      region: eastus
telnyx:
  connection_id: "conn-123"
  from_number: "+15550001111"
agent:
  name: default
  system_prompt: "Eres Andrea."
  language: es-MX
  voice:
    name: es-MX-DaliaNeural
    rate: 1.0
    volume: 100
  pacing: moderate
  phone:
    interruption_threshold: 2
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Name != "groq" || cfg.Providers.STT.Model != "nova-3" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if got := cfg.Providers.TTS.StringOption("region"); got != "eastus" {
		t.Errorf("tts region = %q", got)
	}
	if cfg.Agent.Phone == nil || cfg.Agent.Phone.InterruptionThreshold == nil {
		t.Fatalf("phone overlay not decoded: %+v", cfg.Agent.Phone)
	}
	if *cfg.Agent.Phone.InterruptionThreshold != 2 {
		t.Errorf("phone threshold = %d", *cfg.Agent.Phone.InterruptionThreshold)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLoadFromReaderRejectsBadValues(t *testing.T) {
	bad := `
server:
  log_level: loud
agent:
  pacing: frantic
`
	_, err := config.LoadFromReader(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "pacing") {
		t.Errorf("joined error = %v", err)
	}
}

func TestValidateDialerNeedsTelnyxKey(t *testing.T) {
	t.Setenv("TELNYX_API_KEY", "")
	cfg := &config.Config{Dialer: config.DialerConfig{Enabled: true}}
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "telnyx.api_key") {
		t.Errorf("err = %v", err)
	}
}

func TestApplyEnvFillsSecrets(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	t.Setenv("GROQ_API_KEY", "gsk_test")
	t.Setenv("DEEPGRAM_API_KEY", "dg_test")
	t.Setenv("AZURE_SPEECH_KEY", "az_test")
	t.Setenv("TELNYX_API_KEY", "KEY_test")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/trunkline")
	config.ApplyEnv(cfg)

	if cfg.Providers.LLM.APIKey != "gsk_test" {
		t.Errorf("llm key = %q", cfg.Providers.LLM.APIKey)
	}
	if cfg.Providers.STT.APIKey != "dg_test" {
		t.Errorf("stt key = %q", cfg.Providers.STT.APIKey)
	}
	if cfg.Providers.TTS.APIKey != "az_test" {
		t.Errorf("tts key = %q", cfg.Providers.TTS.APIKey)
	}
	if cfg.Telnyx.APIKey != "KEY_test" {
		t.Errorf("telnyx key = %q", cfg.Telnyx.APIKey)
	}
	if cfg.Postgres.DSN != "postgres://localhost/trunkline" {
		t.Errorf("dsn = %q", cfg.Postgres.DSN)
	}
}

func TestFallbackProvidersParseAndFillFromEnv(t *testing.T) {
	yaml := strings.Replace(sampleYAML, "providers:", `providers:
  fallback_llm:
    name: openai
    model: gpt-4o-mini
  fallback_stt:
    name: deepgram
    model: nova-2
  fallback_tts:
    name: elevenlabs`, 1)

	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.FallbackSTT == nil || cfg.Providers.FallbackSTT.Model != "nova-2" {
		t.Fatalf("fallback stt = %+v", cfg.Providers.FallbackSTT)
	}
	if cfg.Providers.FallbackTTS == nil || cfg.Providers.FallbackTTS.Name != "elevenlabs" {
		t.Fatalf("fallback tts = %+v", cfg.Providers.FallbackTTS)
	}

	t.Setenv("OPENAI_API_KEY", "sk_fb")
	t.Setenv("DEEPGRAM_API_KEY", "dg_fb")
	t.Setenv("ELEVENLABS_API_KEY", "el_fb")
	config.ApplyEnv(cfg)

	if cfg.Providers.FallbackLLM.APIKey != "sk_fb" {
		t.Errorf("fallback llm key = %q", cfg.Providers.FallbackLLM.APIKey)
	}
	if cfg.Providers.FallbackSTT.APIKey != "dg_fb" {
		t.Errorf("fallback stt key = %q", cfg.Providers.FallbackSTT.APIKey)
	}
	if cfg.Providers.FallbackTTS.APIKey != "el_fb" {
		t.Errorf("fallback tts key = %q", cfg.Providers.FallbackTTS.APIKey)
	}
}

func TestApplyEnvKeepsExplicitValues(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "groq", APIKey: "explicit"}
	t.Setenv("GROQ_API_KEY", "from-env")

	config.ApplyEnv(cfg)
	if cfg.Providers.LLM.APIKey != "explicit" {
		t.Errorf("explicit key overwritten: %q", cfg.Providers.LLM.APIKey)
	}
}

func TestRegistryCreate(t *testing.T) {
	r := config.NewRegistry()
	_, err := r.CreateLLM(config.ProviderEntry{Name: "groq"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}
