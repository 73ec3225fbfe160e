package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"groq", "openai", "anthropic", "mistral", "ollama", "deepseek"},
	"stt": {"deepgram"},
	"tts": {"azure", "elevenlabs"},
}

// apiKeyEnv maps provider names to their conventional environment variables.
var apiKeyEnv = map[string]string{
	"deepgram":   "DEEPGRAM_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"azure":      "AZURE_SPEECH_KEY",
	"elevenlabs": "ELEVENLABS_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment secrets applied. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv], and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// Environment secrets are NOT applied; call [ApplyEnv] separately.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty secrets from the environment: provider API keys by
// provider name, the Azure region, the Telnyx credentials, and the Postgres
// DSN. Values already present in the config win.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.Getenv)
}

func applyEnv(cfg *Config, getenv func(string) string) {
	fill := func(e *ProviderEntry) {
		if e.APIKey != "" || e.Name == "" {
			return
		}
		if env, ok := apiKeyEnv[e.Name]; ok {
			e.APIKey = getenv(env)
		}
	}
	fill(&cfg.Providers.LLM)
	fill(&cfg.Providers.STT)
	fill(&cfg.Providers.TTS)
	if cfg.Providers.FallbackLLM != nil {
		fill(cfg.Providers.FallbackLLM)
	}
	if cfg.Providers.FallbackSTT != nil {
		fill(cfg.Providers.FallbackSTT)
	}
	if cfg.Providers.FallbackTTS != nil {
		fill(cfg.Providers.FallbackTTS)
	}

	if cfg.Providers.TTS.Name == "azure" && cfg.Providers.TTS.StringOption("region") == "" {
		if region := getenv("AZURE_SPEECH_REGION"); region != "" {
			if cfg.Providers.TTS.Options == nil {
				cfg.Providers.TTS.Options = map[string]any{}
			}
			cfg.Providers.TTS.Options["region"] = region
		}
	}

	if cfg.Telnyx.APIKey == "" {
		cfg.Telnyx.APIKey = getenv("TELNYX_API_KEY")
	}
	if cfg.Telnyx.ConnectionID == "" {
		cfg.Telnyx.ConnectionID = getenv("TELNYX_CONNECTION_ID")
	}
	if cfg.Postgres.DSN == "" {
		cfg.Postgres.DSN = getenv("POSTGRES_DSN")
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.FallbackLLM != nil {
		validateProviderName("llm", cfg.Providers.FallbackLLM.Name)
	}
	if cfg.Providers.FallbackSTT != nil {
		validateProviderName("stt", cfg.Providers.FallbackSTT.Name)
	}
	if cfg.Providers.FallbackTTS != nil {
		validateProviderName("tts", cfg.Providers.FallbackTTS.Name)
	}

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the agent will not be able to generate responses")
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; call records and transcripts will not be persisted")
	}

	if cfg.Dialer.Enabled {
		if cfg.Telnyx.APIKey == "" && os.Getenv("TELNYX_API_KEY") == "" {
			errs = append(errs, errors.New("dialer.enabled requires telnyx.api_key (or TELNYX_API_KEY)"))
		}
		if cfg.Dialer.CampaignID == "" {
			errs = append(errs, errors.New("dialer.enabled requires dialer.campaign_id"))
		}
		if cfg.Dialer.RateLimitPerMin < 0 {
			errs = append(errs, fmt.Errorf("dialer.rate_limit_per_min %d must not be negative", cfg.Dialer.RateLimitPerMin))
		}
	}

	if err := ValidateAgent(&cfg.Agent.AgentConfig); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
