// Package config provides the configuration schema, loader, provider registry,
// and per-agent behavior records for the Trunkline voice-agent server.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telnyx    TelnyxConfig    `yaml:"telnyx"`
	Dialer    DialerConfig    `yaml:"dialer"`

	// Agent is the fallback agent record used when no Postgres store is
	// configured, or when the store has no record for the requested agent.
	Agent AgentRecord `yaml:"agent"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable host used when building the
	// WebSocket URL handed to telephony carriers (e.g., "agent.example.com").
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// FallbackLLM, FallbackSTT, and FallbackTTS are optional secondary
	// providers used by the resilience layer when the matching primary
	// fails or trips its breaker.
	FallbackLLM *ProviderEntry `yaml:"fallback_llm"`
	FallbackSTT *ProviderEntry `yaml:"fallback_stt"`
	FallbackTTS *ProviderEntry `yaml:"fallback_tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "groq", "deepgram", "azure").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Empty values
	// are filled from the provider's conventional environment variable by
	// [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "llama-3.3-70b-versatile", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above (e.g., "region" for Azure TTS).
	Options map[string]any `yaml:"options"`
}

// StringOption returns Options[key] as a string, or "" when absent or not a
// string.
func (e ProviderEntry) StringOption(key string) string {
	if e.Options == nil {
		return ""
	}
	s, _ := e.Options[key].(string)
	return s
}

// PostgresConfig holds the persistence settings.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string. Empty disables persistence;
	// the server then runs with the YAML agent record and no call records.
	DSN string `yaml:"dsn"`
}

// TelnyxConfig holds the outbound telephony settings.
type TelnyxConfig struct {
	// APIKey authenticates against the Telnyx REST API.
	APIKey string `yaml:"api_key"`

	// ConnectionID is the Telnyx Call Control connection used for dialing.
	ConnectionID string `yaml:"connection_id"`

	// FromNumber is the E.164 caller ID for outbound calls.
	FromNumber string `yaml:"from_number"`

	// TransferTo is the E.164 number that receives the call when the agent
	// emits a transfer. Empty disables transfers.
	TransferTo string `yaml:"transfer_to"`
}

// DialerConfig paces the outbound campaign worker.
type DialerConfig struct {
	// Enabled starts the dialer loop at boot.
	Enabled bool `yaml:"enabled"`

	// CampaignID selects which campaign's leads the worker drains.
	CampaignID string `yaml:"campaign_id"`

	// RateLimitPerMin is the maximum dials per minute. The dialer re-reads
	// this each loop iteration, so a config reload changes pacing starting
	// with the next call.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}
