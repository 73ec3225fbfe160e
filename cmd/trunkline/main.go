// Command trunkline is the Trunkline voice-agent server: it answers carrier
// and browser WebSocket legs, runs the speech pipeline against the configured
// providers, and optionally drains an outbound campaign.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/trunkline-ai/trunkline/internal/call/orchestrator"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/dialer"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/resilience"
	"github.com/trunkline-ai/trunkline/internal/server"
	"github.com/trunkline-ai/trunkline/internal/store/postgres"
	"github.com/trunkline-ai/trunkline/internal/telephony/telnyx"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/anyllm"
	oaillm "github.com/trunkline-ai/trunkline/pkg/provider/llm/openai"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt/deepgram"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/azure"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/elevenlabs"
)

// version is stamped by the build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "trunkline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Changed() {
			return
		}
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.DialerRateChanged {
			slog.Info("dialer rate changed", "rate_per_min", diff.NewDialerRate)
		}
		if diff.AgentChanged {
			slog.Info("fallback agent record changed; applies to new calls")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Postgres (optional) ───────────────────────────────────────────────────
	var (
		store     *postgres.Store
		dataStore server.DataStore
	)
	if cfg.Postgres.DSN != "" {
		store, err = postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer store.Close()
		dataStore = store
		slog.Info("postgres connected")
	}

	// ── Telnyx call control (optional) ────────────────────────────────────────
	var (
		carrier   *telnyx.Client
		telephony server.TelephonyFactory
	)
	if cfg.Telnyx.APIKey != "" {
		carrier, err = telnyx.New(cfg.Telnyx, telnyx.WithLogger(logger))
		if err != nil {
			slog.Error("failed to create telnyx client", "err", err)
			return 1
		}
		telephony = func(callControlID string) orchestrator.TelephonyActions {
			return carrier.Call(callControlID)
		}
	}

	// ── Outbound dialer (optional) ────────────────────────────────────────────
	if cfg.Dialer.Enabled {
		if store == nil || carrier == nil {
			slog.Error("dialer.enabled requires both postgres.dsn and telnyx.api_key")
			return 1
		}
		worker, err := dialer.New(dialer.Config{
			CampaignID: cfg.Dialer.CampaignID,
			StreamURL:  "wss://" + cfg.Server.PublicHost + "/api/v1/ws/media-stream?client=telnyx",
			Leads:      store,
			Carrier:    carrier,
			RatePerMin: func() int { return watcher.Current().Dialer.RateLimitPerMin },
			Logger:     logger,
		})
		if err != nil {
			slog.Error("failed to create dialer", "err", err)
			return 1
		}
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("dialer error", "err", err)
			}
		}()
	}

	// ── HTTP/WebSocket server ─────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		Source:    watcher,
		STT:       providers.stt,
		LLM:       providers.llm,
		TTS:       providers.tts,
		Store:     dataStore,
		Telephony: telephony,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the instantiated speech stack.
type providerSet struct {
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider
}

// registerBuiltinProviders wires the provider factories that ship with
// Trunkline into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The any-llm backends share one pattern: optional APIKey + optional
	// BaseURL. Groq is the usual choice for voice; its time-to-first-token
	// keeps turn latency conversational.
	for _, providerName := range []string{"groq", "anthropic", "mistral", "deepseek"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; BaseURL is the address, no API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai goes through the official SDK rather than any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("azure", func(entry config.ProviderEntry) (tts.Provider, error) {
		region := entry.StringOption("region")
		if region == "" {
			return nil, fmt.Errorf("azure tts requires options.region (or AZURE_SPEECH_REGION)")
		}
		return azure.New(entry.APIKey, region)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := entry.StringOption("output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// buildProviders instantiates the speech stack named in cfg. All three stages
// are required; each configured fallback provider wraps its primary in the
// resilience layer.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.llm = llmProvider
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	if entry := cfg.Providers.FallbackLLM; entry != nil {
		secondary, err := reg.CreateLLM(*entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", entry.Name, err)
		}
		fb := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, resilience.ChainConfig{})
		fb.AddFallback(entry.Name, secondary)
		ps.llm = fb
		slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name, "model", entry.Model)
	}

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.stt = sttProvider
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if entry := cfg.Providers.FallbackSTT; entry != nil {
		secondary, err := reg.CreateSTT(*entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback stt provider %q: %w", entry.Name, err)
		}
		fb := resilience.NewSTTFallback(sttProvider, cfg.Providers.STT.Name, resilience.ChainConfig{})
		fb.AddFallback(entry.Name, secondary)
		ps.stt = fb
		slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
	}

	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.tts = ttsProvider
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if entry := cfg.Providers.FallbackTTS; entry != nil {
		secondary, err := reg.CreateTTS(*entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback tts provider %q: %w", entry.Name, err)
		}
		fb := resilience.NewTTSFallback(ttsProvider, cfg.Providers.TTS.Name, resilience.ChainConfig{})
		fb.AddFallback(entry.Name, secondary)
		ps.tts = fb
		slog.Info("provider created", "kind", "tts-fallback", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Trunkline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("LLM", providerLabel(cfg.Providers.LLM))
	printLine("STT", providerLabel(cfg.Providers.STT))
	printLine("TTS", providerLabel(cfg.Providers.TTS))
	if cfg.Providers.FallbackLLM != nil {
		printLine("LLM fallback", providerLabel(*cfg.Providers.FallbackLLM))
	}
	if cfg.Providers.FallbackSTT != nil {
		printLine("STT fallback", providerLabel(*cfg.Providers.FallbackSTT))
	}
	if cfg.Providers.FallbackTTS != nil {
		printLine("TTS fallback", providerLabel(*cfg.Providers.FallbackTTS))
	}
	printLine("Postgres", enabledLabel(cfg.Postgres.DSN != ""))
	printLine("Telnyx", enabledLabel(cfg.Telnyx.APIKey != ""))
	if cfg.Dialer.Enabled {
		printLine("Dialer", fmt.Sprintf("%s @ %d/min", cfg.Dialer.CampaignID, cfg.Dialer.RateLimitPerMin))
	} else {
		printLine("Dialer", "(disabled)")
	}
	printLine("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return "(not configured)"
	}
	if entry.Model != "" {
		return entry.Name + " / " + entry.Model
	}
	return entry.Name
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

func printLine(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
