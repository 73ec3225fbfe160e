// Package server exposes the Trunkline HTTP surface: the carrier and browser
// WebSocket endpoint, the TwiML webhook for inbound Twilio calls, and the
// health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trunkline-ai/trunkline/internal/call/orchestrator"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/health"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/tools"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
)

// shutdownTimeout bounds the graceful drain of in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

// ConfigSource yields the current configuration snapshot. Satisfied by
// [config.Watcher]; [StaticConfig] wraps a fixed config for tests and for
// running without a watcher.
type ConfigSource interface {
	Current() *config.Config
}

// StaticConfig is a [ConfigSource] that always returns the same config.
type StaticConfig struct {
	C *config.Config
}

// Current implements ConfigSource.
func (s StaticConfig) Current() *config.Config { return s.C }

// DataStore is the persistence surface the server uses. *postgres.Store
// satisfies it; nil disables call records, transcripts, stored agent
// configs, and the database-backed tools.
type DataStore interface {
	orchestrator.CallStore
	tools.ContactSearcher
	GetAgentRecord(ctx context.Context, name string) (*config.AgentRecord, error)
	SaveCallNote(ctx context.Context, callID int64, note map[string]any) error
	Ping(ctx context.Context) error
}

// TelephonyFactory builds the call-control handle for one carrier leg.
// Nil disables agent-initiated hangup, transfer, and DTMF.
type TelephonyFactory func(callControlID string) orchestrator.TelephonyActions

// Config assembles a [Server].
type Config struct {
	Source ConfigSource

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Store may be nil (no persistence).
	Store DataStore

	// Telephony may be nil (no carrier call control).
	Telephony TelephonyFactory

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server routes HTTP traffic and owns the set of live calls.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *orchestrator.Registry
	health   *health.Handler
}

// New validates the wiring and returns a Server. It does not listen; call
// [Server.Run] or mount [Server.Handler] yourself.
func New(cfg Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("server: nil config source")
	}
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, fmt.Errorf("server: all of STT, LLM, and TTS providers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	var checkers []health.Checker
	if cfg.Store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: cfg.Store.Ping,
		})
	}

	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: orchestrator.NewRegistry(cfg.Logger),
		health:   health.New(checkers...),
	}, nil
}

// Registry exposes the live-call registry, mainly for diagnostics and the
// shutdown path.
func (s *Server) Registry() *orchestrator.Registry { return s.registry }

// Handler builds the route table. The WebSocket endpoint stays outside the
// observability middleware: a call leg is a long-lived connection, not a
// request worth a span.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/ws/media-stream", s.handleMediaStream)

	wrap := observe.Middleware(s.cfg.Metrics)
	mux.Handle("POST /api/v1/twiml", wrap(http.HandlerFunc(s.handleTwiML)))

	return mux
}

// Run serves HTTP until ctx is cancelled, then drains requests and stops
// every live call.
func (s *Server) Run(ctx context.Context) error {
	conf := s.cfg.Source.Current()

	httpSrv := &http.Server{
		Addr:              conf.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := conf.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		errCh <- err
	}()
	s.logger.Info("server listening", "addr", conf.Server.ListenAddr, "tls", conf.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	s.registry.StopAll("server_shutdown")
	return nil
}

// twimlDocument is the answer to Twilio's inbound-call webhook: connect the
// call to our bidirectional media stream.
const twimlDocument = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>
`

// handleTwiML answers Twilio's voice webhook with a <Connect><Stream> verb
// pointing at the media-stream WebSocket.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	host := s.cfg.Source.Current().Server.PublicHost
	if host == "" {
		host = r.Host
	}
	streamURL := "wss://" + host + "/api/v1/ws/media-stream?client=twilio"

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, twimlDocument, streamURL)
}
