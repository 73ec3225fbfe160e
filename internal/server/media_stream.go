package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/trunkline-ai/trunkline/internal/call/orchestrator"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/telephony/telnyx"
	"github.com/trunkline-ai/trunkline/internal/tools"
	"github.com/trunkline-ai/trunkline/internal/transport"
)

// wsReadLimit caps inbound WebSocket messages. Carrier media frames are a few
// hundred bytes of base64; browser PCM chunks run larger.
const wsReadLimit = 1 << 20

// carrierFor maps the client query parameter to the wire dialect and the
// agent-config overlay it selects.
func carrierFor(client string) (transport.Protocol, config.Carrier, bool) {
	switch client {
	case "twilio":
		return transport.ProtocolTwilio, config.CarrierPhone, true
	case "telnyx":
		return transport.ProtocolTelnyx, config.CarrierTelnyx, true
	case "browser", "":
		return transport.ProtocolBrowser, config.CarrierBrowser, true
	default:
		return "", "", false
	}
}

// handleMediaStream upgrades the connection and runs one call leg until the
// socket closes or the call ends.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	proto, carrier, ok := carrierFor(r.URL.Query().Get("client"))
	if !ok {
		http.Error(w, "unknown client type", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sess := &session{
		server:    s,
		sessionID: uuid.NewString(),
		proto:     proto,
		carrier:   carrier,
		agentName: agentName(r),
	}
	sess.logger = s.logger.With("session_id", sess.sessionID, "carrier", string(carrier))
	sess.transport = transport.NewWSTransport(conn, proto, sess.logger)

	sess.run(r.Context())
}

func agentName(r *http.Request) string {
	if name := r.URL.Query().Get("agent"); name != "" {
		return name
	}
	return "default"
}

// session is one WebSocket call leg: the read loop plus the orchestrator it
// feeds.
type session struct {
	server    *Server
	sessionID string
	proto     transport.Protocol
	carrier   config.Carrier
	agentName string
	logger    *slog.Logger
	transport *transport.WSTransport

	orch *orchestrator.Orchestrator
}

// run drives the session: browsers get their orchestrator immediately,
// telephony legs wait for the carrier's start event to learn the stream ID
// and call context.
func (sess *session) run(ctx context.Context) {
	defer func() {
		if sess.orch != nil {
			sess.orch.Stop("ws_closed")
			sess.server.registry.Remove(sess.sessionID, sess.orch)
		} else {
			_ = sess.transport.Close()
		}
	}()

	if sess.proto == transport.ProtocolBrowser {
		if err := sess.startCall(ctx, transport.Event{}); err != nil {
			sess.logger.Error("call setup failed", "error", err)
			return
		}
	}

	for {
		ev, err := sess.transport.ReadEvent(ctx)
		if err != nil {
			sess.logger.Debug("read loop ended", "error", err)
			return
		}

		switch ev.Kind {
		case transport.EventConnected:
			// Carrier handshake; nothing to do.

		case transport.EventStart:
			sess.transport.SetStreamID(ev.StreamID)
			if sess.orch == nil {
				if err := sess.startCall(ctx, ev); err != nil {
					sess.logger.Error("call setup failed", "error", err)
					return
				}
			}

		case transport.EventMedia:
			if sess.orch != nil {
				if err := sess.orch.PushAudio(ctx, ev.Audio); err != nil {
					sess.logger.Debug("push audio", "error", err)
				}
			}

		case transport.EventInterruption:
			if sess.orch != nil {
				sess.orch.NotifyInterruption()
			}

		case transport.EventVADStats:
			if sess.orch != nil {
				sess.orch.ObserveClientRMS(ev.RMS)
			}

		case transport.EventClear:
			if sess.orch != nil {
				sess.orch.NotifyClear()
			}

		case transport.EventStop:
			if sess.orch != nil {
				sess.orch.Stop("stop_event")
			}
			return

		default:
			sess.logger.Debug("unhandled event", "raw", string(ev.Raw))
		}
	}
}

// startCall resolves the agent for this leg, wires the orchestrator, and
// starts it. The start event supplies the carrier call context; browsers pass
// a zero event.
func (sess *session) startCall(ctx context.Context, ev transport.Event) error {
	s := sess.server

	agent := sess.resolveAgent(ctx)
	vars := leadVars(ev.ClientState)

	var telephony orchestrator.TelephonyActions
	if s.cfg.Telephony != nil && ev.CallControlID != "" {
		telephony = s.cfg.Telephony(ev.CallControlID)
	}

	orch := orchestrator.New(orchestrator.Config{
		SessionID:  sess.sessionID,
		Protocol:   sess.proto,
		Agent:      agent,
		STT:        s.cfg.STT,
		LLM:        s.cfg.LLM,
		TTS:        s.cfg.TTS,
		Tools:      sess.toolRunner(agent, func() int64 { return sess.orch.CallID() }),
		Transport:  sess.transport,
		Store:      s.cfg.Store,
		Telephony:  telephony,
		Vars:       vars,
		Background: loadBackground(agent.BackgroundAudio, sess.logger),
		Metrics:    s.cfg.Metrics,
		Logger:     s.logger,
	})
	sess.orch = orch

	if err := orch.Start(ctx); err != nil {
		sess.orch = nil
		return err
	}
	s.registry.Add(sess.sessionID, orch)
	return nil
}

// resolveAgent prefers the stored record over the YAML fallback, then applies
// this leg's carrier overlay.
func (sess *session) resolveAgent(ctx context.Context) config.AgentConfig {
	s := sess.server
	record := s.cfg.Source.Current().Agent

	if s.cfg.Store != nil {
		stored, err := s.cfg.Store.GetAgentRecord(ctx, sess.agentName)
		switch {
		case err != nil:
			sess.logger.Warn("agent lookup failed, using config fallback", "agent", sess.agentName, "error", err)
		case stored != nil:
			record = *stored
		}
	}
	return record.Resolve(sess.carrier)
}

// toolRunner assembles the per-call tool registry. Nil when the agent has no
// tools or there is no store to back them.
func (sess *session) toolRunner(agent config.AgentConfig, callID func() int64) orchestrator.ToolRunner {
	store := sess.server.cfg.Store
	if store == nil || len(agent.Tools) == 0 {
		return nil
	}

	reg := tools.NewRegistry(sess.logger)
	mustRegister(reg, tools.QueryDatabase(store))
	mustRegister(reg, tools.EndCallNote(func(ctx context.Context, note map[string]any) error {
		return store.SaveCallNote(ctx, callID(), note)
	}))
	return reg.Subset(agent.Tools)
}

// mustRegister registers a built-in tool. Built-ins have static definitions,
// so registration cannot fail at runtime.
func mustRegister(reg *tools.Registry, t tools.Tool) {
	if err := reg.Register(t); err != nil {
		panic(err)
	}
}

// leadVars decodes the dialer's client_state blob into prompt substitution
// variables.
func leadVars(clientState []byte) map[string]string {
	if len(clientState) == 0 {
		return nil
	}
	var state telnyx.ClientState
	if err := json.Unmarshal(clientState, &state); err != nil {
		return nil
	}
	return state.LeadData
}

// loadBackground reads the agent's background WAV. Best-effort: a missing
// file means a call without ambience, not a failed call.
func loadBackground(path string, logger *slog.Logger) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("background audio unavailable", "path", path, "error", err)
		return nil
	}
	return data
}
