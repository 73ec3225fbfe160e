// Package telnyx is a minimal Telnyx Call Control v2 client: outbound dialing
// for the campaign dialer, plus the per-call actions (hangup, transfer, DTMF)
// the agent can trigger mid-conversation.
package telnyx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/trunkline-ai/trunkline/internal/config"
)

const defaultBaseURL = "https://api.telnyx.com"

// streamCodec is requested on every dial; the media pipeline expects A-law
// from Telnyx legs.
const streamCodec = "PCMA"

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client talks to the Telnyx Call Control API.
type Client struct {
	apiKey       string
	connectionID string
	from         string
	transferTo   string
	baseURL      string
	httpc        *http.Client
	logger       *slog.Logger
}

// New creates a Client from the Telnyx configuration block.
func New(cfg config.TelnyxConfig, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("telnyx: api key must not be empty")
	}
	c := &Client{
		apiKey:       cfg.APIKey,
		connectionID: cfg.ConnectionID,
		from:         cfg.FromNumber,
		transferTo:   cfg.TransferTo,
		baseURL:      defaultBaseURL,
		httpc:        &http.Client{Timeout: 10 * time.Second},
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ClientState is the context blob attached to an outbound call. Telnyx echoes
// it base64-encoded on the media stream's start event, which is how the
// answering side recovers the campaign context.
type ClientState struct {
	CampaignID string            `json:"campaign_id"`
	LeadData   map[string]string `json:"lead_data,omitempty"`
}

// dialRequest is the POST /v2/calls payload.
type dialRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	ClientState  string `json:"client_state,omitempty"`

	StreamURL               string `json:"stream_url"`
	StreamTrack             string `json:"stream_track"`
	StreamBidirectionalMode string `json:"stream_bidirectional_mode"`
	StreamCodec             string `json:"stream_bidirectional_codec"`
}

type dialResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallLegID     string `json:"call_leg_id"`
	} `json:"data"`
}

// apiError is the Telnyx error envelope.
type apiError struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// Dial places an outbound call whose media is streamed to streamURL. state is
// attached as the call's client_state; the returned ID drives later actions.
func (c *Client) Dial(ctx context.Context, to, streamURL string, state *ClientState) (string, error) {
	req := dialRequest{
		ConnectionID:            c.connectionID,
		To:                      to,
		From:                    c.from,
		StreamURL:               streamURL,
		StreamTrack:             "inbound_track",
		StreamBidirectionalMode: "rtp",
		StreamCodec:             streamCodec,
	}
	if state != nil {
		blob, err := json.Marshal(state)
		if err != nil {
			return "", fmt.Errorf("telnyx: marshal client state: %w", err)
		}
		req.ClientState = base64.StdEncoding.EncodeToString(blob)
	}

	var resp dialResponse
	if err := c.post(ctx, "/v2/calls", req, &resp); err != nil {
		return "", fmt.Errorf("telnyx: dial %s: %w", to, err)
	}
	c.logger.Info("outbound call placed", "to", to, "call_control_id", resp.Data.CallControlID)
	return resp.Data.CallControlID, nil
}

// Call binds the per-call actions to one call control ID. It satisfies the
// orchestrator's telephony contract.
type Call struct {
	client        *Client
	callControlID string
}

// Call returns the action handle for callControlID.
func (c *Client) Call(callControlID string) *Call {
	return &Call{client: c, callControlID: callControlID}
}

// Hangup ends the call leg.
func (a *Call) Hangup(ctx context.Context) error {
	if err := a.client.post(ctx, a.action("hangup"), struct{}{}, nil); err != nil {
		return fmt.Errorf("telnyx: hangup: %w", err)
	}
	return nil
}

// Transfer moves the call to the configured human-agent number.
func (a *Call) Transfer(ctx context.Context) error {
	if a.client.transferTo == "" {
		return errors.New("telnyx: no transfer number configured")
	}
	body := struct {
		To   string `json:"to"`
		From string `json:"from"`
	}{To: a.client.transferTo, From: a.client.from}
	if err := a.client.post(ctx, a.action("transfer"), body, nil); err != nil {
		return fmt.Errorf("telnyx: transfer: %w", err)
	}
	return nil
}

// SendDTMF plays the digit string on the call.
func (a *Call) SendDTMF(ctx context.Context, digits string) error {
	body := struct {
		Digits string `json:"digits"`
	}{Digits: digits}
	if err := a.client.post(ctx, a.action("send_dtmf"), body, nil); err != nil {
		return fmt.Errorf("telnyx: send dtmf: %w", err)
	}
	return nil
}

func (a *Call) action(name string) string {
	return "/v2/calls/" + a.callControlID + "/actions/" + name
}

// post issues one authenticated API call, decoding into out when non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && len(ae.Errors) > 0 {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, ae.Errors[0].Title, ae.Errors[0].Detail)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
